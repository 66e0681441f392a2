package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactPayload masks credentials and free-text message content in a
// provider callback payload before it is persisted. Identifiers, event types
// and timestamps survive so the event stays reconcilable.
func RedactPayload(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return map[string]any{}
	}
	return redactMap(payload)
}

func redactMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactValue(value)
	}
	return target
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, "-", "_")
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	for _, token := range []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"credential",
		"signature",
	} {
		if strings.Contains(key, token) {
			return true
		}
	}
	switch key {
	case "body",
		"textbody",
		"text_body",
		"htmlbody",
		"html_body",
		"content",
		"subject",
		"details",
		"description",
		"message",
		"headers",
		"from",
		"to",
		"recipient",
		"email",
		"origin":
		return true
	default:
		return false
	}
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "id",
		"messageid",
		"message_id",
		"provider_message_id",
		"provider_event_id",
		"recordtype",
		"record_type",
		"event_type",
		"type",
		"tenant_id",
		"tag",
		"messagestream",
		"message_stream":
		return true
	default:
		return false
	}
}
