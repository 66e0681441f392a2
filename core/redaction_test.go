package core

import "testing"

func TestRedactPayloadMasksContentAndKeepsIdentifiers(t *testing.T) {
	payload := map[string]any{
		"RecordType": "Delivery",
		"MessageID":  "pm-1",
		"Recipient":  "someone@example.com",
		"Subject":    "Quarterly report",
		"Metadata": map[string]any{
			"tenant_id": "tenant-a",
			"api-key":   "abc",
		},
		"Attachments": []any{map[string]any{"content": "base64"}},
	}
	redacted := RedactPayload(payload)

	if redacted["RecordType"] != "Delivery" || redacted["MessageID"] != "pm-1" {
		t.Fatalf("traceability fields must survive: %+v", redacted)
	}
	if redacted["Recipient"] != RedactedValue || redacted["Subject"] != RedactedValue {
		t.Fatalf("content fields must be masked: %+v", redacted)
	}
	metadata := redacted["Metadata"].(map[string]any)
	if metadata["tenant_id"] != "tenant-a" || metadata["api-key"] != RedactedValue {
		t.Fatalf("nested fields redacted incorrectly: %+v", metadata)
	}
	attachment := redacted["Attachments"].([]any)[0].(map[string]any)
	if attachment["content"] != RedactedValue {
		t.Fatalf("list items must be redacted: %+v", attachment)
	}
	if payload["Recipient"] != "someone@example.com" {
		t.Fatalf("input payload must not be mutated")
	}
}

func TestRedactPayloadEmpty(t *testing.T) {
	if got := RedactPayload(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty map, got %#v", got)
	}
}
