package webhooks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

// NormalizedEvent is the provider-neutral view of one callback.
type NormalizedEvent struct {
	ProviderEventID   string
	ProviderMessageID string
	EventType         string
	TenantHint        string
	OccurredAt        *time.Time
	PayloadHash       string
	Payload           map[string]any
}

var eventDeliveryStates = map[string]core.DeliveryState{
	"delivered":          core.DeliveryStateDelivered,
	"delivery":           core.DeliveryStateDelivered,
	"bounce":             core.DeliveryStateBounced,
	"bounced":            core.DeliveryStateBounced,
	"hardbounce":         core.DeliveryStateBounced,
	"softbounce":         core.DeliveryStateBounced,
	"spamcomplaint":      core.DeliveryStateSpamComplaint,
	"spam_complaint":     core.DeliveryStateSpamComplaint,
	"spamreport":         core.DeliveryStateSpamComplaint,
	"unsubscribe":        core.DeliveryStateUnsubscribed,
	"unsubscribed":       core.DeliveryStateUnsubscribed,
	"subscriptionchange": core.DeliveryStateUnsubscribed,
	"sent":               core.DeliveryStateSent,
	"processed":          core.DeliveryStateSent,
}

// DeliveryStateForEvent maps a lower-cased event type onto the delivery
// state it implies. Unknown types are recorded in the ledger only.
func DeliveryStateForEvent(eventType string) (core.DeliveryState, bool) {
	state, ok := eventDeliveryStates[strings.ToLower(strings.TrimSpace(eventType))]
	return state, ok
}

var (
	eventIDKeys        = []string{"provider_event_id", "event_id", "eventid", "id"}
	messageIDKeys      = []string{"provider_message_id", "messageid", "message_id"}
	eventTypeKeys      = []string{"event_type", "recordtype", "record_type", "type", "event"}
	tenantKeys         = []string{"tenant_id", "tenantid", "tenant"}
	metadataKeys       = []string{"metadata", "meta"}
	occurredAtKeys     = []string{"occurred_at", "timestamp", "deliveredat", "bouncedat", "receivedat", "changedat", "created_at"}
	unixSecondsCeiling = int64(1) << 40
)

// Normalize parses a raw callback body. Numbers are kept as json.Number so
// large ids survive. The provider event id falls back to a hash of the raw
// body, which makes byte-identical redeliveries collapse.
func Normalize(body []byte) (NormalizedEvent, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	payload := map[string]any{}
	if err := decoder.Decode(&payload); err != nil {
		return NormalizedEvent{}, fmt.Errorf("webhooks: decode payload: %w", err)
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	event := NormalizedEvent{
		ProviderEventID:   lookupString(payload, eventIDKeys...),
		ProviderMessageID: lookupString(payload, messageIDKeys...),
		EventType:         strings.ToLower(lookupString(payload, eventTypeKeys...)),
		TenantHint:        tenantHint(payload),
		OccurredAt:        lookupTime(payload, occurredAtKeys...),
		PayloadHash:       hash,
		Payload:           payload,
	}
	if event.ProviderEventID == "" {
		event.ProviderEventID = "sha256:" + hash
	}
	return event, nil
}

func tenantHint(payload map[string]any) string {
	for _, key := range metadataKeys {
		if nested, ok := lookup(payload, key).(map[string]any); ok {
			if tenant := lookupString(nested, tenantKeys...); tenant != "" {
				return tenant
			}
		}
	}
	return lookupString(payload, tenantKeys...)
}

func lookup(payload map[string]any, key string) any {
	if value, ok := payload[key]; ok {
		return value
	}
	for existing, value := range payload {
		if strings.EqualFold(existing, key) || strings.EqualFold(strings.ReplaceAll(existing, "_", ""), key) {
			return value
		}
	}
	return nil
}

func lookupString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		switch typed := lookup(payload, key).(type) {
		case string:
			if value := strings.TrimSpace(typed); value != "" {
				return value
			}
		case json.Number:
			return typed.String()
		}
	}
	return ""
}

func lookupTime(payload map[string]any, keys ...string) *time.Time {
	for _, key := range keys {
		switch typed := lookup(payload, key).(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
				if parsed, err := time.Parse(layout, strings.TrimSpace(typed)); err == nil {
					value := parsed.UTC()
					return &value
				}
			}
			if unix, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil && unix > 0 {
				value := unixTime(unix)
				return &value
			}
		case json.Number:
			if unix, err := typed.Int64(); err == nil && unix > 0 {
				value := unixTime(unix)
				return &value
			}
		}
	}
	return nil
}

// unixTime accepts seconds or milliseconds.
func unixTime(value int64) time.Time {
	if value > unixSecondsCeiling {
		return time.UnixMilli(value).UTC()
	}
	return time.Unix(value, 0).UTC()
}
