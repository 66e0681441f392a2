package webhooks

import (
	"strings"
	"testing"

	"github.com/goliatone/go-outbound/core"
)

func TestNormalizeProviderPayload(t *testing.T) {
	body := []byte(`{
		"RecordType": "Bounce",
		"ID": 4323372036854775807,
		"MessageID": "pm-1",
		"BouncedAt": "2026-03-01T10:00:00Z",
		"Email": "someone@example.com",
		"Metadata": {"tenant_id": "tenant-a"}
	}`)
	event, err := Normalize(body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.ProviderEventID != "4323372036854775807" {
		t.Fatalf("expected exact numeric id, got %q", event.ProviderEventID)
	}
	if event.ProviderMessageID != "pm-1" || event.EventType != "bounce" || event.TenantHint != "tenant-a" {
		t.Fatalf("unexpected normalized event %#v", event)
	}
	if event.OccurredAt == nil || event.OccurredAt.Format("2006-01-02") != "2026-03-01" {
		t.Fatalf("expected occurred at, got %v", event.OccurredAt)
	}
	redacted := core.RedactPayload(event.Payload)
	if redacted["Email"] != core.RedactedValue || redacted["MessageID"] != "pm-1" {
		t.Fatalf("expected email redacted and ids kept, got %#v", redacted)
	}
}

func TestNormalizeFallsBackToBodyHash(t *testing.T) {
	body := []byte(`{"event":"Delivered","message_id":"pm-2","timestamp":1767225600}`)
	first, err := Normalize(body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	second, err := Normalize(body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.HasPrefix(first.ProviderEventID, "sha256:") || first.ProviderEventID != second.ProviderEventID {
		t.Fatalf("expected stable hash id, got %q and %q", first.ProviderEventID, second.ProviderEventID)
	}
	if first.EventType != "delivered" {
		t.Fatalf("expected lower-cased event type, got %q", first.EventType)
	}
	if first.OccurredAt == nil || first.OccurredAt.Unix() != 1767225600 {
		t.Fatalf("expected unix timestamp parsed, got %v", first.OccurredAt)
	}
}

func TestNormalizeRejectsInvalidJSON(t *testing.T) {
	if _, err := Normalize([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestDeliveryStateForEvent(t *testing.T) {
	cases := map[string]core.DeliveryState{
		"Delivered":          core.DeliveryStateDelivered,
		"delivery":           core.DeliveryStateDelivered,
		"HardBounce":         core.DeliveryStateBounced,
		"softbounce":         core.DeliveryStateBounced,
		"SpamComplaint":      core.DeliveryStateSpamComplaint,
		"spam_complaint":     core.DeliveryStateSpamComplaint,
		"spamreport":         core.DeliveryStateSpamComplaint,
		"SubscriptionChange": core.DeliveryStateUnsubscribed,
		"unsubscribe":        core.DeliveryStateUnsubscribed,
		"processed":          core.DeliveryStateSent,
		"sent":               core.DeliveryStateSent,
	}
	for eventType, want := range cases {
		got, ok := DeliveryStateForEvent(eventType)
		if !ok || got != want {
			t.Fatalf("DeliveryStateForEvent(%q) = %q, %v; want %q", eventType, got, ok, want)
		}
	}
	if _, ok := DeliveryStateForEvent("open"); ok {
		t.Fatalf("expected open to be recorded only")
	}
}
