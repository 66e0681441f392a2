package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

const DefaultUnresolvedRetryDelay = 5 * time.Second

type ApplyResult string

const (
	ApplyResolved   ApplyResult = "resolved"
	ApplyUnresolved ApplyResult = "unresolved"
	ApplyFailed     ApplyResult = "failed"
)

// RetryPolicy yields the wait before retry number attempt (1-based).
type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialRetryPolicy doubles from Initial up to Max.
type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = DefaultUnresolvedRetryDelay
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// LedgerApplier links a stored webhook event to its message and advances the
// message's delivery state. Delivery state only moves to an equal or higher
// rank, so events converge regardless of arrival order.
type LedgerApplier struct {
	Messages      core.MessageStore
	SendEvents    core.SendEventStore
	WebhookEvents core.WebhookEventStore
	RetryDelay    time.Duration
	Now           func() time.Time
	Observer      *core.Observer
}

func NewLedgerApplier(messages core.MessageStore, sendEvents core.SendEventStore, webhookEvents core.WebhookEventStore) *LedgerApplier {
	return &LedgerApplier{
		Messages:      messages,
		SendEvents:    sendEvents,
		WebhookEvents: webhookEvents,
		RetryDelay:    DefaultUnresolvedRetryDelay,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

func (a *LedgerApplier) Apply(ctx context.Context, event core.WebhookEvent) (ApplyResult, error) {
	if a == nil || a.Messages == nil || a.SendEvents == nil || a.WebhookEvents == nil {
		return "", fmt.Errorf("webhooks: ledger applier is not configured")
	}
	providerEventID := strings.TrimSpace(event.ProviderEventID)
	providerMessageID := strings.TrimSpace(event.ProviderMessageID)
	if providerMessageID == "" {
		if err := a.WebhookEvents.FailWebhookEvent(ctx, providerEventID, event.ReconcileAttempts, "provider message id is missing"); err != nil {
			return "", err
		}
		return ApplyFailed, nil
	}

	msg, err := a.Messages.FindByProviderMessageID(ctx, event.TenantID, providerMessageID)
	if err != nil {
		if !errors.Is(err, core.ErrMessageNotFound) {
			return "", err
		}
		nextRetryAt := a.now().Add(a.retryDelay())
		if err := a.WebhookEvents.DeferWebhookEvent(ctx, providerEventID, event.ReconcileAttempts, nextRetryAt, "message not found"); err != nil {
			return "", err
		}
		return ApplyUnresolved, nil
	}

	occurredAt := event.ReceivedAt
	if event.OccurredAt != nil {
		occurredAt = *event.OccurredAt
	}
	eventType := strings.ToLower(strings.TrimSpace(event.EventType))
	if eventType == "" {
		eventType = "unknown"
	}
	if _, err := a.SendEvents.UpsertSendEvent(ctx, core.SendEvent{
		TenantID:          msg.TenantID,
		MessageID:         msg.MessageID,
		ProviderEventID:   providerEventID,
		ProviderMessageID: providerMessageID,
		EventType:         eventType,
		OccurredAt:        occurredAt,
		Metadata:          map[string]any{"source": "webhook", "payload_hash": event.PayloadHash},
	}); err != nil {
		return "", err
	}

	if candidate, ok := DeliveryStateForEvent(eventType); ok {
		advanced, err := a.Messages.AdvanceDeliveryState(ctx, msg.TenantID, msg.MessageID, candidate)
		if err != nil {
			return "", err
		}
		if !advanced {
			a.Observer.Debug(ctx, "delivery state kept", map[string]any{
				"tenant_id":  msg.TenantID,
				"message_id": msg.MessageID,
				"current":    string(msg.DeliveryState),
				"candidate":  string(candidate),
			})
		}
	}

	if err := a.WebhookEvents.ResolveWebhookEvent(ctx, providerEventID, msg.TenantID, msg.MessageID); err != nil {
		return "", err
	}
	return ApplyResolved, nil
}

func (a *LedgerApplier) retryDelay() time.Duration {
	if a.RetryDelay > 0 {
		return a.RetryDelay
	}
	return DefaultUnresolvedRetryDelay
}

func (a *LedgerApplier) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}
