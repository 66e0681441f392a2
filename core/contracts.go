package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// MessageStore persists messages. Every transition that can race is a single
// conditional update; methods returning bool report whether a row matched.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, tenantID string, messageID string) (Message, error)
	FindByProviderMessageID(ctx context.Context, tenantID string, providerMessageID string) (Message, error)
	ClaimMessage(ctx context.Context, req ClaimRequest) (bool, error)
	// MarkPaused with an empty workerID parks only a QUEUED row; with a worker id
	// it parks only that worker's own SENDING claim.
	MarkPaused(ctx context.Context, tenantID string, messageID string, workerID string) (bool, error)
	CompleteSend(ctx context.Context, completion SendCompletion) (bool, error)
	MarkFailed(ctx context.Context, tenantID string, messageID string, reason string) (bool, error)
	CountSends(ctx context.Context, filter SendCountFilter) (int, error)
	CountOutcomes(ctx context.Context, tenantID string, since time.Time) (OutcomeCounts, error)
	ListStaleClaims(ctx context.Context, staleBefore time.Time, limit int) ([]Message, error)
	RequeueStaleClaim(ctx context.Context, tenantID string, messageID string, staleBefore time.Time) (bool, error)
	FailStaleClaim(ctx context.Context, tenantID string, messageID string, staleBefore time.Time, reason string) (bool, error)
	AdvanceDeliveryState(ctx context.Context, tenantID string, messageID string, candidate DeliveryState) (bool, error)
	RequeuePaused(ctx context.Context, tenantID string) ([]string, error)
	// ListIdleQueued returns QUEUED, unsent messages not updated since idleBefore.
	ListIdleQueued(ctx context.Context, idleBefore time.Time, limit int) ([]Message, error)
	// TouchIdleQueued bumps updated_at on a still-idle QUEUED row. Only one of
	// several concurrent callers observes true.
	TouchIdleQueued(ctx context.Context, tenantID string, messageID string, idleBefore time.Time, now time.Time) (bool, error)
}

type TenantPolicyStore interface {
	GetTenantPolicy(ctx context.Context, tenantID string) (TenantPolicy, error)
	UpsertTenantPolicy(ctx context.Context, policy TenantPolicy) error
}

type ControlStateStore interface {
	// GetControlState returns found=false when the tenant was never paused.
	GetControlState(ctx context.Context, tenantID string) (ControlState, bool, error)
	// CompareAndSwapControlState writes next only when the stored version equals
	// expectedVersion. expectedVersion 0 creates the record.
	CompareAndSwapControlState(ctx context.Context, next ControlState, expectedVersion int64) (bool, error)
}

type SendEventStore interface {
	// UpsertSendEvent is idempotent on (tenant, provider event id, event type).
	UpsertSendEvent(ctx context.Context, event SendEvent) (bool, error)
	ListSendEvents(ctx context.Context, tenantID string, messageID string) ([]SendEvent, error)
}

type WebhookEventStore interface {
	// UpsertWebhookEvent keeps the first write. duplicate is true when the row
	// already existed.
	UpsertWebhookEvent(ctx context.Context, event WebhookEvent) (stored WebhookEvent, duplicate bool, err error)
	GetWebhookEvent(ctx context.Context, providerEventID string) (WebhookEvent, error)
	ResolveWebhookEvent(ctx context.Context, providerEventID string, tenantID string, messageID string) error
	DeferWebhookEvent(ctx context.Context, providerEventID string, attempts int, nextRetryAt time.Time, lastError string) error
	FailWebhookEvent(ctx context.Context, providerEventID string, attempts int, lastError string) error
	ListDueWebhookEvents(ctx context.Context, now time.Time, limit int) ([]WebhookEvent, error)
}

type AlertStore interface {
	RecordAlert(ctx context.Context, alert Alert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
}

// ProviderClient is the delivery provider boundary. Send must return a
// *TransientProviderError for 5xx and transport failures.
type ProviderClient interface {
	Send(ctx context.Context, tenantID string, messageID string) (ProviderSendResult, error)
	LookupByProviderMessageID(ctx context.Context, providerMessageID string) (tenantID string, found bool, err error)
}

type SendEnqueuer interface {
	EnqueueSend(ctx context.Context, tenantID string, messageID string) error
}

type ReconcileEnqueuer interface {
	EnqueueReconcile(ctx context.Context, providerEventID string, notBefore time.Time) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// CounterSnapshotter is implemented by recorders that can report totals back
// to the operator read surface.
type CounterSnapshotter interface {
	CounterSnapshot() map[string]int64
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// OperatorReader backs the read-only operator surface.
type OperatorReader interface {
	ListRecentMessages(ctx context.Context, tenantID string, limit int) ([]Message, error)
	ListRecentWebhookEvents(ctx context.Context, limit int) ([]WebhookEvent, error)
	SendRollup(ctx context.Context, tenantID string, since time.Time) (SendRollup, error)
	ListSentWithoutProviderID(ctx context.Context, limit int) ([]Message, error)
}

type SendRollup struct {
	TenantID        string
	Since           time.Time
	Total           int
	ByStatus        map[MessageStatus]int
	ByDeliveryState map[DeliveryState]int
}
