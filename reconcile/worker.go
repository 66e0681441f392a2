// Package reconcile retries provider callbacks that arrived before the
// message they describe could be matched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/webhooks"
)

const (
	DefaultMaxAttempts  = 8
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 100
)

type Stats struct {
	Scanned    int
	Resolved   int
	Unresolved int
	Failed     int
}

// Worker reconciles PENDING webhook events. Queue jobs call Reconcile for a
// single event; Run polls for due events the queue may have dropped.
type Worker struct {
	WebhookEvents core.WebhookEventStore
	Provider      core.ProviderClient
	Applier       *webhooks.LedgerApplier
	Alerts        core.AlertStore
	Enqueuer      core.ReconcileEnqueuer
	MaxAttempts   int
	Retry         webhooks.RetryPolicy
	PollInterval  time.Duration
	BatchSize     int
	Now           func() time.Time
	Observer      *core.Observer
}

func NewWorker(
	webhookEvents core.WebhookEventStore,
	provider core.ProviderClient,
	applier *webhooks.LedgerApplier,
	alerts core.AlertStore,
	cfg core.ReconcileConfig,
) *Worker {
	return &Worker{
		WebhookEvents: webhookEvents,
		Provider:      provider,
		Applier:       applier,
		Alerts:        alerts,
		MaxAttempts:   cfg.MaxAttempts,
		Retry:         webhooks.ExponentialRetryPolicy{Initial: cfg.InitialDelay, Max: cfg.MaxDelay},
		PollInterval:  DefaultPollInterval,
		BatchSize:     DefaultBatchSize,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile makes one attempt to link providerEventID to its message. Events
// that are no longer PENDING are left alone.
func (w *Worker) Reconcile(ctx context.Context, providerEventID string) (result webhooks.ApplyResult, err error) {
	if w == nil || w.WebhookEvents == nil || w.Applier == nil {
		return "", fmt.Errorf("reconcile: worker is not configured")
	}
	providerEventID = strings.TrimSpace(providerEventID)
	startedAt := time.Now()
	defer func() {
		w.Observer.Observe(ctx, startedAt, "reconcile.event", err, map[string]any{
			"provider_event_id": providerEventID,
			"outcome":           string(result),
		})
	}()

	event, err := w.WebhookEvents.GetWebhookEvent(ctx, providerEventID)
	if err != nil {
		return "", err
	}
	switch event.ReconcileStatus {
	case core.ReconcileStatusResolved:
		return webhooks.ApplyResolved, nil
	case core.ReconcileStatusFailed:
		return webhooks.ApplyFailed, nil
	}

	// A tenant hint from the payload is tried first. When it does not match,
	// the provider lookup decides the owner.
	hinted := strings.TrimSpace(event.TenantID) != ""
	var lookupErr error
	if !hinted {
		lookupErr = w.lookupTenant(ctx, &event)
	}

	result, err = w.Applier.Apply(ctx, event)
	if err != nil {
		return "", err
	}
	if result == webhooks.ApplyUnresolved && hinted {
		hint := event.TenantID
		lookupErr = w.lookupTenant(ctx, &event)
		if lookupErr == nil && event.TenantID != hint {
			w.Observer.Warn(ctx, "webhook tenant hint did not match provider lookup", map[string]any{
				"provider_event_id": event.ProviderEventID,
				"tenant_hint":       hint,
				"tenant_id":         event.TenantID,
			})
			result, err = w.Applier.Apply(ctx, event)
			if err != nil {
				return "", err
			}
		}
	}
	switch result {
	case webhooks.ApplyResolved:
		w.Observer.Count(ctx, core.MetricReconcileResolved, map[string]string{"tenant_id": event.TenantID})
		return result, nil
	case webhooks.ApplyFailed:
		return result, nil
	}

	reason := "message not found"
	if lookupErr != nil {
		reason = "provider lookup failed: " + lookupErr.Error()
	}
	return w.retryOrExhaust(ctx, event, reason)
}

// lookupTenant asks the provider who owns the event's message and stores the
// answer on event. A not-found answer leaves event unchanged.
func (w *Worker) lookupTenant(ctx context.Context, event *core.WebhookEvent) error {
	if w.Provider == nil || strings.TrimSpace(event.ProviderMessageID) == "" {
		return nil
	}
	tenantID, found, err := w.Provider.LookupByProviderMessageID(ctx, event.ProviderMessageID)
	if err != nil {
		return err
	}
	if found && strings.TrimSpace(tenantID) != "" {
		event.TenantID = strings.TrimSpace(tenantID)
	}
	return nil
}

func (w *Worker) retryOrExhaust(ctx context.Context, event core.WebhookEvent, reason string) (webhooks.ApplyResult, error) {
	attempts := event.ReconcileAttempts + 1
	if attempts >= w.maxAttempts() {
		if err := w.WebhookEvents.FailWebhookEvent(ctx, event.ProviderEventID, attempts, reason); err != nil {
			return "", err
		}
		w.Observer.Count(ctx, core.MetricReconcileFailed, nil)
		if w.Alerts != nil {
			if err := w.Alerts.RecordAlert(ctx, core.Alert{
				Kind:     core.AlertKindReconcileExhausted,
				Severity: core.AlertSeverityWarning,
				TenantID: event.TenantID,
				Detail:   fmt.Sprintf("webhook event %s unmatched after %d attempts", event.ProviderEventID, attempts),
				Metadata: map[string]any{
					"provider_event_id":   event.ProviderEventID,
					"provider_message_id": event.ProviderMessageID,
					"event_type":          event.EventType,
					"last_error":          reason,
				},
			}); err != nil {
				w.Observer.Error(ctx, "record reconcile alert failed", map[string]any{"error": err.Error()})
			}
		}
		return webhooks.ApplyFailed, nil
	}

	nextRetryAt := w.now().Add(w.retry().NextDelay(attempts))
	if err := w.WebhookEvents.DeferWebhookEvent(ctx, event.ProviderEventID, attempts, nextRetryAt, reason); err != nil {
		return "", err
	}
	if w.Enqueuer != nil {
		if err := w.Enqueuer.EnqueueReconcile(ctx, event.ProviderEventID, nextRetryAt); err != nil {
			w.Observer.Warn(ctx, "enqueue reconcile retry failed, poller will retry", map[string]any{
				"provider_event_id": event.ProviderEventID,
				"error":             err.Error(),
			})
		}
	}
	return webhooks.ApplyUnresolved, nil
}

// RunDue reconciles up to limit PENDING events whose retry time has passed.
func (w *Worker) RunDue(ctx context.Context, limit int) (Stats, error) {
	if w == nil || w.WebhookEvents == nil {
		return Stats{}, fmt.Errorf("reconcile: worker is not configured")
	}
	if limit <= 0 {
		limit = w.batchSize()
	}
	due, err := w.WebhookEvents.ListDueWebhookEvents(ctx, w.now(), limit)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Scanned: len(due)}
	var errs []error
	for _, event := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		result, err := w.Reconcile(ctx, event.ProviderEventID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile %s: %w", event.ProviderEventID, err))
			continue
		}
		switch result {
		case webhooks.ApplyResolved:
			stats.Resolved++
		case webhooks.ApplyUnresolved:
			stats.Unresolved++
		case webhooks.ApplyFailed:
			stats.Failed++
		}
	}
	return stats, errors.Join(errs...)
}

// Run polls RunDue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return nil
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := w.RunDue(ctx, w.batchSize())
			if err != nil {
				w.Observer.Error(ctx, "reconcile poll failed", map[string]any{"error": err.Error()})
			}
			if stats.Scanned > 0 {
				w.Observer.Debug(ctx, "reconcile poll", map[string]any{
					"scanned":    stats.Scanned,
					"resolved":   stats.Resolved,
					"unresolved": stats.Unresolved,
					"failed":     stats.Failed,
				})
			}
		}
	}
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (w *Worker) retry() webhooks.RetryPolicy {
	if w.Retry != nil {
		return w.Retry
	}
	return webhooks.ExponentialRetryPolicy{}
}

func (w *Worker) batchSize() int {
	if w.BatchSize > 0 {
		return w.BatchSize
	}
	return DefaultBatchSize
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}
