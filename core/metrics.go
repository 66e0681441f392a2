package core

import (
	"context"
	"sync"
)

// Counter names surfaced on the operator read interface.
const (
	MetricAuthFail          = "outbound.webhook.auth_fail"
	MetricIPDenied          = "outbound.webhook.ip_denied"
	MetricRateLimited       = "outbound.webhook.rate_limited"
	MetricSignatureInvalid  = "outbound.webhook.signature_invalid"
	MetricWebhookDuplicate  = "outbound.webhook.duplicate"
	MetricWebhookAccepted   = "outbound.webhook.accepted"
	MetricWebhookDeferred   = "outbound.webhook.deferred"
	MetricClaimSuccess      = "outbound.dispatch.claim_success"
	MetricClaimZero         = "outbound.dispatch.claim_zero"
	MetricAlreadySent       = "outbound.dispatch.already_sent"
	MetricInvariantBreach   = "outbound.dispatch.invariant_breach"
	MetricTenantPaused      = "outbound.policy.pause"
	MetricStaleRecovered    = "outbound.sweeper.recovered"
	MetricStaleFailed       = "outbound.sweeper.failed"
	MetricIdleReenqueued    = "outbound.sweeper.idle_reenqueued"
	MetricReconcileResolved = "outbound.reconcile.resolved"
	MetricReconcileFailed   = "outbound.reconcile.exhausted"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// MemoryMetricsRecorder keeps process-local counter totals by name, ignoring
// tags. It backs the operator counters view.
type MemoryMetricsRecorder struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemoryMetricsRecorder() *MemoryMetricsRecorder {
	return &MemoryMetricsRecorder{counters: map[string]int64{}}
}

func (r *MemoryMetricsRecorder) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = map[string]int64{}
	}
	r.counters[name] += value
}

func (r *MemoryMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {
}

func (r *MemoryMetricsRecorder) CounterSnapshot() map[string]int64 {
	if r == nil {
		return map[string]int64{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for key, value := range r.counters {
		out[key] = value
	}
	return out
}

// MultiMetricsRecorder fans out to every recorder.
type MultiMetricsRecorder []MetricsRecorder

func (m MultiMetricsRecorder) IncCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	for _, recorder := range m {
		if recorder != nil {
			recorder.IncCounter(ctx, name, value, cloneTags(tags))
		}
	}
}

func (m MultiMetricsRecorder) ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	for _, recorder := range m {
		if recorder != nil {
			recorder.ObserveHistogram(ctx, name, value, cloneTags(tags))
		}
	}
}

// CounterSnapshot returns the first snapshot-capable recorder's totals.
func (m MultiMetricsRecorder) CounterSnapshot() map[string]int64 {
	for _, recorder := range m {
		if snapshotter, ok := recorder.(CounterSnapshotter); ok {
			return snapshotter.CounterSnapshot()
		}
	}
	return map[string]int64{}
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var (
	_ MetricsRecorder    = NopMetricsRecorder{}
	_ MetricsRecorder    = (*MemoryMetricsRecorder)(nil)
	_ CounterSnapshotter = (*MemoryMetricsRecorder)(nil)
	_ MetricsRecorder    = MultiMetricsRecorder(nil)
)
