package query

import (
	"context"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-outbound/core"
)

type stubOperatorReader struct {
	messages   []core.Message
	webhooks   []core.WebhookEvent
	breached   []core.Message
	rollupFrom []time.Time
	lastLimit  int
	lastTenant string
}

func (s *stubOperatorReader) ListRecentMessages(_ context.Context, tenantID string, limit int) ([]core.Message, error) {
	s.lastTenant, s.lastLimit = tenantID, limit
	return s.messages, nil
}

func (s *stubOperatorReader) ListRecentWebhookEvents(_ context.Context, limit int) ([]core.WebhookEvent, error) {
	s.lastLimit = limit
	return s.webhooks, nil
}

func (s *stubOperatorReader) SendRollup(_ context.Context, tenantID string, since time.Time) (core.SendRollup, error) {
	s.rollupFrom = append(s.rollupFrom, since)
	return core.SendRollup{TenantID: tenantID, Since: since}, nil
}

func (s *stubOperatorReader) ListSentWithoutProviderID(context.Context, int) ([]core.Message, error) {
	return s.breached, nil
}

type stubAlerts struct {
	alerts []core.Alert
	filter core.AlertFilter
}

func (s *stubAlerts) ListAlerts(_ context.Context, filter core.AlertFilter) ([]core.Alert, error) {
	s.filter = filter
	return s.alerts, nil
}

type stubControls struct {
	state core.ControlState
	found bool
}

func (s stubControls) GetControlState(context.Context, string) (core.ControlState, bool, error) {
	return s.state, s.found, nil
}

func TestRecentSendsDefaultsLimit(t *testing.T) {
	reader := &stubOperatorReader{messages: []core.Message{{TenantID: "tenant-a", MessageID: "m-1"}}}
	out, err := NewRecentSendsQuery(reader).Query(context.Background(), RecentSendsMessage{TenantID: " tenant-a "})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 1 || reader.lastLimit != DefaultLimit || reader.lastTenant != "tenant-a" {
		t.Fatalf("unexpected delegation: out=%v limit=%d tenant=%q", out, reader.lastLimit, reader.lastTenant)
	}
	if err := (RecentSendsMessage{Limit: MaxLimit + 1}).Validate(); err == nil {
		t.Fatalf("expected limit validation error")
	}
}

func TestSendRollupsCoverHourAndDay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &stubOperatorReader{}
	qry := NewSendRollupsQuery(reader)
	qry.now = func() time.Time { return now }

	out, err := qry.Query(context.Background(), SendRollupsMessage{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !out.LastHour.Since.Equal(now.Add(-time.Hour)) || !out.LastDay.Since.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("unexpected windows %v %v", out.LastHour.Since, out.LastDay.Since)
	}
}

func TestInvariantBreachesRankedWithDiagnostics(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := &stubOperatorReader{breached: []core.Message{{
		TenantID:      "tenant-a",
		MessageID:     "m-1",
		Status:        core.MessageStatusSent,
		DeliveryState: core.DeliveryStateSent,
		UpdatedAt:     now.Add(-time.Hour),
	}}}
	alerts := &stubAlerts{alerts: []core.Alert{
		{Kind: core.AlertKindReconcileExhausted, Severity: core.AlertSeverityWarning, Metadata: map[string]any{"provider_event_id": "evt-9"}, CreatedAt: now},
		{Kind: core.AlertKindStaleClaimFailed, Severity: core.AlertSeverityHigh, TenantID: "tenant-b", MessageID: "m-2", CreatedAt: now},
		// Same breach as the row above; reported once.
		{Kind: core.AlertKindInvariantBreach, Severity: core.AlertSeverityCritical, TenantID: "tenant-a", MessageID: "m-1", CreatedAt: now},
	}}

	out, err := NewInvariantBreachesQuery(reader, alerts).Query(context.Background(), InvariantBreachesMessage{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 breaches, got %d: %#v", len(out), out)
	}
	if out[0].Kind != core.BreachSentWithoutProviderID || out[1].Kind != string(core.AlertKindStaleClaimFailed) || out[2].Kind != string(core.AlertKindReconcileExhausted) {
		t.Fatalf("unexpected ranking: %s, %s, %s", out[0].Kind, out[1].Kind, out[2].Kind)
	}
	if out[0].DiagnosticQuery == "" || len(out[0].Checklist) == 0 {
		t.Fatalf("expected diagnostic query and checklist")
	}
	if out[2].ProviderEventID != "evt-9" {
		t.Fatalf("expected provider event id carried, got %q", out[2].ProviderEventID)
	}
	if len(alerts.filter.Kinds) != 3 {
		t.Fatalf("expected breach alert kinds filter, got %v", alerts.filter.Kinds)
	}
}

func TestCountersIncludeEveryNamedCounter(t *testing.T) {
	metrics := core.NewMemoryMetricsRecorder()
	metrics.IncCounter(context.Background(), core.MetricAuthFail, 2, nil)

	out, err := NewCountersQuery(metrics).Query(context.Background(), CountersMessage{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out[core.MetricAuthFail] != 2 {
		t.Fatalf("expected auth_fail 2, got %d", out[core.MetricAuthFail])
	}
	if value, ok := out[core.MetricClaimZero]; !ok || value != 0 {
		t.Fatalf("expected claim_zero present at 0")
	}
}

func TestTenantControlReportsPause(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(10 * time.Minute)
	qry := NewTenantControlQuery(stubControls{found: true, state: core.ControlState{TenantID: "tenant-a", PausedUntil: &until}})
	qry.now = func() time.Time { return now }

	out, err := qry.Query(context.Background(), TenantControlMessage{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !out.Found || !out.Paused {
		t.Fatalf("expected paused tenant, got %#v", out)
	}

	missing, err := NewTenantControlQuery(stubControls{}).Query(context.Background(), TenantControlMessage{TenantID: "tenant-z"})
	if err != nil {
		t.Fatalf("query missing: %v", err)
	}
	if missing.Found || missing.Paused || missing.Control.TenantID != "tenant-z" {
		t.Fatalf("unexpected missing tenant result %#v", missing)
	}
}

func TestQueryDependencyAndValidationErrors(t *testing.T) {
	var qry *RecentWebhookEventsQuery
	_, err := qry.Query(context.Background(), RecentWebhookEventsMessage{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorInternal {
		t.Fatalf("expected dependency error, got %v", err)
	}
	err = (TenantControlMessage{}).Validate()
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
