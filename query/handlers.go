package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

type AlertReader interface {
	ListAlerts(ctx context.Context, filter core.AlertFilter) ([]core.Alert, error)
}

type ControlReader interface {
	GetControlState(ctx context.Context, tenantID string) (core.ControlState, bool, error)
}

type RecentSendsQuery struct {
	reader core.OperatorReader
}

func NewRecentSendsQuery(reader core.OperatorReader) *RecentSendsQuery {
	return &RecentSendsQuery{reader: reader}
}

func (q *RecentSendsQuery) Query(ctx context.Context, msg RecentSendsMessage) ([]core.Message, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: operator reader is required")
	}
	return q.reader.ListRecentMessages(ctx, strings.TrimSpace(msg.TenantID), effectiveLimit(msg.Limit))
}

type RecentWebhookEventsQuery struct {
	reader core.OperatorReader
}

func NewRecentWebhookEventsQuery(reader core.OperatorReader) *RecentWebhookEventsQuery {
	return &RecentWebhookEventsQuery{reader: reader}
}

func (q *RecentWebhookEventsQuery) Query(ctx context.Context, msg RecentWebhookEventsMessage) ([]core.WebhookEvent, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: operator reader is required")
	}
	return q.reader.ListRecentWebhookEvents(ctx, effectiveLimit(msg.Limit))
}

// SendRollups reports the last hour and the last day.
type SendRollups struct {
	LastHour core.SendRollup
	LastDay  core.SendRollup
}

type SendRollupsQuery struct {
	reader core.OperatorReader
	now    func() time.Time
}

func NewSendRollupsQuery(reader core.OperatorReader) *SendRollupsQuery {
	return &SendRollupsQuery{reader: reader, now: func() time.Time { return time.Now().UTC() }}
}

func (q *SendRollupsQuery) Query(ctx context.Context, msg SendRollupsMessage) (SendRollups, error) {
	if q == nil || q.reader == nil {
		return SendRollups{}, queryDependencyError("query: operator reader is required")
	}
	now := q.now()
	tenantID := strings.TrimSpace(msg.TenantID)
	hour, err := q.reader.SendRollup(ctx, tenantID, now.Add(-time.Hour))
	if err != nil {
		return SendRollups{}, err
	}
	day, err := q.reader.SendRollup(ctx, tenantID, now.Add(-24*time.Hour))
	if err != nil {
		return SendRollups{}, err
	}
	return SendRollups{LastHour: hour, LastDay: day}, nil
}

var breachAlertKinds = []core.AlertKind{
	core.AlertKindInvariantBreach,
	core.AlertKindStaleClaimFailed,
	core.AlertKindReconcileExhausted,
}

// InvariantBreachesQuery lists detected breaches and alerts needing manual
// follow-up, each with its read-only diagnostic query and checklist, most
// severe first.
type InvariantBreachesQuery struct {
	reader core.OperatorReader
	alerts AlertReader
	now    func() time.Time
}

func NewInvariantBreachesQuery(reader core.OperatorReader, alerts AlertReader) *InvariantBreachesQuery {
	return &InvariantBreachesQuery{reader: reader, alerts: alerts, now: func() time.Time { return time.Now().UTC() }}
}

func (q *InvariantBreachesQuery) Query(ctx context.Context, msg InvariantBreachesMessage) ([]core.InvariantBreach, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: operator reader is required")
	}
	limit := effectiveLimit(msg.Limit)
	seen := map[string]bool{}
	breaches := make([]core.InvariantBreach, 0)

	rows, err := q.reader.ListSentWithoutProviderID(ctx, limit)
	if err != nil {
		return nil, err
	}
	definition, _ := core.LookupBreach(core.BreachSentWithoutProviderID)
	for _, row := range rows {
		seen[breachKey(core.BreachSentWithoutProviderID, row.TenantID, row.MessageID)] = true
		breaches = append(breaches, core.InvariantBreach{
			BreachDefinition: definition,
			TenantID:         row.TenantID,
			MessageID:        row.MessageID,
			DetectedAt:       row.UpdatedAt,
			Detail:           fmt.Sprintf("status %s, send attempt %d", row.Status, row.SendAttempt),
		})
	}

	if q.alerts != nil {
		alerts, err := q.alerts.ListAlerts(ctx, core.AlertFilter{Kinds: breachAlertKinds, Limit: limit})
		if err != nil {
			return nil, err
		}
		for _, alert := range alerts {
			kind := string(alert.Kind)
			if alert.Kind == core.AlertKindInvariantBreach {
				kind = core.BreachSentWithoutProviderID
			}
			key := breachKey(kind, alert.TenantID, alert.MessageID)
			if seen[key] {
				continue
			}
			definition, ok := core.LookupBreach(kind)
			if !ok {
				continue
			}
			seen[key] = true
			providerEventID, _ := alert.Metadata["provider_event_id"].(string)
			breaches = append(breaches, core.InvariantBreach{
				BreachDefinition: definition,
				TenantID:         alert.TenantID,
				MessageID:        alert.MessageID,
				ProviderEventID:  providerEventID,
				DetectedAt:       alert.CreatedAt,
				Detail:           alert.Detail,
			})
		}
	}

	core.RankBreaches(breaches)
	if len(breaches) > limit {
		breaches = breaches[:limit]
	}
	return breaches, nil
}

func breachKey(kind, tenantID, messageID string) string {
	return kind + "|" + tenantID + "|" + messageID
}

type CountersQuery struct {
	counters core.CounterSnapshotter
}

func NewCountersQuery(counters core.CounterSnapshotter) *CountersQuery {
	return &CountersQuery{counters: counters}
}

// Query returns process-local totals for the named operator counters. Every
// named counter is present, zero when never incremented.
func (q *CountersQuery) Query(_ context.Context, _ CountersMessage) (map[string]int64, error) {
	if q == nil || q.counters == nil {
		return nil, queryDependencyError("query: counter snapshotter is required")
	}
	snapshot := q.counters.CounterSnapshot()
	out := make(map[string]int64, len(OperatorCounters)+len(snapshot))
	for _, name := range OperatorCounters {
		out[name] = 0
	}
	for name, value := range snapshot {
		out[name] = value
	}
	return out, nil
}

var OperatorCounters = []string{
	core.MetricAuthFail,
	core.MetricIPDenied,
	core.MetricRateLimited,
	core.MetricSignatureInvalid,
	core.MetricWebhookDuplicate,
	core.MetricWebhookAccepted,
	core.MetricWebhookDeferred,
	core.MetricClaimSuccess,
	core.MetricClaimZero,
	core.MetricAlreadySent,
	core.MetricInvariantBreach,
	core.MetricTenantPaused,
	core.MetricStaleRecovered,
	core.MetricStaleFailed,
	core.MetricReconcileResolved,
	core.MetricReconcileFailed,
}

type TenantControl struct {
	Control core.ControlState
	Found   bool
	Paused  bool
}

type TenantControlQuery struct {
	controls ControlReader
	now      func() time.Time
}

func NewTenantControlQuery(controls ControlReader) *TenantControlQuery {
	return &TenantControlQuery{controls: controls, now: func() time.Time { return time.Now().UTC() }}
}

func (q *TenantControlQuery) Query(ctx context.Context, msg TenantControlMessage) (TenantControl, error) {
	if q == nil || q.controls == nil {
		return TenantControl{}, queryDependencyError("query: control reader is required")
	}
	tenantID := strings.TrimSpace(msg.TenantID)
	state, found, err := q.controls.GetControlState(ctx, tenantID)
	if err != nil {
		return TenantControl{}, err
	}
	if !found {
		state = core.ControlState{TenantID: tenantID}
	}
	return TenantControl{Control: state, Found: found, Paused: state.PausedAt(q.now())}, nil
}
