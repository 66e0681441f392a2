package core

import (
	"sort"
	"time"
)

const BreachSentWithoutProviderID = "sent_without_provider_id"

// BreachDefinition describes how an operator investigates a breach. The
// diagnostic query is read-only and the checklist never includes a
// destructive step.
type BreachDefinition struct {
	Kind            string
	Severity        AlertSeverity
	Description     string
	DiagnosticQuery string
	Checklist       []string
}

var breachCatalog = map[string]BreachDefinition{
	BreachSentWithoutProviderID: {
		Kind:        BreachSentWithoutProviderID,
		Severity:    AlertSeverityCritical,
		Description: "message has delivery_state SENT but no provider_message_id",
		DiagnosticQuery: "SELECT tenant_id, message_id, status, delivery_state, provider_message_id, " +
			"send_attempt, claimed_at, claimed_by, sent_at, updated_at " +
			"FROM outbound_messages WHERE tenant_id = :tenant_id AND message_id = :message_id",
		Checklist: []string{
			"Confirm the row with the diagnostic query; do not modify it.",
			"Search provider activity for the recipient and send window to learn whether a send happened.",
			"Inspect outbound_send_events and outbound_webhook_events for the message.",
			"Escalate to engineering review with the findings before any data change.",
		},
	},
	string(AlertKindStaleClaimFailed): {
		Kind:        string(AlertKindStaleClaimFailed),
		Severity:    AlertSeverityHigh,
		Description: "stale send claim moved to FAILED and needs manual follow-up",
		DiagnosticQuery: "SELECT tenant_id, message_id, status, send_attempt, claimed_at, claimed_by, last_error " +
			"FROM outbound_messages WHERE tenant_id = :tenant_id AND message_id = :message_id",
		Checklist: []string{
			"Check whether the tenant is paused and why.",
			"Check provider activity to learn whether the abandoned attempt reached the provider.",
			"Requeue only after confirming no provider send exists for the dedupe key.",
		},
	},
	string(AlertKindReconcileExhausted): {
		Kind:        string(AlertKindReconcileExhausted),
		Severity:    AlertSeverityWarning,
		Description: "provider callback could not be matched to a message",
		DiagnosticQuery: "SELECT provider_event_id, provider_message_id, event_type, reconcile_attempts, last_error, received_at " +
			"FROM outbound_webhook_events WHERE provider_event_id = :provider_event_id",
		Checklist: []string{
			"Verify the provider message id belongs to this deployment.",
			"Look up the message id with the provider to find the owning tenant.",
		},
	},
}

func LookupBreach(kind string) (BreachDefinition, bool) {
	definition, ok := breachCatalog[kind]
	if !ok {
		return BreachDefinition{}, false
	}
	definition.Checklist = append([]string(nil), definition.Checklist...)
	return definition, true
}

type InvariantBreach struct {
	BreachDefinition
	TenantID        string
	MessageID       string
	ProviderEventID string
	DetectedAt      time.Time
	Detail          string
}

// RankBreaches orders by severity then most recent first.
func RankBreaches(breaches []InvariantBreach) {
	sort.SliceStable(breaches, func(i, j int) bool {
		left, right := breaches[i].Severity.Rank(), breaches[j].Severity.Rank()
		if left != right {
			return left > right
		}
		return breaches[i].DetectedAt.After(breaches[j].DetectedAt)
	})
}
