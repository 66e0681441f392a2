package query

import "strings"

const (
	TypeRecentSends         = "outbound.query.sends.recent"
	TypeRecentWebhookEvents = "outbound.query.webhooks.recent"
	TypeSendRollups         = "outbound.query.sends.rollups"
	TypeInvariantBreaches   = "outbound.query.breaches"
	TypeCounters            = "outbound.query.counters"
	TypeTenantControl       = "outbound.query.tenant_control"

	DefaultLimit = 50
	MaxLimit     = 500
)

type RecentSendsMessage struct {
	// TenantID is optional; empty lists across tenants.
	TenantID string
	Limit    int
}

func (RecentSendsMessage) Type() string { return TypeRecentSends }

func (m RecentSendsMessage) Validate() error {
	return validateLimit(m.Limit)
}

type RecentWebhookEventsMessage struct {
	Limit int
}

func (RecentWebhookEventsMessage) Type() string { return TypeRecentWebhookEvents }

func (m RecentWebhookEventsMessage) Validate() error {
	return validateLimit(m.Limit)
}

type SendRollupsMessage struct {
	TenantID string
}

func (SendRollupsMessage) Type() string { return TypeSendRollups }

func (SendRollupsMessage) Validate() error { return nil }

type InvariantBreachesMessage struct {
	Limit int
}

func (InvariantBreachesMessage) Type() string { return TypeInvariantBreaches }

func (m InvariantBreachesMessage) Validate() error {
	return validateLimit(m.Limit)
}

type CountersMessage struct{}

func (CountersMessage) Type() string { return TypeCounters }

type TenantControlMessage struct {
	TenantID string
}

func (TenantControlMessage) Type() string { return TypeTenantControl }

func (m TenantControlMessage) Validate() error {
	if strings.TrimSpace(m.TenantID) == "" {
		return queryValidationError("tenant_id", "tenant id is required")
	}
	return nil
}

func validateLimit(limit int) error {
	if limit < 0 || limit > MaxLimit {
		return queryValidationError("limit", "limit must be between 0 and 500")
	}
	return nil
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
