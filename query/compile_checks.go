package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-outbound/core"
)

var (
	_ gocmd.Querier[RecentSendsMessage, []core.Message]               = (*RecentSendsQuery)(nil)
	_ gocmd.Querier[RecentWebhookEventsMessage, []core.WebhookEvent]  = (*RecentWebhookEventsQuery)(nil)
	_ gocmd.Querier[SendRollupsMessage, SendRollups]                  = (*SendRollupsQuery)(nil)
	_ gocmd.Querier[InvariantBreachesMessage, []core.InvariantBreach] = (*InvariantBreachesQuery)(nil)
	_ gocmd.Querier[CountersMessage, map[string]int64]                = (*CountersQuery)(nil)
	_ gocmd.Querier[TenantControlMessage, TenantControl]              = (*TenantControlQuery)(nil)
)
