package gocommand

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-outbound/command"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/query"
)

// OperatorDeps backs the operator command and query surface.
type OperatorDeps struct {
	Controls      command.ControlService
	Reader        core.OperatorReader
	Alerts        query.AlertReader
	ControlStates query.ControlReader
	Counters      core.CounterSnapshotter
}

type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, subscription := range s {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

// RegisterOperator registers and subscribes every operator command and
// query. On error, subscriptions made so far are released.
func RegisterOperator(adapter *RegistryAdapter, deps OperatorDeps) (subs Subscriptions, err error) {
	if deps.Controls == nil || deps.Reader == nil || deps.ControlStates == nil || deps.Counters == nil {
		return nil, fmt.Errorf("gocommand: operator dependencies are incomplete")
	}
	defer func() {
		if err != nil {
			subs.Unsubscribe()
			subs = nil
		}
	}()
	add := func(subscription commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		subs = append(subs, subscription)
		return nil
	}

	if err = add(RegisterAndSubscribe(adapter, command.NewAcknowledgeResumeCommand(deps.Controls))); err != nil {
		return subs, err
	}
	if err = add(RegisterAndSubscribe(adapter, command.NewResumeCommand(deps.Controls))); err != nil {
		return subs, err
	}
	if err = add(RegisterAndSubscribe(adapter, command.NewPauseCommand(deps.Controls))); err != nil {
		return subs, err
	}
	if err = add(RegisterAndSubscribeQuery(adapter, query.NewRecentSendsQuery(deps.Reader))); err != nil {
		return subs, err
	}
	if err = add(RegisterAndSubscribeQuery(adapter, query.NewRecentWebhookEventsQuery(deps.Reader))); err != nil {
		return subs, err
	}
	if err = add(RegisterAndSubscribeQuery(adapter, query.NewSendRollupsQuery(deps.Reader))); err != nil {
		return subs, err
	}
	if err = add(RegisterAndSubscribeQuery(adapter, query.NewInvariantBreachesQuery(deps.Reader, deps.Alerts))); err != nil {
		return subs, err
	}
	if err = add(RegisterAndSubscribeQuery(adapter, query.NewCountersQuery(deps.Counters))); err != nil {
		return subs, err
	}
	if err = add(RegisterAndSubscribeQuery(adapter, query.NewTenantControlQuery(deps.ControlStates))); err != nil {
		return subs, err
	}
	return subs, nil
}
