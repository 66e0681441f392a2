package outbound

import (
	"fmt"

	"github.com/goliatone/go-outbound/command"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/query"
)

type Commands struct {
	AcknowledgeResume *command.AcknowledgeResumeCommand
	Resume            *command.ResumeCommand
	Pause             *command.PauseCommand
}

type Queries struct {
	RecentSends         *query.RecentSendsQuery
	RecentWebhookEvents *query.RecentWebhookEventsQuery
	SendRollups         *query.SendRollupsQuery
	InvariantBreaches   *query.InvariantBreachesQuery
	Counters            *query.CountersQuery
	TenantControl       *query.TenantControlQuery
}

// Facade groups the operator handlers for hosts that call them directly
// instead of through the command bus.
type Facade struct {
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	alerts   query.AlertReader
	controls query.ControlReader
	counters core.CounterSnapshotter
}

func WithAlertReader(reader query.AlertReader) FacadeOption {
	return func(options *facadeOptions) {
		options.alerts = reader
	}
}

// WithControlReader overrides the control-state reader. It defaults to the
// control service when that also reads control state.
func WithControlReader(reader query.ControlReader) FacadeOption {
	return func(options *facadeOptions) {
		options.controls = reader
	}
}

func WithCounterSnapshotter(counters core.CounterSnapshotter) FacadeOption {
	return func(options *facadeOptions) {
		options.counters = counters
	}
}

func NewFacade(controls command.ControlService, reader core.OperatorReader, opts ...FacadeOption) (*Facade, error) {
	if controls == nil {
		return nil, fmt.Errorf("outbound: control service is required")
	}
	if reader == nil {
		return nil, fmt.Errorf("outbound: operator reader is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.controls == nil {
		if controlReader, ok := controls.(query.ControlReader); ok {
			cfg.controls = controlReader
		}
	}
	if cfg.counters == nil {
		cfg.counters = core.NewMemoryMetricsRecorder()
	}

	return &Facade{
		commands: Commands{
			AcknowledgeResume: command.NewAcknowledgeResumeCommand(controls),
			Resume:            command.NewResumeCommand(controls),
			Pause:             command.NewPauseCommand(controls),
		},
		queries: Queries{
			RecentSends:         query.NewRecentSendsQuery(reader),
			RecentWebhookEvents: query.NewRecentWebhookEventsQuery(reader),
			SendRollups:         query.NewSendRollupsQuery(reader),
			InvariantBreaches:   query.NewInvariantBreachesQuery(reader, cfg.alerts),
			Counters:            query.NewCountersQuery(cfg.counters),
			TenantControl:       query.NewTenantControlQuery(cfg.controls),
		},
	}, nil
}

// Facade returns the operator handlers bound to this engine's stores.
func (e *Engine) Facade() (*Facade, error) {
	if e == nil {
		return nil, fmt.Errorf("outbound: engine is not configured")
	}
	deps := e.operatorDeps()
	return NewFacade(deps.Controls, deps.Reader,
		WithAlertReader(deps.Alerts),
		WithControlReader(deps.ControlStates),
		WithCounterSnapshotter(deps.Counters),
	)
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}
