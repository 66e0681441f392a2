package outbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-outbound/adapters/gocommand"
	"github.com/goliatone/go-outbound/adapters/gojob"
	"github.com/goliatone/go-outbound/adapters/gologger"
	"github.com/goliatone/go-outbound/core"
	"github.com/goliatone/go-outbound/dispatch"
	"github.com/goliatone/go-outbound/policy"
	"github.com/goliatone/go-outbound/provider"
	"github.com/goliatone/go-outbound/reconcile"
	sqlstore "github.com/goliatone/go-outbound/store/sql"
	"github.com/goliatone/go-outbound/sweeper"
	"github.com/goliatone/go-outbound/webhooks"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Engine owns every component of the send path: policy, dispatch, sweeper,
// webhook ingestion, reconciliation and the queue transport between them.
type Engine struct {
	config     Config
	logger     core.Logger
	observer   *core.Observer
	counters   *core.MemoryMetricsRecorder
	stores     *sqlstore.Stores
	policy     *policy.Service
	processor  *dispatch.Processor
	sweeper    *sweeper.Sweeper
	applier    *webhooks.LedgerApplier
	ingestor   *webhooks.Ingestor
	reconciler *reconcile.Worker
	producer   *gojob.Producer
	consumer   *gojob.Consumer
	memory     *gojob.MemoryQueue
}

func New(cfg Config, opts ...Option) (*Engine, error) {
	builder := engineBuilder{runtimeConfig: cfg}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	finalConfig, err := core.ResolveConfig(context.Background(), builder.configProvider, builder.optionsResolver, builder.runtimeConfig)
	if err != nil {
		return nil, core.MapError(err)
	}
	if strings.TrimSpace(finalConfig.Dispatch.WorkerID) == "" {
		finalConfig.Dispatch.WorkerID = "worker-" + uuid.NewString()
	}

	stores, err := resolveStores(builder)
	if err != nil {
		return nil, core.MapError(err)
	}

	loggers := gologger.ForWorker(finalConfig.ServiceName, builder.loggerProvider, builder.logger)
	counters := core.NewMemoryMetricsRecorder()
	var metrics core.MetricsRecorder = counters
	if builder.metricsRecorder != nil {
		metrics = core.MultiMetricsRecorder{counters, builder.metricsRecorder}
	}
	observer := core.NewObserver(loggers.Name, loggers.Logger, metrics)

	engine := &Engine{
		config:   finalConfig,
		logger:   loggers.Logger,
		observer: observer,
		counters: counters,
		stores:   stores,
	}

	enqueuer, dequeuer := builder.enqueuer, builder.dequeuer
	if enqueuer == nil {
		engine.memory = gojob.NewMemoryQueue()
		enqueuer, dequeuer = engine.memory, engine.memory
	}
	engine.producer = gojob.NewProducer(enqueuer)

	client := builder.providerClient
	if client == nil {
		client = provider.NewClient(finalConfig.Provider, nil)
	}

	engine.policy = policy.NewService(stores.TenantPolicies, stores.Controls, stores.Alerts)
	engine.policy.Messages = stores.Messages
	engine.policy.Enqueuer = engine.producer
	engine.policy.Defaults = finalConfig.PolicyDefaults
	engine.policy.KillSwitch = finalConfig.KillSwitch
	engine.policy.Observer = observer

	engine.processor = dispatch.NewProcessor(stores.Messages, stores.SendEvents, stores.Alerts, engine.policy, client, finalConfig.Dispatch)
	engine.processor.Observer = observer

	engine.sweeper = sweeper.New(stores.Messages, engine.policy, stores.Alerts, finalConfig)
	engine.sweeper.Enqueuer = engine.producer
	engine.sweeper.Observer = observer

	engine.applier = webhooks.NewLedgerApplier(stores.Messages, stores.SendEvents, stores.WebhookEvents)
	engine.applier.Observer = observer

	engine.ingestor, err = webhooks.NewIngestor(finalConfig.Webhook, stores.WebhookEvents, engine.applier, stores.Counters)
	if err != nil {
		return nil, core.MapError(err)
	}
	if builder.signatureMode != "" {
		engine.ingestor.SignatureMode = builder.signatureMode
	}
	engine.ingestor.Reconcile = engine.producer
	engine.ingestor.Observer = observer

	engine.reconciler = reconcile.NewWorker(stores.WebhookEvents, client, engine.applier, stores.Alerts, finalConfig.Reconcile)
	engine.reconciler.Enqueuer = engine.producer
	engine.reconciler.Observer = observer

	if dequeuer != nil {
		engine.consumer = gojob.NewConsumer(dequeuer, engine.processor, engine.reconciler, gojob.DefaultRetryPolicy())
		engine.consumer.Logger = loggers.Job
		engine.consumer.Observer = observer
	}
	return engine, nil
}

func resolveStores(builder engineBuilder) (*sqlstore.Stores, error) {
	factory := builder.repositoryFactory
	if factory == nil {
		if builder.persistenceClient == nil {
			return nil, fmt.Errorf("outbound: persistence client or repository factory is required")
		}
		factory = sqlstore.NewRepositoryFactory()
	}
	if stores := factory.Stores(); stores != nil {
		return stores, nil
	}
	return factory.BuildStores(builder.persistenceClient)
}

// Submit persists a QUEUED message and enqueues its send intent. Submitting
// the same message twice leaves one row and one pending job; the second call
// returns the stored message.
func (e *Engine) Submit(ctx context.Context, msg core.Message) (core.Message, error) {
	if e == nil {
		return core.Message{}, fmt.Errorf("outbound: engine is not configured")
	}
	msg.Status = core.MessageStatusQueued
	created, err := e.stores.Messages.CreateMessage(ctx, msg)
	if errors.Is(err, core.ErrMessageExists) {
		created, err = e.stores.Messages.GetMessage(ctx, msg.TenantID, msg.MessageID)
	}
	if err != nil {
		return core.Message{}, err
	}
	if err := e.producer.EnqueueSend(ctx, created.TenantID, created.MessageID); err != nil {
		return created, err
	}
	return created, nil
}

// Run drives the queue consumer, the stale-claim sweeper and the reconcile
// poller until ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("outbound: engine is not configured")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	if e.consumer != nil {
		group.Go(func() error { return ignoreCancel(e.consumer.Run(groupCtx)) })
	}
	group.Go(func() error { return ignoreCancel(e.sweeper.Run(groupCtx)) })
	group.Go(func() error { return ignoreCancel(e.reconciler.Run(groupCtx)) })
	e.logger.Info("outbound engine started", "worker_id", e.config.Dispatch.WorkerID)
	err := group.Wait()
	if e.memory != nil {
		e.memory.Close()
	}
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// WebhookHandler serves provider delivery callbacks.
func (e *Engine) WebhookHandler() http.Handler {
	return webhooks.NewHTTPHandler(e.ingestor, webhooks.HandlerOptions{
		MaxBodyBytes: e.config.Webhook.MaxBodyBytes,
	})
}

// RegisterOperator exposes the operator commands and queries on the go-command
// bus.
func (e *Engine) RegisterOperator(adapter *gocommand.RegistryAdapter) (gocommand.Subscriptions, error) {
	return gocommand.RegisterOperator(adapter, e.operatorDeps())
}

func (e *Engine) operatorDeps() gocommand.OperatorDeps {
	return gocommand.OperatorDeps{
		Controls:      e.policy,
		Reader:        e.stores.Operator,
		Alerts:        e.stores.Alerts,
		ControlStates: e.stores.Controls,
		Counters:      e.counters,
	}
}

func (e *Engine) Config() Config                  { return e.config }
func (e *Engine) Stores() *sqlstore.Stores        { return e.stores }
func (e *Engine) Policy() *policy.Service         { return e.policy }
func (e *Engine) Processor() *dispatch.Processor  { return e.processor }
func (e *Engine) Sweeper() *sweeper.Sweeper       { return e.sweeper }
func (e *Engine) Ingestor() *webhooks.Ingestor    { return e.ingestor }
func (e *Engine) Reconciler() *reconcile.Worker   { return e.reconciler }
func (e *Engine) Producer() *gojob.Producer       { return e.producer }
func (e *Engine) Consumer() *gojob.Consumer       { return e.consumer }
func (e *Engine) Counters() map[string]int64      { return e.counters.CounterSnapshot() }
func (e *Engine) MemoryQueue() *gojob.MemoryQueue { return e.memory }
