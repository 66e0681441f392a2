package outbound

import (
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-outbound/core"
	sqlstore "github.com/goliatone/go-outbound/store/sql"
	"github.com/goliatone/go-outbound/webhooks"
)

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

type Option func(*engineBuilder)

type engineBuilder struct {
	runtimeConfig     Config
	logger            core.Logger
	loggerProvider    core.LoggerProvider
	metricsRecorder   core.MetricsRecorder
	persistenceClient any
	repositoryFactory *sqlstore.RepositoryFactory
	configProvider    core.ConfigProvider
	optionsResolver   core.OptionsResolver
	providerClient    core.ProviderClient
	enqueuer          queue.Enqueuer
	dequeuer          queue.Dequeuer
	signatureMode     webhooks.SignatureMode
}

func WithLogger(logger core.Logger) Option {
	return func(b *engineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *engineBuilder) {
		b.loggerProvider = provider
	}
}

// WithMetricsRecorder adds a recorder next to the in-process counters that
// back the operator counters query.
func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *engineBuilder) {
		b.metricsRecorder = recorder
	}
}

// WithPersistenceClient accepts a *persistence.Client or a *bun.DB.
func WithPersistenceClient(client any) Option {
	return func(b *engineBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory *sqlstore.RepositoryFactory) Option {
	return func(b *engineBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *engineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *engineBuilder) {
		b.optionsResolver = resolver
	}
}

func WithProviderClient(client core.ProviderClient) Option {
	return func(b *engineBuilder) {
		b.providerClient = client
	}
}

// WithQueue sets the go-job transport. A nil dequeuer leaves consumption to
// another process.
func WithQueue(enqueuer queue.Enqueuer, dequeuer queue.Dequeuer) Option {
	return func(b *engineBuilder) {
		b.enqueuer = enqueuer
		b.dequeuer = dequeuer
	}
}

func WithSignatureMode(mode webhooks.SignatureMode) Option {
	return func(b *engineBuilder) {
		b.signatureMode = mode
	}
}
