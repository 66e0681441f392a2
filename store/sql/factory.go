package sqlstore

import (
	"fmt"

	"github.com/goliatone/go-outbound/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

// Stores groups every store the outbound engine needs.
type Stores struct {
	Messages       *MessageStore
	TenantPolicies core.TenantPolicyStore
	Controls       *ControlStateStore
	SendEvents     *SendEventStore
	WebhookEvents  *WebhookEventStore
	Alerts         *AlertStore
	Counters       *WebhookCounterStore
	Operator       *OperatorReader
}

type RepositoryFactory struct {
	db     *bun.DB
	cache  repositorycache.CacheService
	stores *Stores
}

type FactoryOption func(*RepositoryFactory)

// WithPolicyCache serves tenant policy reads through the given cache.
func WithPolicyCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB, such as a
// go-persistence-bun client.
func (f *RepositoryFactory) BuildStores(persistenceClient any) (*Stores, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.stores != nil {
		return f.stores, nil
	}
	stores, err := f.initStores()
	if err != nil {
		return nil, err
	}
	f.stores = stores
	return stores, nil
}

func (f *RepositoryFactory) Stores() *Stores {
	if f == nil {
		return nil
	}
	return f.stores
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() (*Stores, error) {
	messages, err := NewMessageStore(f.db)
	if err != nil {
		return nil, err
	}
	policies, err := NewTenantPolicyStore(f.db)
	if err != nil {
		return nil, err
	}
	var policyStore core.TenantPolicyStore = policies
	if f.cache != nil {
		cached, err := NewCachedTenantPolicyStore(policies, f.cache)
		if err != nil {
			return nil, err
		}
		policyStore = cached
	}
	controls, err := NewControlStateStore(f.db)
	if err != nil {
		return nil, err
	}
	sendEvents, err := NewSendEventStore(f.db)
	if err != nil {
		return nil, err
	}
	webhookEvents, err := NewWebhookEventStore(f.db)
	if err != nil {
		return nil, err
	}
	alerts, err := NewAlertStore(f.db)
	if err != nil {
		return nil, err
	}
	counters, err := NewWebhookCounterStore(f.db)
	if err != nil {
		return nil, err
	}
	operator, err := NewOperatorReader(f.db)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Messages:       messages,
		TenantPolicies: policyStore,
		Controls:       controls,
		SendEvents:     sendEvents,
		WebhookEvents:  webhookEvents,
		Alerts:         alerts,
		Counters:       counters,
		Operator:       operator,
	}, nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
