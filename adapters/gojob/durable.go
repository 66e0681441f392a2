package gojob

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	jobpostgres "github.com/goliatone/go-job/queue/adapters/postgres"
)

const (
	DefaultQueueTable        = "outbound_queue_messages"
	DefaultQueueDLQTable     = "outbound_queue_dlq"
	DefaultQueueStatusTable  = "outbound_queue_dispatch_status"
	DefaultVisibilityTimeout = 2 * time.Minute
)

// DurableQueueOptions configures the SQL-backed go-job queue.
type DurableQueueOptions struct {
	// Driver is the database/sql driver name, "postgres" or "sqlite3".
	Driver string
	// VisibilityTimeout is how long a dequeued job stays leased before another
	// consumer may take it. It should exceed the provider request timeout.
	VisibilityTimeout time.Duration
	TablePrefix       string
}

// NewDurableQueue builds go-job's SQL queue on db and creates its tables.
// Jobs survive restarts; a job whose consumer died is redelivered once its
// lease expires, and the dispatcher's claim keeps that redelivery harmless.
func NewDurableQueue(ctx context.Context, db *sql.DB, opts DurableQueueOptions) (*jobpostgres.Adapter, error) {
	if db == nil {
		return nil, fmt.Errorf("gojob: durable queue requires a database handle")
	}
	timeout := opts.VisibilityTimeout
	if timeout <= 0 {
		timeout = DefaultVisibilityTimeout
	}
	storageOpts := []jobpostgres.Option{
		jobpostgres.WithTableName(tableName(opts.TablePrefix, DefaultQueueTable)),
		jobpostgres.WithDLQTableName(tableName(opts.TablePrefix, DefaultQueueDLQTable)),
		jobpostgres.WithStatusTableName(tableName(opts.TablePrefix, DefaultQueueStatusTable)),
		jobpostgres.WithVisibilityTimeout(timeout),
	}
	switch strings.TrimSpace(opts.Driver) {
	case "", "postgres", "pgx":
	case "sqlite3", "sqlite":
		storageOpts = append(storageOpts,
			jobpostgres.WithDialect(jobpostgres.DialectSQLite),
			jobpostgres.WithUseSkipLocked(false),
		)
	default:
		return nil, fmt.Errorf("gojob: unsupported durable queue driver %q", opts.Driver)
	}

	storage := jobpostgres.NewStorage(db, storageOpts...)
	if err := storage.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("gojob: migrate durable queue: %w", err)
	}
	return jobpostgres.NewAdapter(storage), nil
}

func tableName(prefix string, name string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}
