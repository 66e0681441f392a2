package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/goliatone/go-outbound/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

type persistenceConfig struct {
	settings DatabaseSettings
}

func (c persistenceConfig) GetDebug() bool                { return c.settings.Debug }
func (c persistenceConfig) GetDriver() string             { return c.settings.Driver }
func (c persistenceConfig) GetServer() string             { return c.settings.DSN }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "outbound-dispatcher" }

// openDatabase connects through go-persistence-bun and applies the outbound
// migrations for the configured dialect. The raw handle backs the durable
// job queue.
func openDatabase(ctx context.Context, settings DatabaseSettings) (*persistence.Client, *sql.DB, error) {
	var (
		dialect     schema.Dialect
		migrationID string
	)
	switch settings.Driver {
	case "postgres":
		dialect, migrationID = pgdialect.New(), migrations.DialectPostgres
	case "sqlite3":
		dialect, migrationID = sqlitedialect.New(), migrations.DialectSQLite
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", settings.Driver)
	}

	sqlDB, err := sql.Open(settings.Driver, settings.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if settings.Driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(persistenceConfig{settings: settings}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("persistence client: %w", err)
	}
	err = migrations.Apply(ctx, migrationID,
		func(fsys fs.FS) { client.RegisterSQLMigrations(fsys) },
		client.Migrate,
	)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return client, sqlDB, nil
}
