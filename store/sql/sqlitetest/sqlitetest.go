// Package sqlitetest opens migrated in-memory sqlite databases for tests.
package sqlitetest

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-outbound/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

var sequence atomic.Int64

type persistenceConfig struct {
	driver string
	server string
}

func (c persistenceConfig) GetDebug() bool {
	return false
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "go-outbound-tests"
}

// NewClient returns a go-persistence-bun client over a fresh shared-cache
// in-memory database with every outbound migration applied. The pool holds a
// single connection, so concurrent writers are serialized the way row locks
// serialize them on postgres.
func NewClient(t testing.TB) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:outbound-test-%d-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
		sequence.Add(1),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(persistenceConfig{driver: "sqlite3", server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	err = migrations.Apply(context.Background(), migrations.DialectSQLite,
		func(fsys fs.FS) { client.RegisterSQLMigrations(fsys) },
		client.Migrate,
	)
	if err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
