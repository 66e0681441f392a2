package outbound

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the outbound schema for postgres, with sqlite variants
// under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

func GetMigrationsFS() fs.FS {
	return migrationsFS
}
