package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	outbound "github.com/goliatone/go-outbound"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	SourceLabel = "go-outbound"

	migrationsDir = "data/sql/migrations"
)

// Source is one dialect's migration set.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*registerOptions)

type registerOptions struct {
	dialects []string
	root     fs.FS
}

// WithDialects limits registration to the named dialects.
func WithDialects(dialects ...string) Option {
	return func(o *registerOptions) {
		var next []string
		for _, dialect := range dialects {
			dialect = normalizeDialect(dialect)
			if dialect != "" && !slices.Contains(next, dialect) {
				next = append(next, dialect)
			}
		}
		if len(next) > 0 {
			o.dialects = next
		}
	}
}

// WithRoot replaces the embedded migrations, mostly for tests.
func WithRoot(root fs.FS) Option {
	return func(o *registerOptions) {
		if root != nil {
			o.root = root
		}
	}
}

// Sources returns the postgres and sqlite migration sets. Both must carry the
// same migration names and every up file needs a down file.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = outbound.GetMigrationsFS()
	}
	base, err := fs.Sub(root, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: %s not found: %w", migrationsDir, err)
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}
	sources := []Source{
		{Dialect: DialectPostgres, Path: migrationsDir, FS: base},
		{Dialect: DialectSQLite, Path: migrationsDir + "/sqlite", FS: sqliteFS},
	}

	var reference []string
	for i, source := range sources {
		names, err := migrationNames(source)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			reference = names
			continue
		}
		if !slices.Equal(reference, names) {
			return nil, fmt.Errorf("migrations: %s set %v does not match %s set %v",
				source.Dialect, names, sources[0].Dialect, reference)
		}
	}
	return sources, nil
}

func migrationNames(source Source) ([]string, error) {
	ups, err := fs.Glob(source.FS, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", source.Path, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", source.Path)
	}
	names := make([]string, 0, len(ups))
	for _, up := range ups {
		name := strings.TrimSuffix(up, ".up.sql")
		if _, err := fs.Stat(source.FS, name+".down.sql"); err != nil {
			return nil, fmt.Errorf("migrations: %s/%s has no down migration", source.Path, name)
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Register hands each selected dialect's migrations to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) ([]Source, error) {
	if registerFn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	options := registerOptions{dialects: []string{DialectPostgres, DialectSQLite}}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	sources, err := Sources(options.root)
	if err != nil {
		return nil, err
	}

	registered := make([]Source, 0, len(options.dialects))
	for _, source := range sources {
		if !slices.Contains(options.dialects, source.Dialect) {
			continue
		}
		if err := registerFn(ctx, source.Dialect, SourceLabel, source.FS); err != nil {
			return registered, fmt.Errorf("migrations: register %s (%s): %w", source.Dialect, source.Path, err)
		}
		registered = append(registered, source)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("migrations: no migrations for dialects %v", options.dialects)
	}
	return registered, nil
}

// Apply registers the migrations for one dialect and runs them. register and
// migrate are usually bound to a go-persistence-bun client.
func Apply(
	ctx context.Context,
	dialect string,
	register func(fs.FS),
	migrate func(context.Context) error,
) error {
	if register == nil || migrate == nil {
		return fmt.Errorf("migrations: register and migrate functions are required")
	}
	_, err := Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		register(fsys)
		return nil
	}, WithDialects(dialect))
	if err != nil {
		return err
	}
	return migrate(ctx)
}

func normalizeDialect(dialect string) string {
	dialect = strings.TrimSpace(strings.ToLower(dialect))
	if dialect == "sqlite3" {
		return DialectSQLite
	}
	return dialect
}
