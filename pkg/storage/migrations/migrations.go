// Package migrations embeds the schema for both storage backends and applies
// it via golang-migrate for the networked (Postgres) backend.
//
// The embedded backend intentionally does not go through golang-migrate:
// golang-migrate's sqlite3 driver is built on the cgo mattn/go-sqlite3
// driver, which is incompatible with the pure-Go modernc.org/sqlite driver
// pkg/storage/sqlite uses to stay cgo-free (see DESIGN.md). For sqlite we
// apply the same embedded SQL files with a minimal version-tracked runner
// instead of inventing a dependency no repo in the retrieval corpus carries.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var SQLiteFS embed.FS

//go:embed sql_postgres/*.sql
var PostgresFS embed.FS

// ApplyPostgres runs every pending up migration against db using
// golang-migrate's iofs source driver over the embedded postgres SQL files.
func ApplyPostgres(db *sql.DB) error {
	src, err := iofs.New(PostgresFS, "sql_postgres")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("open postgres migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply postgres migrations: %w", err)
	}
	return nil
}

// ApplySQLite applies every *.up.sql file under sql/ in filename order,
// tracking the highest applied version in a schema_migrations table so
// re-opening an existing database is a no-op.
func ApplySQLite(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := fs.ReadDir(SQLiteFS, "sql")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var ups []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			ups = append(ups, e.Name())
		}
	}
	sort.Strings(ups)

	for i, name := range ups {
		version := i + 1
		if version <= current {
			continue
		}
		contents, err := SQLiteFS.ReadFile("sql/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}
