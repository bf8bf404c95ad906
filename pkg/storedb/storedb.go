// Package storedb opens the bench's SQLite databases and applies per-module
// schema migrations.
package storedb

import (
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/jingkaihe/ivibench/internal/errx"

	_ "modernc.org/sqlite"
)

const busyTimeoutMS = 5000

// Migration is one forward-only schema step. Versions are per module and
// must be unique and positive.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

type OpenOptions struct {
	Path       string
	Module     string
	Migrations []Migration
}

// Open creates the parent directory, opens the database in WAL mode and
// applies any migration of opts.Module newer than the recorded version.
func Open(opts OpenOptions) (*sql.DB, error) {
	if opts.Path == "" || opts.Module == "" {
		return nil, errx.With(ErrOpen, ": path and module are required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=" + strconv.Itoa(busyTimeoutMS),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errx.With(ErrOpen, ": %s: %w", p, err)
		}
	}

	if err := migrate(db, opts.Module, opts.Migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB, module string, migrations []Migration) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  module TEXT NOT NULL,
  version INTEGER NOT NULL,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL,
  PRIMARY KEY (module, version)
);`); err != nil {
		return errx.Wrap(ErrMigrate, err)
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, m := range sorted {
		if m.Version <= 0 || (i > 0 && sorted[i-1].Version == m.Version) {
			return errx.With(ErrMigrate, ": %s: invalid version %d", module, m.Version)
		}
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE module = ?`, module)
	if err := row.Scan(&current); err != nil {
		return errx.Wrap(ErrMigrate, err)
	}

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return errx.Wrap(ErrMigrate, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return errx.With(ErrMigrate, ": %s v%d %s: %w", module, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations(module, version, name, applied_at) VALUES (?, ?, ?, ?)`,
			module, m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			tx.Rollback()
			return errx.Wrap(ErrMigrate, err)
		}
		if err := tx.Commit(); err != nil {
			return errx.Wrap(ErrMigrate, err)
		}
	}
	return nil
}

// Version returns the highest applied migration of module, 0 when none.
func Version(db *sql.DB, module string) (int, error) {
	var v int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations WHERE module = ?`, module).Scan(&v)
	if err != nil {
		return 0, errx.Wrap(ErrMigrate, err)
	}
	return v, nil
}
