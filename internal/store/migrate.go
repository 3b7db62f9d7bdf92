package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var migrationName = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

type migration struct {
	Version  string
	Name     string
	UpPath   string
	DownPath string
}

// discoverMigrations pairs up and down files by their numeric version.
// A version missing either half is an error.
func discoverMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m := byVersion[match[1]]
		if m == nil {
			m = &migration{Version: match[1]}
			byVersion[match[1]] = m
		}
		path := filepath.Join(dir, entry.Name())
		if match[2] == "up" {
			if m.UpPath != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", m.Version)
			}
			m.UpPath = path
			m.Name = entry.Name()
		} else {
			if m.DownPath != "" {
				return nil, fmt.Errorf("duplicate down migration for version %s", m.Version)
			}
			m.DownPath = path
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpPath == "" || m.DownPath == "" {
			return nil, fmt.Errorf("version %s must include both up and down files", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every pending up migration in version order, each in
// its own transaction, and returns the names it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string, log zerolog.Logger) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := discoverMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, m := range migrations {
		done, err := isMigrated(ctx, db, m.Name)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		if err := runMigrationFile(ctx, db, m.UpPath, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Name)
			return err
		}); err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		log.Info().Str("migration", m.Name).Msg("applied migration")
		applied = append(applied, m.Name)
	}
	return applied, nil
}

// RollbackMigrations reverts up to steps applied migrations, newest first.
// steps <= 0 reverts all of them.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int, log zerolog.Logger) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := discoverMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	reverted := make([]string, 0)
	for i := len(migrations) - 1; i >= 0; i-- {
		if steps > 0 && len(reverted) >= steps {
			break
		}
		m := migrations[i]
		done, err := isMigrated(ctx, db, m.Name)
		if err != nil {
			return reverted, err
		}
		if !done {
			continue
		}
		if err := runMigrationFile(ctx, db, m.DownPath, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.Name)
			return err
		}); err != nil {
			return reverted, fmt.Errorf("rollback %s: %w", m.Name, err)
		}
		log.Info().Str("migration", m.Name).Msg("reverted migration")
		reverted = append(reverted, m.Name)
	}
	return reverted, nil
}

func runMigrationFile(ctx context.Context, db *sql.DB, path string, record func(*sql.Tx) error) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	statement := strings.TrimSpace(string(contents))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if statement != "" {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("execute: %w", err)
		}
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
