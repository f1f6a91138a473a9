package convstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema change, ported from the donor's
// sessions.Migrator, grounded on internal/sessions/migrate.go.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration records when a migration ran.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the conversations/messages/pending_sub_agents schema.
// The schema_migrations bookkeeping table's DDL is dialect-specific
// (Cockroach wants TIMESTAMPTZ, SQLite has no such type), so the
// Migrator is constructed with that one statement rather than
// hardcoding a dialect.
type Migrator struct {
	db                    *sql.DB
	migrations            []Migration
	createSchemaTableStmt string
	placeholder           string // "$1" for postgres/cockroach, "?" for sqlite
}

// NewCockroachMigrator builds a Migrator for a CockroachDB/Postgres db.
func NewCockroachMigrator(db *sql.DB) (*Migrator, error) {
	return newMigrator(db, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id STRING PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, "$1")
}

// NewSQLiteMigrator builds a Migrator for a SQLite db.
func NewSQLiteMigrator(db *sql.DB) (*Migrator, error) {
	return newMigrator(db, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, "?")
}

func newMigrator(db *sql.DB, createSchemaTableStmt, placeholder string) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("convstore: db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations, createSchemaTableStmt: createSchemaTableStmt, placeholder: placeholder}, nil
}

// EnsureSchema creates the schema_migrations bookkeeping table.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, m.createSchemaTableStmt); err != nil {
		return fmt.Errorf("convstore: create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations in id order. steps<=0 applies all.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrationIDs(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, migration := range m.migrations {
		if applied[migration.ID] {
			continue
		}
		pending = append(pending, migration)
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var appliedIDs []string
	for _, migration := range pending {
		if strings.TrimSpace(migration.UpSQL) == "" {
			return appliedIDs, fmt.Errorf("convstore: missing up migration for %s", migration.ID)
		}
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return appliedIDs, fmt.Errorf("convstore: begin migration %s: %w", migration.ID, err)
		}
		if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
			tx.Rollback()
			return appliedIDs, fmt.Errorf("convstore: apply migration %s: %w", migration.ID, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO schema_migrations (id) VALUES (%s)`, m.placeholder), migration.ID); err != nil {
			tx.Rollback()
			return appliedIDs, fmt.Errorf("convstore: record migration %s: %w", migration.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return appliedIDs, fmt.Errorf("convstore: commit migration %s: %w", migration.ID, err)
		}
		appliedIDs = append(appliedIDs, migration.ID)
	}
	return appliedIDs, nil
}

func (m *Migrator) appliedMigrationIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("convstore: query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("convstore: scan schema_migrations: %w", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("convstore: list migrations: %w", err)
	}

	entries := map[string]*Migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		var suffix string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &Migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("convstore: read migration %s: %w", path, err)
		}
		if suffix == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}
