// Package db provides database connection management and schema migration.
package db

import (
	"database/sql"
	"fmt"
)

// schema holds the ordered migrations. Each entry runs exactly once; the
// applied version is tracked in schema_migrations so repeated Migrate calls
// are no-ops.
var schema = []struct {
	version     int
	description string
	statements  []string
}{
	{
		version:     1,
		description: "inspections store with status and date indexes",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS inspections (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				details TEXT NOT NULL DEFAULT '',
				community_board TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				priority TEXT NOT NULL DEFAULT '',
				address TEXT NOT NULL DEFAULT '',
				latitude REAL NOT NULL DEFAULT 0,
				longitude REAL NOT NULL DEFAULT 0,
				scheduled_date INTEGER NOT NULL DEFAULT 0,
				inspector_id TEXT NOT NULL DEFAULT '',
				inspector_name TEXT NOT NULL DEFAULT '',
				inspector_email TEXT NOT NULL DEFAULT '',
				images TEXT NOT NULL DEFAULT '[]',
				admin_comments TEXT NOT NULL DEFAULT '[]',
				notes TEXT NOT NULL DEFAULT '[]',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				synced INTEGER NOT NULL DEFAULT 0,
				remote_id TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE INDEX IF NOT EXISTS idx_inspections_by_status ON inspections(status);`,
			`CREATE INDEX IF NOT EXISTS idx_inspections_by_date ON inspections(scheduled_date);`,
		},
	},
	{
		version:     2,
		description: "pending sync queue indexed by record id",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS pending_sync (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				record_id TEXT NOT NULL,
				operation TEXT NOT NULL,
				payload TEXT NOT NULL,
				enqueued_at INTEGER NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				next_retry_at INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE INDEX IF NOT EXISTS idx_pending_sync_record ON pending_sync(record_id);`,
		},
	},
}

// Migrate applies all pending schema migrations. Safe to call repeatedly.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL
	);`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range schema {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, strftime('%s','now'), ?)",
			m.version, m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// CurrentVersion returns the applied schema version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}
