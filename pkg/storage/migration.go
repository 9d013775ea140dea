package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Schema version constants
const (
	// CurrentSchemaVersion is the schema version this build writes
	CurrentSchemaVersion = 1
)

// MigrationFunc performs one schema migration step
type MigrationFunc func(db *sql.DB) error

// Migration is a single versioned schema change
type Migration struct {
	Version     int
	Description string
	Up          MigrationFunc
}

// migrations is the ordered list of all migrations
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema: identities, sessions, log_entries, outbox",
		Up:          migration1Up,
	},
}

// schemaVersion returns the current schema version, 0 for a fresh database
func schemaVersion(db *sql.DB) (int, error) {
	query := `SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'`
	var tableName string
	err := db.QueryRow(query).Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	query = `SELECT version FROM schema_version ORDER BY ROWID DESC LIMIT 1`
	var version int
	err = db.QueryRow(query).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// runMigrations applies all pending migrations at open time
func (s *Store) runMigrations() error {
	current, err := schemaVersion(s.db)
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("%w: database schema version %d is newer than supported %d",
			ErrCorruptState, current, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		s.logger.Info("applying schema migration",
			"version", m.Version, "description", m.Description)

		if err := m.Up(s.db); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}

		query := `INSERT INTO schema_version (version, applied_at, comment) VALUES (?, ?, ?)`
		if _, err := s.db.Exec(query, m.Version, time.Now().Unix(), m.Description); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.Version, err)
		}
	}

	return nil
}

func migration1Up(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL,
		applied_at INTEGER NOT NULL,
		comment TEXT
	);

	-- Local identities. Private key material is sealed with the store key.
	CREATE TABLE IF NOT EXISTS identities (
		address TEXT PRIMARY KEY,
		sign_public BLOB NOT NULL,
		dh_public BLOB NOT NULL,
		private_sealed BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- One row per (local identity, peer). Key material sealed at rest.
	CREATE TABLE IF NOT EXISTS sessions (
		identity_address TEXT NOT NULL,
		peer_address TEXT NOT NULL,
		state TEXT NOT NULL,
		initiator INTEGER NOT NULL,
		epoch INTEGER NOT NULL,
		keys_sealed BLOB,
		send_counter INTEGER NOT NULL DEFAULT 0,
		replay_max INTEGER NOT NULL DEFAULT 0,
		replay_bitmap BLOB,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (identity_address, peer_address)
	);

	-- Deduplicated message log. The primary key is what makes redelivery
	-- from an at-least-once transport a no-op.
	CREATE TABLE IF NOT EXISTS log_entries (
		identity_address TEXT NOT NULL,
		peer_address TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		counter INTEGER NOT NULL,
		direction TEXT NOT NULL,
		content_sealed BLOB NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (identity_address, peer_address, epoch, counter, direction)
	);

	-- Outbound envelopes awaiting transport confirmation.
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_address TEXT NOT NULL,
		peer_address TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		counter INTEGER NOT NULL,
		envelope BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		queued_at INTEGER NOT NULL,
		UNIQUE (identity_address, peer_address, epoch, counter)
	);

	CREATE INDEX IF NOT EXISTS idx_log_peer ON log_entries(identity_address, peer_address, created_at);
	CREATE INDEX IF NOT EXISTS idx_outbox_identity ON outbox(identity_address, queued_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
