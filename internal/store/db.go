// Package store provides the durable local store backing the sync engine:
// pending operations, conflict records, and the read-through record cache.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the local SQLite database. Writes are serialized through a
// single connection; SQLite commits each statement before returning, which
// gives enqueued operations their durability guarantee.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the local store under dataDir.
// The database is opened with:
// - WAL mode for concurrent reads alongside the single writer
// - Foreign key constraints enabled
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "fieldsync.db")

	// modernc.org/sqlite is pure Go, no CGO.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers; a single connection also
	// serializes writes per the single-writer-at-a-time policy.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		base_payload_json TEXT,
		created_at INTEGER NOT NULL,
		local_id TEXT NOT NULL,
		remote_id TEXT,
		actor_id TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		synced_at INTEGER,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status, table_name, created_at);
	CREATE INDEX IF NOT EXISTS idx_operations_record ON operations(table_name, local_id);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		operation_id TEXT NOT NULL REFERENCES operations(id),
		local_payload_json TEXT NOT NULL,
		remote_payload_json TEXT NOT NULL,
		detected_at INTEGER NOT NULL,
		resolution TEXT,
		resolved_payload_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(resolution);

	CREATE TABLE IF NOT EXISTS cache (
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		remote_id TEXT,
		cached_at INTEGER NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (table_name, record_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
