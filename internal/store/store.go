// Package store provides SQLite-backed persistence for razor: queue state,
// snapshots, the vector index, duplicate pairs and decision records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides access to the razor SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		seq INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		linked_nodes TEXT,
		type TEXT NOT NULL,
		payload TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		attempt INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		errors TEXT,
		result TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		not_before DATETIME
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		content TEXT NOT NULL,
		existed INTEGER NOT NULL DEFAULT 1,
		checksum TEXT NOT NULL,
		size INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		node_id TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vectors (
		node_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT,
		path TEXT,
		dim INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS duplicate_pairs (
		id TEXT PRIMARY KEY,
		node_a TEXT NOT NULL,
		name_a TEXT,
		path_a TEXT,
		node_b TEXT NOT NULL,
		name_b TEXT,
		path_b TEXT,
		type TEXT NOT NULL,
		similarity REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		detected_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_seq ON tasks(seq);
	CREATE INDEX IF NOT EXISTS idx_snapshots_path ON snapshots(path);
	CREATE INDEX IF NOT EXISTS idx_vectors_type ON vectors(type);
	CREATE INDEX IF NOT EXISTS idx_pairs_status ON duplicate_pairs(status);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
