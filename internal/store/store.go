// Package store is the Store (C1): persistent state for users, AI models,
// files, tasks, the queue, issues, AI outputs, task logs, and task shares.
// It exposes repository operations over sqlite, never raw SQL, to its
// callers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "docreview-v1-2026-07-31-initial-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite database at path, configures durability
// pragmas, and applies the schema migration ledger. A single connection is
// held open: sqlite3 serializes writers regardless of pool size, and holding
// more than one open connection only adds lock contention under WAL.
func Open(ctx context.Context, path string, busyTimeoutMs int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f when sqlite reports BUSY/LOCKED, with exponential
// backoff and jitter on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		external_uid TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL,
		role TEXT NOT NULL CHECK(role IN ('system_admin', 'admin', 'user')) DEFAULT 'user',
		max_concurrent_tasks INTEGER NOT NULL DEFAULT 10,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS ai_models (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS file_infos (
		id TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL UNIQUE,
		stored_path TEXT NOT NULL,
		original_name TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL REFERENCES users(id),
		file_info_id TEXT NOT NULL REFERENCES file_infos(id),
		ai_model_id TEXT NOT NULL REFERENCES ai_models(id),
		title TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('pending', 'queued', 'processing', 'completed', 'failed', 'cancelled')) DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		current_stage TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id),
		priority INTEGER NOT NULL DEFAULT 5 CHECK(priority BETWEEN 1 AND 10),
		status TEXT NOT NULL CHECK(status IN ('queued', 'processing', 'completed', 'failed', 'cancelled')) DEFAULT 'queued',
		worker_id TEXT,
		queued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		estimated_duration_sec INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		type TEXT NOT NULL CHECK(type IN ('grammar', 'logic', 'completeness', 'other')),
		severity TEXT NOT NULL CHECK(severity IN ('critical', 'high', 'medium', 'low')),
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		original_text TEXT,
		user_impact TEXT,
		reasoning TEXT,
		location_hint TEXT,
		user_feedback TEXT NOT NULL CHECK(user_feedback IN ('accept', 'reject', 'unset')) DEFAULT 'unset',
		feedback_comment TEXT,
		satisfaction_rating INTEGER CHECK(satisfaction_rating BETWEEN 1 AND 5),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS ai_outputs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		stage TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		prompt_fingerprint TEXT NOT NULL,
		input_text TEXT NOT NULL,
		raw_output TEXT NOT NULL,
		token_usage INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(task_id, stage, chunk_index, prompt_fingerprint)
	);`,
	`CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		level TEXT NOT NULL CHECK(level IN ('DEBUG', 'INFO', 'WARNING', 'ERROR', 'PROGRESS')),
		module TEXT NOT NULL,
		stage TEXT,
		progress REAL,
		message TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}'
	);`,
	`CREATE TABLE IF NOT EXISTS task_shares (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		shared_by TEXT NOT NULL REFERENCES users(id),
		shared_with TEXT NOT NULL REFERENCES users(id),
		permission TEXT NOT NULL CHECK(permission IN ('read_only', 'feedback_only', 'full_access')),
		active INTEGER NOT NULL DEFAULT 1,
		comment TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		revoked_at DATETIME
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_user_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_file_info ON tasks(file_info_id);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_select ON queue_entries(status, priority DESC, queued_at ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_user ON queue_entries(user_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_issues_task ON issues(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_ai_outputs_task_stage ON ai_outputs(task_id, stage);`,
	`CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id, id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_shares_active ON task_shares(task_id, shared_with) WHERE active = 1;`,
}
