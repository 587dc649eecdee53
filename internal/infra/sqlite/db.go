// Package sqlite provides persistent storage for taskforge.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/taskforge.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "taskforge.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			service_name    TEXT NOT NULL,
			type            TEXT NOT NULL,
			payload         TEXT NOT NULL,
			input_data      TEXT,
			cpu_cores       INTEGER NOT NULL DEFAULT 1,
			memory_mb       INTEGER NOT NULL DEFAULT 512,
			timeout_seconds INTEGER NOT NULL DEFAULT 300,
			max_retries     INTEGER NOT NULL DEFAULT 3,
			priority        INTEGER NOT NULL DEFAULT 3,
			payment         REAL NOT NULL,
			escrow_id       TEXT,
			expected_hash   TEXT,
			metadata        TEXT,
			status          TEXT NOT NULL,
			status_reason   TEXT,
			assigned_node   TEXT,
			attempts        INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			assigned_at     INTEGER,
			started_at      INTEGER,
			completed_at    INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,

		`CREATE TABLE IF NOT EXISTS assignments (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL REFERENCES tasks(id),
			node_id     TEXT NOT NULL,
			attempt     INTEGER NOT NULL,
			assigned_at INTEGER NOT NULL,
			deadline    INTEGER NOT NULL,
			active      BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_task ON assignments(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_active ON assignments(active)`,

		`CREATE TABLE IF NOT EXISTS results (
			task_id       TEXT NOT NULL REFERENCES tasks(id),
			attempt       INTEGER NOT NULL,
			node_id       TEXT NOT NULL,
			output        TEXT,
			output_hash   TEXT,
			cpu_time_ms   INTEGER NOT NULL DEFAULT 0,
			max_rss_kb    INTEGER NOT NULL DEFAULT 0,
			elapsed_ms    INTEGER NOT NULL DEFAULT 0,
			isolation     TEXT NOT NULL,
			error_kind    TEXT,
			error_message TEXT,
			verification  TEXT,
			confidence    REAL NOT NULL DEFAULT 0,
			failed_rule   TEXT,
			created_at    INTEGER NOT NULL,
			PRIMARY KEY (task_id, attempt)
		)`,

		`CREATE TABLE IF NOT EXISTS settlements (
			task_id         TEXT PRIMARY KEY REFERENCES tasks(id),
			kind            TEXT NOT NULL,
			amount          REAL NOT NULL,
			reason          TEXT,
			settled         BOOLEAN NOT NULL DEFAULT 0,
			attempts        INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			settled_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_pending ON settlements(settled, next_attempt_at)`,

		`CREATE TABLE IF NOT EXISTS schedules (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			cron_expr   TEXT NOT NULL,
			template    TEXT NOT NULL,
			enabled     BOOLEAN NOT NULL DEFAULT 1,
			created_at  INTEGER NOT NULL,
			last_run_at INTEGER
		)`,
	}

	for i, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}
