package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are Unix nanoseconds; zero means unset.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		total INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		finished INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		error TEXT NOT NULL,
		kind TEXT NOT NULL,
		UNIQUE (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_failures_run
		ON run_failures(run_id, id);

	CREATE TABLE IF NOT EXISTS run_not_run (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		success INTEGER NOT NULL,
		output TEXT NOT NULL,
		error TEXT NOT NULL,
		error_kind TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		changed_files TEXT NOT NULL,
		commit_ref TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_results_run
		ON task_results(run_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
