package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/swarm/internal/task"
)

// RecordTaskResult appends one attempt to the run's history. The run row is
// created on first use so results can arrive before the run summary.
func (s *SQLiteStore) RecordTaskResult(ctx context.Context, runID string, res task.Result) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureRun(ctx, tx, runID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_results (
			run_id, task_id, worker_id, attempt, success, output, error, error_kind,
			exit_code, duration_ns, started_at, completed_at, changed_files, commit_ref
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, res.TaskID, res.WorkerID, res.Attempt, res.Success, res.Output, res.Error, string(res.ErrorKind),
		res.ExitCode, int64(res.Duration), toNanos(res.StartedAt), toNanos(res.CompletedAt),
		strings.Join(res.Artifacts.ChangedFiles, "\n"), res.Artifacts.CommitRef)
	if err != nil {
		return fmt.Errorf("failed to insert result for task %s: %w", res.TaskID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TaskResults returns every recorded attempt of a run in the order recorded.
func (s *SQLiteStore) TaskResults(ctx context.Context, runID string) ([]task.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, worker_id, attempt, success, output, error, error_kind,
			exit_code, duration_ns, started_at, completed_at, changed_files, commit_ref
		FROM task_results
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var results []task.Result
	for rows.Next() {
		var (
			r                  task.Result
			kind, changedFiles string
			duration           int64
			started, completed int64
		)
		if err := rows.Scan(&r.TaskID, &r.WorkerID, &r.Attempt, &r.Success, &r.Output, &r.Error, &kind,
			&r.ExitCode, &duration, &started, &completed, &changedFiles, &r.Artifacts.CommitRef); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.ErrorKind = task.ErrorKind(kind)
		r.Duration = time.Duration(duration)
		r.StartedAt = fromNanos(started)
		r.CompletedAt = fromNanos(completed)
		if changedFiles != "" {
			r.Artifacts.ChangedFiles = strings.Split(changedFiles, "\n")
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

func ensureRun(ctx context.Context, tx *sql.Tx, runID string) error {
	if runID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, runID); err != nil {
		return fmt.Errorf("failed to create run %s: %w", runID, err)
	}
	return nil
}
