package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/task"
)

// RecordRun stores the final summary of a run, replacing any earlier one.
// Failed and not-run tasks keep the order the run reported them in.
func (s *SQLiteStore) RecordRun(ctx context.Context, res *scheduler.SwarmResult) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureRun(ctx, tx, res.RunID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs
		SET total = ?, completed = ?, started_at = ?, duration_ns = ?, finished = 1
		WHERE id = ?
	`, res.Total, res.Completed, toNanos(res.StartedAt), int64(res.Duration), res.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", res.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_failures WHERE run_id = ?`, res.RunID); err != nil {
		return fmt.Errorf("failed to delete old failures: %w", err)
	}
	for _, f := range res.Failed {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_failures (run_id, task_id, error, kind)
			VALUES (?, ?, ?, ?)
		`, res.RunID, f.TaskID, f.Error, string(f.Kind))
		if err != nil {
			return fmt.Errorf("failed to insert failure %s: %w", f.TaskID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_not_run WHERE run_id = ?`, res.RunID); err != nil {
		return fmt.Errorf("failed to delete old not-run tasks: %w", err)
	}
	for i, id := range res.NotRun {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_not_run (run_id, seq, task_id)
			VALUES (?, ?, ?)
		`, res.RunID, i, id)
		if err != nil {
			return fmt.Errorf("failed to insert not-run task %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `
		SELECT r.id, r.total, r.completed, r.started_at, r.duration_ns, r.finished,
			(SELECT COUNT(*) FROM run_failures f WHERE f.run_id = r.id),
			(SELECT COUNT(*) FROM run_not_run n WHERE n.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC, r.created_at DESC, r.id
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var (
			r        RunSummary
			started  int64
			duration int64
		)
		if err := rows.Scan(&r.RunID, &r.Total, &r.Completed, &started, &duration, &r.Finished, &r.Failed, &r.NotRun); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = fromNanos(started)
		r.Duration = time.Duration(duration)
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetRun reconstructs a run's SwarmResult, including every recorded attempt.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*scheduler.SwarmResult, error) {
	res := &scheduler.SwarmResult{RunID: runID}
	var started, duration int64
	err := s.db.QueryRowContext(ctx, `
		SELECT total, completed, started_at, duration_ns
		FROM runs
		WHERE id = ?
	`, runID).Scan(&res.Total, &res.Completed, &started, &duration)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	res.StartedAt = fromNanos(started)
	res.Duration = time.Duration(duration)

	if res.Failed, err = s.failures(ctx, runID); err != nil {
		return nil, err
	}
	if res.NotRun, err = s.notRun(ctx, runID); err != nil {
		return nil, err
	}
	if res.Results, err = s.TaskResults(ctx, runID); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLiteStore) failures(ctx context.Context, runID string) ([]scheduler.FailedTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, error, kind
		FROM run_failures
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var failed []scheduler.FailedTask
	for rows.Next() {
		var f scheduler.FailedTask
		var kind string
		if err := rows.Scan(&f.TaskID, &f.Error, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Kind = task.ErrorKind(kind)
		failed = append(failed, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}
	return failed, nil
}

func (s *SQLiteStore) notRun(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id
		FROM run_not_run
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query not-run tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan not-run task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating not-run tasks: %w", err)
	}
	return ids, nil
}
