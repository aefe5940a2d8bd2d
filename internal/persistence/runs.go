package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vguadalu/udacity-data-pipelines/internal/scheduler"
)

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// SaveRun inserts or updates a run. Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, scheduled_time, status, started_at, finished_at, failed_task, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			failed_task = excluded.failed_task,
			error = excluded.error
	`, run.ID, run.Pipeline, toNanos(run.ScheduledTime), run.Status,
		toNanos(run.StartedAt), toNanos(run.FinishedAt), run.FailedTask, run.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

const runColumns = `id, pipeline, scheduled_time, status, started_at, finished_at, failed_task, error`

func scanRun(row interface{ Scan(...any) error }) (RunRecord, error) {
	var r RunRecord
	var scheduled, started, finished int64
	if err := row.Scan(&r.ID, &r.Pipeline, &scheduled, &r.Status, &started, &finished, &r.FailedTask, &r.Error); err != nil {
		return RunRecord{}, err
	}
	r.ScheduledTime = fromNanos(scheduled)
	r.StartedAt = fromNanos(started)
	r.FinishedAt = fromNanos(finished)
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to query run: %w", err)
	}
	return r, nil
}

// ListRuns returns the pipeline's runs, latest scheduled time first. A
// limit <= 0 returns all of them.
func (s *SQLiteStore) ListRuns(ctx context.Context, pipeline string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE pipeline = ?
		ORDER BY scheduled_time DESC, started_at DESC
		LIMIT ?
	`, pipeline, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// HasRunBefore reports whether any run of pipeline was scheduled before t.
func (s *SQLiteStore) HasRunBefore(ctx context.Context, pipeline string, t time.Time) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM runs WHERE pipeline = ? AND scheduled_time < ?)
	`, pipeline, toNanos(t)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query earlier runs: %w", err)
	}
	return exists == 1, nil
}

// SaveInstance inserts or updates a task instance of an existing run.
func (s *SQLiteStore) SaveInstance(ctx context.Context, inst InstanceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_instances (run_id, task_id, status, attempts, start_time, end_time, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			error = excluded.error
	`, inst.RunID, inst.TaskID, inst.Status.String(), inst.Attempts,
		toNanos(inst.StartTime), toNanos(inst.EndTime), inst.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert instance %s/%s: %w", inst.RunID, inst.TaskID, err)
	}
	return nil
}

// ListInstances returns a run's task instances ordered by start time, then id.
func (s *SQLiteStore) ListInstances(ctx context.Context, runID string) ([]InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, status, attempts, start_time, end_time, error
		FROM task_instances
		WHERE run_id = ?
		ORDER BY start_time, task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		var inst InstanceRecord
		var status string
		var start, end int64
		if err := rows.Scan(&inst.RunID, &inst.TaskID, &status, &inst.Attempts, &start, &end, &inst.Error); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		if inst.Status, err = scheduler.ParseStatus(status); err != nil {
			return nil, err
		}
		inst.StartTime = fromNanos(start)
		inst.EndTime = fromNanos(end)
		out = append(out, inst)
	}
	return out, rows.Err()
}

// InstanceStatus looks up the task in the latest run scheduled at t.
func (s *SQLiteStore) InstanceStatus(ctx context.Context, pipeline, taskID string, t time.Time) (scheduler.InstanceStatus, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT i.status
		FROM task_instances i
		JOIN runs r ON r.id = i.run_id
		WHERE r.pipeline = ? AND r.scheduled_time = ? AND i.task_id = ?
		ORDER BY r.started_at DESC
		LIMIT 1
	`, pipeline, toNanos(t), taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query instance status: %w", err)
	}
	st, err := scheduler.ParseStatus(status)
	if err != nil {
		return 0, false, err
	}
	return st, true, nil
}
