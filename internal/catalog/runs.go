// File path: internal/catalog/runs.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRunNotFound is returned when a pipeline run lookup misses.
var ErrRunNotFound = errors.New("pipeline run not found")

var terminalRunStatuses = []string{"success", "failure", "revoked"}

// InsertRun persists a freshly created pipeline run.
func (s *Store) InsertRun(ctx context.Context, row RunRow) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if strings.TrimSpace(row.RunID) == "" {
		return fmt.Errorf("run id required")
	}
	if row.Parameters == "" {
		row.Parameters = "{}"
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO pipeline_runs(
                        run_id, task_name, task_kind, status, step_index, step_total, step_message,
                        result, error_text, triggered_by, parameters, started_at, completed_at, duration_ms)
                VALUES (:run_id, :task_name, :task_kind, :status, :step_index, :step_total, :step_message,
                        :result, :error_text, :triggered_by, :parameters, :started_at, :completed_at, :duration_ms)`, row)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", row.RunID, err)
	}
	return nil
}

// UpdateRun overwrites the mutable fields of a run row.
func (s *Store) UpdateRun(ctx context.Context, row RunRow) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE pipeline_runs SET
                        status = :status,
                        step_index = :step_index,
                        step_total = :step_total,
                        step_message = :step_message,
                        result = :result,
                        error_text = :error_text,
                        started_at = :started_at,
                        completed_at = :completed_at,
                        duration_ms = :duration_ms
                WHERE run_id = :run_id`, row)
	if err != nil {
		return fmt.Errorf("update run %s: %w", row.RunID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RunByID fetches one pipeline run row.
func (s *Store) RunByID(ctx context.Context, runID string) (RunRow, error) {
	if err := s.ensureReady(); err != nil {
		return RunRow{}, err
	}
	var row RunRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM pipeline_runs WHERE run_id = ?`, strings.TrimSpace(runID)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRow{}, ErrRunNotFound
		}
		return RunRow{}, fmt.Errorf("select run: %w", err)
	}
	return row, nil
}

// RecentRuns lists runs newest first up to limit.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows := []RunRow{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM pipeline_runs
                ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("select recent runs: %w", err)
	}
	return rows, nil
}

// DeleteExpiredRuns removes terminal runs whose completion is older than the
// retention cutoff. Non-terminal runs are never deleted here.
func (s *Store) DeleteExpiredRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_runs
                WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		terminalRunStatuses[0], terminalRunStatuses[1], terminalRunStatuses[2], cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired runs: %w", err)
	}
	return res.RowsAffected()
}
