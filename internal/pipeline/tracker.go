// File path: internal/pipeline/tracker.go
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/bundleindex/internal/catalog"
	"github.com/opsforge/bundleindex/internal/common"
	"github.com/opsforge/bundleindex/internal/common/telemetry"
)

var (
	// ErrRunNotFound is returned for lookups of unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished rejects transitions on a terminal run.
	ErrRunFinished = errors.New("run already finished")
	// ErrInvalidTransition rejects non-monotonic status changes.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type session struct {
	run    Run
	cancel context.CancelFunc
}

// Tracker owns the lifecycle of pipeline runs: id allocation, the monotonic
// state machine, cooperative cancellation, and persistence of every
// transition to the catalog.
type Tracker struct {
	store *catalog.Store

	mu   sync.Mutex
	runs map[string]*session
}

func NewTracker(store *catalog.Store) *Tracker {
	return &Tracker{store: store, runs: make(map[string]*session)}
}

// Begin allocates a run, persists it as pending, and returns it together
// with a cancelable context the executing goroutine must honor.
func (t *Tracker) Begin(ctx context.Context, taskName, kind, triggeredBy string, params map[string]string) (Run, context.Context, error) {
	now := time.Now().UTC()
	run := Run{
		ID:          uuid.NewString(),
		TaskName:    taskName,
		Kind:        kind,
		Status:      StatusPending,
		TriggeredBy: strings.TrimSpace(triggeredBy),
		Parameters:  params,
		StartedAt:   &now,
	}
	if err := t.store.InsertRun(ctx, rowFromRun(run)); err != nil {
		return Run{}, nil, fmt.Errorf("persist run: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.runs[run.ID] = &session{run: run, cancel: cancel}
	t.mu.Unlock()
	return run, runCtx, nil
}

// Start moves a pending run to started.
func (t *Tracker) Start(ctx context.Context, runID string) error {
	return t.transition(ctx, runID, StatusStarted, func(run *Run) {})
}

// Progress records a step update. The run moves to (or stays in) progress.
func (t *Tracker) Progress(ctx context.Context, runID string, stepIndex, stepTotal int, message string) error {
	return t.transition(ctx, runID, StatusProgress, func(run *Run) {
		run.StepIndex = stepIndex
		run.StepTotal = stepTotal
		run.StepMessage = message
	})
}

// Complete finishes a run successfully, attaching a JSON result envelope.
func (t *Tracker) Complete(ctx context.Context, runID string, result any) error {
	var encoded json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode run result: %w", err)
		}
		encoded = data
	}
	return t.finish(ctx, runID, StatusSuccess, encoded, "")
}

// Fail finishes a run with an error.
func (t *Tracker) Fail(ctx context.Context, runID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return t.finish(ctx, runID, StatusFailure, nil, msg)
}

// Revoke requests cooperative cancellation. The run's context is canceled
// immediately; the run reaches the revoked state once the executing goroutine
// observes the cancellation, or right away if it was still pending.
func (t *Tracker) Revoke(ctx context.Context, runID string) error {
	t.mu.Lock()
	sess, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return ErrRunNotFound
	}
	if sess.run.Status.IsTerminal() {
		t.mu.Unlock()
		return ErrRunFinished
	}
	cancel := sess.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	common.Logger().Info("pipeline: revocation requested", "run", runID)
	return nil
}

// MarkRevoked records the revoked terminal state. Called by the executing
// goroutine when it observes its context canceled.
func (t *Tracker) MarkRevoked(ctx context.Context, runID string) error {
	return t.finish(ctx, runID, StatusRevoked, nil, "revoked by request")
}

// Get returns a snapshot of the run, falling back to the catalog for runs
// that are no longer held in memory.
func (t *Tracker) Get(ctx context.Context, runID string) (Run, error) {
	t.mu.Lock()
	if sess, ok := t.runs[runID]; ok {
		snapshot := sess.run
		t.mu.Unlock()
		return snapshot, nil
	}
	t.mu.Unlock()
	row, err := t.store.RunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, catalog.ErrRunNotFound) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	return runFromRow(row), nil
}

// Recent lists runs newest first.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := t.store.RecentRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, runFromRow(row))
	}
	return runs, nil
}

// Cleanup deletes terminal runs older than the retention window and drops
// their in-memory sessions.
func (t *Tracker) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	deleted, err := t.store.DeleteExpiredRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	for id, sess := range t.runs {
		if sess.run.Status.IsTerminal() && sess.run.CompletedAt != nil && sess.run.CompletedAt.Before(cutoff) {
			delete(t.runs, id)
		}
	}
	t.mu.Unlock()
	if deleted > 0 {
		common.Logger().Info("pipeline: expired runs removed", "count", deleted)
	}
	return deleted, nil
}

func (t *Tracker) transition(ctx context.Context, runID string, next Status, mutate func(*Run)) error {
	t.mu.Lock()
	sess, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return ErrRunNotFound
	}
	if sess.run.Status.IsTerminal() {
		t.mu.Unlock()
		return ErrRunFinished
	}
	if !sess.run.Status.canAdvanceTo(next) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.run.Status, next)
	}
	sess.run.Status = next
	mutate(&sess.run)
	snapshot := sess.run
	t.mu.Unlock()
	return t.persist(ctx, snapshot)
}

func (t *Tracker) finish(ctx context.Context, runID string, final Status, result json.RawMessage, errText string) error {
	t.mu.Lock()
	sess, ok := t.runs[runID]
	if !ok {
		t.mu.Unlock()
		return ErrRunNotFound
	}
	if sess.run.Status.IsTerminal() {
		t.mu.Unlock()
		return ErrRunFinished
	}
	now := time.Now().UTC()
	sess.run.Status = final
	sess.run.CompletedAt = &now
	if sess.run.StartedAt != nil {
		sess.run.Duration = now.Sub(*sess.run.StartedAt)
		sess.run.DurationMS = sess.run.Duration.Milliseconds()
	}
	if result != nil {
		sess.run.Result = result
	}
	sess.run.Error = errText
	if sess.cancel != nil {
		sess.cancel()
		sess.cancel = nil
	}
	snapshot := sess.run
	t.mu.Unlock()
	telemetry.RecordStageRun(snapshot.TaskName, string(final))
	return t.persist(ctx, snapshot)
}

func (t *Tracker) persist(ctx context.Context, run Run) error {
	if err := t.store.UpdateRun(ctx, rowFromRun(run)); err != nil {
		common.Logger().Warn("pipeline: run persistence failed", "run", run.ID, "error", err)
		return err
	}
	return nil
}

func rowFromRun(run Run) catalog.RunRow {
	params := "{}"
	if len(run.Parameters) > 0 {
		if data, err := json.Marshal(run.Parameters); err == nil {
			params = string(data)
		}
	}
	row := catalog.RunRow{
		RunID:       run.ID,
		TaskName:    run.TaskName,
		TaskKind:    run.Kind,
		Status:      string(run.Status),
		StepIndex:   run.StepIndex,
		StepTotal:   run.StepTotal,
		StepMessage: run.StepMessage,
		Result:      string(run.Result),
		ErrorText:   run.Error,
		TriggeredBy: run.TriggeredBy,
		Parameters:  params,
	}
	if run.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *run.StartedAt, Valid: true}
	}
	if run.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
		row.DurationMS = sql.NullInt64{Int64: run.DurationMS, Valid: true}
	}
	return row
}

func runFromRow(row catalog.RunRow) Run {
	run := Run{
		ID:          row.RunID,
		TaskName:    row.TaskName,
		Kind:        row.TaskKind,
		Status:      Status(row.Status),
		StepIndex:   row.StepIndex,
		StepTotal:   row.StepTotal,
		StepMessage: row.StepMessage,
		Error:       row.ErrorText,
		TriggeredBy: row.TriggeredBy,
	}
	if row.Result != "" {
		run.Result = json.RawMessage(row.Result)
	}
	if row.Parameters != "" && row.Parameters != "{}" {
		var params map[string]string
		if err := json.Unmarshal([]byte(row.Parameters), &params); err == nil {
			run.Parameters = params
		}
	}
	if row.StartedAt.Valid {
		started := row.StartedAt.Time
		run.StartedAt = &started
	}
	if row.CompletedAt.Valid {
		completed := row.CompletedAt.Time
		run.CompletedAt = &completed
	}
	if row.DurationMS.Valid {
		run.DurationMS = row.DurationMS.Int64
		run.Duration = time.Duration(row.DurationMS.Int64) * time.Millisecond
	}
	return run
}
