// File path: internal/pipeline/run.go
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a pipeline run. Transitions are
// monotonic: pending -> started -> progress (repeatable) -> one terminal
// state. A terminal run never changes again.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarted  Status = "started"
	StatusProgress Status = "progress"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusRevoked  Status = "revoked"
)

var statusRank = map[Status]int{
	StatusPending:  0,
	StatusStarted:  1,
	StatusProgress: 2,
	StatusSuccess:  3,
	StatusFailure:  3,
	StatusRevoked:  3,
}

// IsTerminal reports whether a run in this status is finished.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

func (s Status) canAdvanceTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	currentRank, ok := statusRank[s]
	if !ok {
		return false
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	if next == StatusProgress {
		// Progress may repeat any number of times before a terminal state.
		return currentRank <= statusRank[StatusProgress]
	}
	return nextRank > currentRank
}

// Stage names accepted by the trigger endpoints.
const (
	StageSync     = "sync"
	StageParse    = "parse"
	StageEnhance  = "enhance"
	StageEmbed    = "embed"
	TaskWorkflow  = "workflow"
	KindStage     = "stage"
	KindWorkflow  = "workflow"
	workflowSteps = 4
)

// StageNames lists the individually triggerable stages in execution order.
func StageNames() []string {
	return []string{StageSync, StageParse, StageEnhance, StageEmbed}
}

// ValidStage reports whether name is a known stage.
func ValidStage(name string) bool {
	for _, stage := range StageNames() {
		if stage == name {
			return true
		}
	}
	return false
}

// Run is the tracked execution of a stage or a composite workflow.
type Run struct {
	ID          string            `json:"id"`
	TaskName    string            `json:"task_name"`
	Kind        string            `json:"kind"`
	Status      Status            `json:"status"`
	StepIndex   int               `json:"step_index,omitempty"`
	StepTotal   int               `json:"step_total,omitempty"`
	StepMessage string            `json:"step_message,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"-"`
	DurationMS  int64             `json:"duration_ms,omitempty"`
}

// StageOutcome is the per-stage entry in a workflow run's result envelope.
// The envelope itself succeeds as long as the orchestrator survives; each
// stage's own failure is isolated here under its step key.
type StageOutcome struct {
	Stage  string `json:"stage"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

// stepKey builds the workflow step identifier, e.g. "1_sync".
func stepKey(index int, stage string) string {
	return fmt.Sprintf("%d_%s", index, stage)
}
