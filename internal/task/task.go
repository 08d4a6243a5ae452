package task

import (
	"time"
)

type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

func (s State) Valid() bool {
	switch s {
	case StateQueued, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// MaxLabelLength bounds the human-readable task name.
const MaxLabelLength = 255

// Task is a unit of schedulable, executable work.
//
// The payload is opaque to the engine and passed to the work unit unmodified.
// Priority is advisory only: the gate admits strictly in arrival order.
type Task struct {
	ID              string         `json:"id"`
	Label           string         `json:"label"`
	Payload         map[string]any `json:"payload,omitempty"`
	Priority        Priority       `json:"priority"`
	State           State          `json:"state"`
	SchedulePattern string         `json:"schedule_pattern,omitempty"`
	IsRecurring     bool           `json:"is_recurring"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	Attempts        int            `json:"attempts"`
	LastDurationMs  int64          `json:"last_duration_ms,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns an independent snapshot of the task. Layers exchange clones so
// a mutation in one component can never leak into another through a shared map.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	cp.NextRunAt = cloneTime(t.NextRunAt)
	cp.LastRunAt = cloneTime(t.LastRunAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ExecutionRecord is one entry of a task's execution history.
type ExecutionRecord struct {
	Outcome    Outcome   `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}
