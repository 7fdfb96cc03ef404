package store

import (
	"encoding/json"
	"time"

	"github.com/plturrell/procflow/pkg/schema"
)

// Run is the persisted record of one execution of a plan.
// Input is immutable once created; Output and the summary fields are mutable
// through UpdateRun. The step history and logs are append-only side tables.
type Run struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id,omitempty"`
	Plan        schema.Plan     `json:"plan"`
	State       schema.RunState `json:"state"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	CurrentStep string          `json:"current_step,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RunUpdate specifies the mutable summary fields of a run.
// Nil fields are left untouched (last-write-wins on the rest).
type RunUpdate struct {
	State       *schema.RunState `json:"state,omitempty"`
	Output      map[string]any   `json:"output,omitempty"`
	CurrentStep *string          `json:"current_step,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
}

// StepExecution is the record of one attempt to run a plan step within a run.
// Records are appended when a step starts; FinishStepExecution sets the
// terminal status and end time exactly once.
type StepExecution struct {
	ID        int64                      `json:"id"`
	RunID     string                     `json:"run_id"`
	StepID    string                     `json:"step_id"`
	Type      schema.StepType            `json:"type"`
	Status    schema.StepExecutionStatus `json:"status"`
	Path      string                     `json:"path,omitempty"` // "" for the main path, "branch_N" inside a parallel gateway
	Result    json.RawMessage            `json:"result,omitempty"`
	Error     json.RawMessage            `json:"error,omitempty"`
	StartedAt time.Time                  `json:"started_at"`
	EndedAt   *time.Time                 `json:"ended_at,omitempty"`
}

// UserTask is outstanding human work created by a userTask step.
// The engine creates and polls these; an external surface moves them to
// completed or rejected.
type UserTask struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	Title     string          `json:"title,omitempty"`
	Assignee  string          `json:"assignee,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// UserTask status values.
const (
	UserTaskPending   = "pending"
	UserTaskCompleted = "completed"
	UserTaskRejected  = "rejected"
)

// LogEntry is an immutable entry in a run's append-only log, sequenced per run.
type LogEntry struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ScheduledRun is a cron-triggered plan launch.
type ScheduledRun struct {
	ID        string          `json:"id"`
	Plan      schema.Plan     `json:"plan"`
	Cron      string          `json:"cron_expression"`
	Input     json.RawMessage `json:"input,omitempty"`
	Enabled   bool            `json:"enabled"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ScheduledRunUpdate specifies the mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	State  *schema.RunState `json:"state,omitempty"`
	PlanID string           `json:"plan_id,omitempty"`
	Since  *time.Time       `json:"since,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// UserTaskFilter specifies criteria for listing user tasks.
type UserTaskFilter struct {
	RunID    string `json:"run_id,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
