package store

import (
	"context"
	"errors"

	"github.com/plturrell/procflow/pkg/schema"
)

// Store defines the persistence layer contract for the execution engine.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step history (append-only)
	AppendStepExecution(ctx context.Context, se *StepExecution) error
	FinishStepExecution(ctx context.Context, id int64, status schema.StepExecutionStatus, result, errJSON []byte) error
	ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error)

	// Run log (append-only, sequenced per run)
	AppendLog(ctx context.Context, entry *LogEntry) error
	GetLogs(ctx context.Context, runID string, since int64) ([]*LogEntry, error)

	// User tasks
	CreateUserTask(ctx context.Context, task *UserTask) error
	GetUserTask(ctx context.Context, id string) (*UserTask, error)
	UpdateUserTask(ctx context.Context, id string, status string, result []byte, reason string) error
	ListUserTasks(ctx context.Context, filter UserTaskFilter) ([]*UserTask, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	var ee *schema.EngineError
	return errors.As(err, &ee) && ee.Code == schema.ErrCodeNotFound
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// Unavailable wraps a low-level store failure in the engine error taxonomy.
// Errors that already carry an engine code, such as not-found or a duplicate
// run ID, pass through unchanged instead of being misreported as an outage.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "store %s failed", op).WithCause(err)
}
