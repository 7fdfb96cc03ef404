package schema

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStatePaused    RunState = "paused"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// StepExecutionStatus represents the lifecycle state of one step attempt.
type StepExecutionStatus string

const (
	StepExecutionRunning   StepExecutionStatus = "running"
	StepExecutionCompleted StepExecutionStatus = "completed"
	StepExecutionFailed    StepExecutionStatus = "failed"
)

// Event type constants for the run event stream and log.
const (
	EventRunStarted   = "run_started"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventUserTaskCreated    = "user_task_created"
	EventConditionEvaluated = "condition_evaluated"
	EventBranchStarted      = "branch_started"
	EventBranchCompleted    = "branch_completed"
)
