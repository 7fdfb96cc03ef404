package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plturrell/procflow/internal/capability"
	"github.com/plturrell/procflow/internal/expressions"
	"github.com/plturrell/procflow/internal/logging"
	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/internal/streaming"
	"github.com/plturrell/procflow/pkg/schema"
)

// Supervisor is the public surface of the execution engine. Execute launches
// a run asynchronously; Status and the control operations address it by run ID.
type Supervisor interface {
	Execute(ctx context.Context, plan *schema.Plan, input map[string]any, opts Options) (string, error)
	Status(ctx context.Context, runID string) (*RunStatus, error)
	Pause(ctx context.Context, runID string) (schema.RunState, error)
	Resume(ctx context.Context, runID string) (schema.RunState, error)
	Cancel(ctx context.Context, runID string) (schema.RunState, error)
	Watch(ctx context.Context, runID string) (<-chan streaming.RunEvent, func(), error)
	Shutdown(ctx context.Context) error
}

// Options customizes a single Execute call.
type Options struct {
	RunID string // explicit run ID; a UUID is generated when empty
}

// RunStatus is a point-in-time snapshot of a run for querying.
type RunStatus struct {
	RunID       string              `json:"run_id"`
	State       schema.RunState     `json:"state"`
	CurrentStep string              `json:"current_step,omitempty"`
	Progress    float64             `json:"progress"` // 0..100, completed leaf steps over total
	Output      map[string]any      `json:"output,omitempty"`
	Error       *schema.EngineError `json:"error,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	Duration    time.Duration       `json:"duration,omitempty"`
}

// Defaults for the engine configuration.
const (
	DefaultPoolSize        = 10
	DefaultUserTaskPoll    = 5 * time.Second
	DefaultUserTaskTimeout = 24 * time.Hour
)

// Config holds tunables for the engine.
type Config struct {
	PoolSize        int           // max concurrent branch goroutines
	UserTaskPoll    time.Duration // user task poll interval
	UserTaskTimeout time.Duration // default user task timeout
	ScriptTimeout   time.Duration // default script timeout (zero = package default)
	InvokeTimeout   time.Duration // default capability call timeout (zero = package default)
}

// Engine is the concrete Supervisor implementation.
type Engine struct {
	store      store.Store
	fsm        *RunFSM
	recorder   *Recorder
	hub        streaming.EventHub
	invoker    *capability.Invoker
	conditions *expressions.ConditionEvaluator
	scripts    *expressions.ScriptRunner
	pool       *WorkerPool
	config     Config
	logger     *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]*runHandle

	// walks tracks in-flight walk goroutines for Shutdown.
	walks sync.WaitGroup
}

// runHandle tracks a single in-flight run. Control requests are cooperative:
// the walker observes them at step boundaries, never mid-step.
type runHandle struct {
	runID string
	plan  *schema.Plan

	cancelCh   chan struct{}
	cancelOnce sync.Once

	mu              sync.Mutex
	resumeCh        chan struct{} // non-nil only while the walk is parked at a pause
	state           schema.RunState
	pauseRequested  bool
	currentStep     string
	input           map[string]any
	output          map[string]any
	outputOwner     map[string]string // output key -> step ID that wrote it
	lastErr         *schema.EngineError
	startedAt       *time.Time
	endedAt         *time.Time
	totalLeaves     int
	completedLeaves int
}

// NewEngine creates a Supervisor wired to the given collaborators.
// hub may be nil to disable streaming.
func NewEngine(s store.Store, registry *capability.Registry, hub streaming.EventHub, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.UserTaskPoll <= 0 {
		cfg.UserTaskPoll = DefaultUserTaskPoll
	}
	if cfg.UserTaskTimeout <= 0 {
		cfg.UserTaskTimeout = DefaultUserTaskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	recorder := NewRecorder(s, hub, logger)

	return &Engine{
		store:      s,
		fsm:        NewRunFSM(recorder),
		recorder:   recorder,
		hub:        hub,
		invoker:    capability.NewInvoker(registry, cfg.InvokeTimeout),
		conditions: expressions.NewConditionEvaluator(celEngine),
		scripts: expressions.NewScriptRunner(cfg.ScriptTimeout,
			expressions.NewExprEngine(), expressions.NewGoJQEngine(), celEngine),
		pool:    NewWorkerPool(cfg.PoolSize),
		config:  cfg,
		logger:  logger,
		running: make(map[string]*runHandle),
	}, nil
}

// Execute validates the plan, persists a pending run, and launches the walk
// asynchronously. It returns the run ID immediately.
func (e *Engine) Execute(ctx context.Context, plan *schema.Plan, input map[string]any, opts Options) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	run := &store.Run{
		ID:     runID,
		PlanID: plan.ID,
		Plan:   *plan,
		State:  schema.RunStatePending,
		Input:  input,
		Output: map[string]any{},
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", store.Unavailable("create run", err)
	}

	h := &runHandle{
		runID:       runID,
		plan:        plan,
		cancelCh:    make(chan struct{}),
		state:       schema.RunStatePending,
		input:       input,
		output:      map[string]any{},
		outputOwner: map[string]string{},
		totalLeaves: plan.LeafCount(),
	}

	e.mu.Lock()
	e.running[runID] = h
	e.mu.Unlock()

	e.walks.Add(1)
	go func() {
		defer e.walks.Done()
		// The walk outlives the Execute call; it carries its own context.
		walkCtx := logging.WithRunID(context.Background(), runID)
		e.walk(walkCtx, h)
	}()

	return runID, nil
}

// Status returns a snapshot of the run. Live runs are served from the
// in-memory handle, so a store outage never hides a run in flight. Finished
// runs are read back from the store.
func (e *Engine) Status(ctx context.Context, runID string) (*RunStatus, error) {
	e.mu.Lock()
	h, live := e.running[runID]
	e.mu.Unlock()

	if live {
		return h.snapshot(), nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, store.Unavailable("get run", err)
	}

	status := &RunStatus{
		RunID:       run.ID,
		State:       run.State,
		CurrentStep: run.CurrentStep,
		Output:      run.Output,
		StartedAt:   run.StartedAt,
	}
	if len(run.Error) > 0 {
		var ee schema.EngineError
		if json.Unmarshal(run.Error, &ee) == nil {
			status.Error = &ee
		}
	}
	if run.StartedAt != nil {
		end := time.Now().UTC()
		if run.EndedAt != nil {
			end = *run.EndedAt
		}
		status.Duration = end.Sub(*run.StartedAt)
	}
	status.Progress = e.storedProgress(ctx, run)
	return status, nil
}

// storedProgress derives the progress percentage of a non-live run from its
// step history. Completed runs report 100 regardless of how many plan steps
// the gateway routing actually visited.
func (e *Engine) storedProgress(ctx context.Context, run *store.Run) float64 {
	if run.State == schema.RunStateCompleted {
		return 100
	}
	total := run.Plan.LeafCount()
	if total == 0 {
		return 0
	}
	history, err := e.store.ListStepExecutions(ctx, run.ID)
	if err != nil {
		return 0
	}
	completed := 0
	for _, se := range history {
		if se.Status == schema.StepExecutionCompleted && se.Type != schema.StepTypeParallelGateway {
			completed++
		}
	}
	return 100 * float64(completed) / float64(total)
}

// Pause requests a cooperative pause. The run transitions at its next step
// boundary; in-flight step work is never discarded. Terminal runs report
// their actual state.
func (e *Engine) Pause(ctx context.Context, runID string) (schema.RunState, error) {
	h, state, err := e.liveHandle(ctx, runID)
	if err != nil || h == nil {
		return state, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return h.state, nil
	}
	h.pauseRequested = true
	return schema.RunStatePaused, nil
}

// Resume clears a pending pause request and releases a parked run. Resuming a
// run that never paused is a no-op; it must not bank a release that would let
// a later pause slip past its step boundary. Terminal runs report their
// actual state.
func (e *Engine) Resume(ctx context.Context, runID string) (schema.RunState, error) {
	h, state, err := e.liveHandle(ctx, runID)
	if err != nil || h == nil {
		return state, err
	}

	h.mu.Lock()
	if h.state.Terminal() {
		defer h.mu.Unlock()
		return h.state, nil
	}
	h.pauseRequested = false
	parked := h.resumeCh
	h.resumeCh = nil
	h.mu.Unlock()

	if parked != nil {
		close(parked)
	}
	return schema.RunStateRunning, nil
}

// Cancel requests a cooperative cancel. The walker terminates the run at the
// next step boundary, retaining all output accumulated so far. Terminal runs
// report their actual state.
func (e *Engine) Cancel(ctx context.Context, runID string) (schema.RunState, error) {
	h, state, err := e.liveHandle(ctx, runID)
	if err != nil || h == nil {
		return state, err
	}

	h.mu.Lock()
	if h.state.Terminal() {
		defer h.mu.Unlock()
		return h.state, nil
	}
	h.mu.Unlock()

	h.cancelOnce.Do(func() { close(h.cancelCh) })
	return schema.RunStateCancelled, nil
}

// Watch subscribes to the run's event stream.
func (e *Engine) Watch(ctx context.Context, runID string) (<-chan streaming.RunEvent, func(), error) {
	if e.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "event streaming is disabled")
	}
	return e.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
}

// Shutdown waits for in-flight walks to reach a step boundary and finish or
// park. It does not cancel runs; callers who want that issue Cancel first.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.walks.Wait()
		e.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// liveHandle resolves a control operation's target. For runs that are no
// longer in memory it reads the stored record: terminal runs turn control ops
// into no-ops reporting the terminal state, anything else is not controllable.
func (e *Engine) liveHandle(ctx context.Context, runID string) (*runHandle, schema.RunState, error) {
	e.mu.Lock()
	h, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		return h, "", nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, "", store.Unavailable("get run", err)
	}
	if run.State.Terminal() {
		return nil, run.State, nil
	}
	return nil, "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"run %q is recorded as %s but is not executing in this process", runID, run.State)
}

// snapshot builds a RunStatus from the in-memory handle.
func (h *runHandle) snapshot() *RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := &RunStatus{
		RunID:       h.runID,
		State:       h.state,
		CurrentStep: h.currentStep,
		Output:      copyMap(h.output),
		Error:       h.lastErr,
		StartedAt:   h.startedAt,
	}
	if h.totalLeaves > 0 {
		status.Progress = 100 * float64(h.completedLeaves) / float64(h.totalLeaves)
	}
	if h.state == schema.RunStateCompleted {
		status.Progress = 100
	}
	if h.startedAt != nil {
		end := time.Now().UTC()
		if h.endedAt != nil {
			end = *h.endedAt
		}
		status.Duration = end.Sub(*h.startedAt)
	}
	return status
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

var _ Supervisor = (*Engine)(nil)
