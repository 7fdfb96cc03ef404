package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/plturrell/procflow/pkg/schema"
)

// MemoryStore is an in-memory Store implementation. It backs tests and serves
// as the engine's write-through cache when no durable store is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	runs          map[string]*Run
	executions    map[string][]*StepExecution // run_id -> ordered history
	logs          map[string][]*LogEntry      // run_id -> ordered log
	userTasks     map[string]*UserTask
	scheduledRuns map[string]*ScheduledRun
	nextExecID    int64
	nextLogID     int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:          make(map[string]*Run),
		executions:    make(map[string][]*StepExecution),
		logs:          make(map[string][]*LogEntry),
		userTasks:     make(map[string]*UserTask),
		scheduledRuns: make(map[string]*ScheduledRun),
	}
}

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "run %q already exists", run.ID)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return storeNotFound("run", id)
	}
	if update.State != nil {
		run.State = *update.State
	}
	if update.Output != nil {
		out := make(map[string]any, len(update.Output))
		for k, v := range update.Output {
			out[k] = v
		}
		run.Output = out
	}
	if update.CurrentStep != nil {
		run.CurrentStep = *update.CurrentStep
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.EndedAt != nil {
		run.EndedAt = update.EndedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*Run
	for _, run := range s.runs {
		if filter.State != nil && run.State != *filter.State {
			continue
		}
		if filter.PlanID != "" && run.PlanID != filter.PlanID {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// --- Step executions ---

func (s *MemoryStore) AppendStepExecution(ctx context.Context, se *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExecID++
	se.ID = s.nextExecID
	if se.StartedAt.IsZero() {
		se.StartedAt = time.Now().UTC()
	}
	cp := *se
	s.executions[se.RunID] = append(s.executions[se.RunID], &cp)
	return nil
}

func (s *MemoryStore) FinishStepExecution(ctx context.Context, id int64, status schema.StepExecutionStatus, result, errJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, history := range s.executions {
		for _, se := range history {
			if se.ID != id {
				continue
			}
			if se.EndedAt != nil {
				return storeNotFound("step_execution", "finished")
			}
			now := time.Now().UTC()
			se.Status = status
			se.Result = result
			se.Error = errJSON
			se.EndedAt = &now
			return nil
		}
	}
	return storeNotFound("step_execution", "unknown")
}

func (s *MemoryStore) ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.executions[runID]
	out := make([]*StepExecution, len(history))
	for i, se := range history {
		cp := *se
		out[i] = &cp
	}
	return out, nil
}

// --- Run log ---

func (s *MemoryStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	entry.ID = s.nextLogID
	entry.Sequence = int64(len(s.logs[entry.RunID])) + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	cp := *entry
	s.logs[entry.RunID] = append(s.logs[entry.RunID], &cp)
	return nil
}

func (s *MemoryStore) GetLogs(ctx context.Context, runID string, since int64) ([]*LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LogEntry
	for _, e := range s.logs[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- User tasks ---

func (s *MemoryStore) CreateUserTask(ctx context.Context, task *UserTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	cp := *task
	s.userTasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUserTask(ctx context.Context, id string) (*UserTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.userTasks[id]
	if !ok {
		return nil, storeNotFound("user_task", id)
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) UpdateUserTask(ctx context.Context, id string, status string, result []byte, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.userTasks[id]
	if !ok || task.Status != UserTaskPending {
		return storeNotFound("user_task", id)
	}
	task.Status = status
	task.Result = result
	task.Reason = reason
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListUserTasks(ctx context.Context, filter UserTaskFilter) ([]*UserTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*UserTask
	for _, task := range s.userTasks {
		if filter.RunID != "" && task.RunID != filter.RunID {
			continue
		}
		if filter.Assignee != "" && task.Assignee != filter.Assignee {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		cp := *task
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

// --- Scheduled runs ---

func (s *MemoryStore) CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr.CreatedAt.IsZero() {
		sr.CreatedAt = time.Now().UTC()
	}
	cp := *sr
	s.scheduledRuns[sr.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.scheduledRuns[id]
	if !ok {
		return nil, storeNotFound("scheduled_run", id)
	}
	cp := *sr
	return &cp, nil
}

func (s *MemoryStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.scheduledRuns[id]
	if !ok {
		return storeNotFound("scheduled_run", id)
	}
	if update.Enabled != nil {
		sr.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		sr.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sr.NextRunAt = update.NextRunAt
	}
	return nil
}

func (s *MemoryStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scheduled []*ScheduledRun
	for _, sr := range s.scheduledRuns {
		if filter.Enabled != nil && sr.Enabled != *filter.Enabled {
			continue
		}
		cp := *sr
		scheduled = append(scheduled, &cp)
	}
	sort.Slice(scheduled, func(i, j int) bool { return scheduled[i].CreatedAt.Before(scheduled[j].CreatedAt) })
	if filter.Limit > 0 && len(scheduled) > filter.Limit {
		scheduled = scheduled[:filter.Limit]
	}
	return scheduled, nil
}

func (s *MemoryStore) DeleteScheduledRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduledRuns[id]; !ok {
		return storeNotFound("scheduled_run", id)
	}
	delete(s.scheduledRuns, id)
	return nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
