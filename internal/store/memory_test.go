package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/pkg/schema"
)

func testPlan() schema.Plan {
	return schema.Plan{ID: "plan-1", Steps: []schema.Step{
		{ID: "start", Type: schema.StepTypeStart},
		{ID: "end", Type: schema.StepTypeEnd},
	}}
}

func TestMemoryStore_RunLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run := &Run{
		ID:     "run-1",
		PlanID: "plan-1",
		Plan:   testPlan(),
		State:  schema.RunStatePending,
		Input:  map[string]any{"amount": 100.0},
		Output: map[string]any{},
	}
	require.NoError(t, s.CreateRun(ctx, run))

	// Duplicate IDs are rejected.
	err := s.CreateRun(ctx, &Run{ID: "run-1"})
	require.Error(t, err)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatePending, got.State)
	assert.Equal(t, 100.0, got.Input["amount"])
	assert.False(t, got.CreatedAt.IsZero())

	running := schema.RunStateRunning
	step := "start"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, "run-1", RunUpdate{
		State:       &running,
		CurrentStep: &step,
		StartedAt:   &now,
	}))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateRunning, got.State)
	assert.Equal(t, "start", got.CurrentStep)
	require.NotNil(t, got.StartedAt)
}

func TestMemoryStore_GetRunNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestMemoryStore_ListRunsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, st := range []schema.RunState{schema.RunStateCompleted, schema.RunStateFailed, schema.RunStateCompleted} {
		require.NoError(t, s.CreateRun(ctx, &Run{
			ID:        "run-" + string(rune('a'+i)),
			PlanID:    "plan-1",
			State:     st,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	completed := schema.RunStateCompleted
	runs, err := s.ListRuns(ctx, RunFilter{State: &completed})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	// Newest first, limit applies after sorting.
	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-c", runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{Offset: 2})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-a", runs[0].ID)
}

func TestMemoryStore_StepExecutions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	se := &StepExecution{RunID: "run-1", StepID: "work", Type: schema.StepTypeServiceTask, Status: schema.StepExecutionRunning}
	require.NoError(t, s.AppendStepExecution(ctx, se))
	assert.NotZero(t, se.ID)

	result, _ := json.Marshal(map[string]any{"score": 0.9})
	require.NoError(t, s.FinishStepExecution(ctx, se.ID, schema.StepExecutionCompleted, result, nil))

	// A finished record cannot be finished again.
	err := s.FinishStepExecution(ctx, se.ID, schema.StepExecutionFailed, nil, nil)
	require.Error(t, err)

	history, err := s.ListStepExecutions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StepExecutionCompleted, history[0].Status)
	assert.JSONEq(t, `{"score":0.9}`, string(history[0].Result))
	require.NotNil(t, history[0].EndedAt)
}

func TestMemoryStore_LogSequencing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendLog(ctx, &LogEntry{RunID: "run-1", Message: "step_started"}))
	}
	require.NoError(t, s.AppendLog(ctx, &LogEntry{RunID: "run-2", Message: "run_started"}))

	entries, err := s.GetLogs(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence, "sequence is contiguous per run")
	}

	// Sequences are scoped to the run, not global.
	entries, err = s.GetLogs(ctx, "run-2", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Sequence)

	entries, err = s.GetLogs(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].Sequence)
}

func TestMemoryStore_UserTaskLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &UserTask{
		ID:       "task-1",
		RunID:    "run-1",
		StepID:   "approve",
		Assignee: "ops",
		Status:   UserTaskPending,
	}
	require.NoError(t, s.CreateUserTask(ctx, task))

	result, _ := json.Marshal(map[string]any{"approved": true})
	require.NoError(t, s.UpdateUserTask(ctx, "task-1", UserTaskCompleted, result, ""))

	got, err := s.GetUserTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, UserTaskCompleted, got.Status)
	assert.JSONEq(t, `{"approved":true}`, string(got.Result))

	// A resolved task cannot be resolved again.
	err = s.UpdateUserTask(ctx, "task-1", UserTaskRejected, nil, "too late")
	require.Error(t, err)
}

func TestMemoryStore_ListUserTasksFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateUserTask(ctx, &UserTask{ID: "t1", RunID: "r1", Assignee: "ops", Status: UserTaskPending}))
	require.NoError(t, s.CreateUserTask(ctx, &UserTask{ID: "t2", RunID: "r1", Assignee: "finance", Status: UserTaskPending}))
	require.NoError(t, s.CreateUserTask(ctx, &UserTask{ID: "t3", RunID: "r2", Assignee: "ops", Status: UserTaskCompleted}))

	tasks, err := s.ListUserTasks(ctx, UserTaskFilter{RunID: "r1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = s.ListUserTasks(ctx, UserTaskFilter{Assignee: "ops", Status: UserTaskPending})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestMemoryStore_ScheduledRuns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sr := &ScheduledRun{ID: "sched-1", Plan: testPlan(), Cron: "0 9 * * 1", Enabled: true}
	require.NoError(t, s.CreateScheduledRun(ctx, sr))

	got, err := s.GetScheduledRun(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * 1", got.Cron)

	disabled := false
	require.NoError(t, s.UpdateScheduledRun(ctx, "sched-1", ScheduledRunUpdate{Enabled: &disabled}))

	enabled := true
	list, err := s.ListScheduledRuns(ctx, ScheduledRunFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteScheduledRun(ctx, "sched-1"))
	_, err = s.GetScheduledRun(ctx, "sched-1")
	assert.True(t, IsNotFound(err))
}

func TestMemoryStore_CopiesOnRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "run-1", State: schema.RunStatePending}))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	got.State = schema.RunStateFailed

	again, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatePending, again.State, "mutating a returned run must not affect the store")
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable("get run", nil))

	nf := storeNotFound("run", "r1")
	assert.True(t, IsNotFound(Unavailable("get run", nf)), "not-found passes through unchanged")

	dup := schema.NewError(schema.ErrCodeValidation, "run already exists")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(Unavailable("create run", dup)),
		"coded errors keep their code instead of becoming an outage")

	wrapped := Unavailable("update run", errors.New("disk full"))
	require.Error(t, wrapped)
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(wrapped))
	assert.ErrorContains(t, wrapped, "update run")
}
