package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/pkg/schema"
)

func newTestFSM(t *testing.T) (*RunFSM, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewRunFSM(NewRecorder(s, nil, nil)), s
}

func TestRunFSM_ValidTransitions(t *testing.T) {
	fsm, _ := newTestFSM(t)
	ctx := context.Background()

	valid := []struct {
		from, to schema.RunState
	}{
		{schema.RunStatePending, schema.RunStateRunning},
		{schema.RunStatePending, schema.RunStateCancelled},
		{schema.RunStateRunning, schema.RunStatePaused},
		{schema.RunStateRunning, schema.RunStateCompleted},
		{schema.RunStateRunning, schema.RunStateFailed},
		{schema.RunStateRunning, schema.RunStateCancelled},
		{schema.RunStatePaused, schema.RunStateRunning},
		{schema.RunStatePaused, schema.RunStateCancelled},
		{schema.RunStatePaused, schema.RunStateFailed},
	}
	for _, tc := range valid {
		assert.NoError(t, fsm.Transition(ctx, "run-1", tc.from, tc.to),
			"%s -> %s should be valid", tc.from, tc.to)
	}
}

func TestRunFSM_InvalidTransitions(t *testing.T) {
	fsm, _ := newTestFSM(t)
	ctx := context.Background()

	invalid := []struct {
		from, to schema.RunState
	}{
		{schema.RunStatePending, schema.RunStatePaused},
		{schema.RunStatePending, schema.RunStateCompleted},
		{schema.RunStateCompleted, schema.RunStateRunning},
		{schema.RunStateFailed, schema.RunStateRunning},
		{schema.RunStateCancelled, schema.RunStateRunning},
		{schema.RunStatePaused, schema.RunStateCompleted},
	}
	for _, tc := range invalid {
		err := fsm.Transition(ctx, "run-1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s should be rejected", tc.from, tc.to)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	}
}

func TestRunFSM_EmitsLifecycleEvents(t *testing.T) {
	fsm, s := newTestFSM(t)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatePending, schema.RunStateRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStateRunning, schema.RunStatePaused))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatePaused, schema.RunStateRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStateRunning, schema.RunStateCompleted))

	entries, err := s.GetLogs(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, schema.EventRunStarted, entries[0].Message)
	assert.Equal(t, schema.EventRunPaused, entries[1].Message)
	assert.Equal(t, schema.EventRunResumed, entries[2].Message)
	assert.Equal(t, schema.EventRunCompleted, entries[3].Message)
}
