package engine

import (
	"context"
	"sync"

	"github.com/plturrell/procflow/pkg/schema"
)

// ValidRunTransitions defines the allowed lifecycle transitions for runs.
var ValidRunTransitions = map[schema.RunState][]schema.RunState{
	schema.RunStatePending:   {schema.RunStateRunning, schema.RunStateCancelled},
	schema.RunStateRunning:   {schema.RunStatePaused, schema.RunStateCompleted, schema.RunStateFailed, schema.RunStateCancelled},
	schema.RunStatePaused:    {schema.RunStateRunning, schema.RunStateCancelled, schema.RunStateFailed},
	schema.RunStateCompleted: {},
	schema.RunStateFailed:    {},
	schema.RunStateCancelled: {},
}

// RunFSM validates run lifecycle transitions and emits the matching event
// through the recorder. The caller owns persisting the new state.
type RunFSM struct {
	mu       sync.Mutex
	recorder *Recorder
}

// NewRunFSM creates a RunFSM that emits transition events via the recorder.
func NewRunFSM(recorder *Recorder) *RunFSM {
	return &RunFSM{recorder: recorder}
}

// Transition validates and records a run state transition.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if from == schema.RunStatePaused && to == schema.RunStateRunning {
		eventType = schema.EventRunResumed
	}
	if eventType != "" {
		f.recorder.Event(ctx, runID, "", eventType, nil)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunState) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunState) string {
	switch to {
	case schema.RunStateRunning:
		return schema.EventRunStarted
	case schema.RunStatePaused:
		return schema.EventRunPaused
	case schema.RunStateCompleted:
		return schema.EventRunCompleted
	case schema.RunStateFailed:
		return schema.EventRunFailed
	case schema.RunStateCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}
