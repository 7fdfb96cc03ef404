package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/pkg/schema"
)

// runUserTask creates a pending UserTask for the step and polls it until a
// human moves it to completed or rejected, the step timeout fires, or the run
// is cancelled. The poll interval and default timeout come from the engine
// config; the step may set its own timeout.
func (e *Engine) runUserTask(ctx context.Context, h *runHandle, step schema.Step) (any, error) {
	timeout := parseTimeout(step.Timeout, e.config.UserTaskTimeout)

	var payload json.RawMessage
	if b, err := json.Marshal(e.mergedContext(h)); err == nil {
		payload = b
	}

	task := &store.UserTask{
		ID:       uuid.NewString(),
		RunID:    h.runID,
		StepID:   step.ID,
		Title:    step.Name,
		Assignee: step.Assignee,
		Payload:  payload,
		Status:   store.UserTaskPending,
	}
	if err := e.store.CreateUserTask(ctx, task); err != nil {
		// Without a persisted task there is nothing for the human surface to
		// complete, so the step cannot proceed.
		return nil, store.Unavailable("create user task", err)
	}

	e.recorder.Event(ctx, h.runID, step.ID, schema.EventUserTaskCreated, map[string]any{
		"task_id":  task.ID,
		"assignee": task.Assignee,
		"timeout":  timeout.String(),
	})

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.config.UserTaskPoll)
	defer ticker.Stop()

	for {
		select {
		case <-h.cancelCh:
			return nil, errCancelled
		case <-ticker.C:
			latest, err := e.store.GetUserTask(ctx, task.ID)
			if err != nil {
				// Transient store trouble: keep polling until the deadline.
				e.logger.WarnContext(ctx, "poll user task failed",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()))
			} else {
				switch latest.Status {
				case store.UserTaskCompleted:
					return decodeTaskResult(latest.Result), nil
				case store.UserTaskRejected:
					return nil, schema.NewErrorf(schema.ErrCodeUserTaskRejected,
						"user task %q rejected: %s", task.ID, latest.Reason).
						WithStep(step.ID).
						WithDetails(map[string]any{"task_id": task.ID, "reason": latest.Reason})
				}
			}
			if time.Now().After(deadline) {
				return nil, schema.NewErrorf(schema.ErrCodeUserTaskTimeout,
					"user task %q not completed within %s", task.ID, timeout).
					WithStep(step.ID).
					WithDetails(map[string]any{"task_id": task.ID, "timeout": timeout.String()})
			}
		}
	}
}

func decodeTaskResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
