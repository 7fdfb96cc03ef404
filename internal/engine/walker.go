package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/pkg/schema"
)

// errCancelled is the internal signal that a cancel request was observed at a
// step boundary. It unwinds the walk without being recorded as a failure.
var errCancelled = errors.New("cancel requested")

// walk drives one run from pending to a terminal state. It owns the handle's
// lifecycle: every state transition and step record is persisted as it
// happens, and the handle is unregistered once the run is terminal.
func (e *Engine) walk(ctx context.Context, h *runHandle) {
	// A cancel that lands before the first transition terminates the run
	// with no step history at all.
	select {
	case <-h.cancelCh:
		e.finish(ctx, h, schema.RunStateCancelled, nil)
		return
	default:
	}

	now := time.Now().UTC()
	h.mu.Lock()
	h.startedAt = &now
	h.mu.Unlock()
	e.transition(ctx, h, schema.RunStateRunning, store.RunUpdate{StartedAt: &now})

	err := e.walkSteps(ctx, h, h.plan.Steps, "")
	switch {
	case errors.Is(err, errCancelled):
		e.finish(ctx, h, schema.RunStateCancelled, nil)
	case err != nil:
		e.finish(ctx, h, schema.RunStateFailed, schema.AsEngineError(err, schema.ErrCodeValidation))
	default:
		e.finish(ctx, h, schema.RunStateCompleted, nil)
	}
}

// walkSteps executes the given step sequence in declared order. An exclusive
// gateway may reroute the walk by returning the ID of another step in the same
// sequence. path is "" for the main plan and "branch_N" inside a parallel
// gateway branch.
func (e *Engine) walkSteps(ctx context.Context, h *runHandle, steps []schema.Step, path string) error {
	for i := 0; i < len(steps); {
		step := steps[i]

		// Control requests are honored between steps, never mid-step.
		// Branch walkers only observe cancel; pausing parks the main walk
		// and the parallel fan-out drains with it.
		if path == "" {
			if err := e.gate(ctx, h); err != nil {
				return err
			}
		} else {
			select {
			case <-h.cancelCh:
				return errCancelled
			default:
			}
		}

		h.mu.Lock()
		h.currentStep = step.ID
		h.mu.Unlock()
		if path == "" {
			e.persistRun(ctx, h, store.RunUpdate{CurrentStep: &step.ID})
		}

		next, err := e.executeStep(ctx, h, step, path)
		if err != nil {
			return err
		}

		if next != "" {
			idx := stepIndexIn(steps, next)
			if idx < 0 {
				return schema.NewErrorf(schema.ErrCodePlanInvalid,
					"gateway %q routes to unknown step %q", step.ID, next).WithStep(step.ID)
			}
			i = idx
			continue
		}
		i++
	}
	return nil
}

// gate applies pending control requests at a main-path step boundary. A pause
// request persists the paused state and parks here until resume or cancel.
// The resume channel is created under the same lock that reads the pause
// request, so Resume can only release a walk that is actually parking.
func (e *Engine) gate(ctx context.Context, h *runHandle) error {
	select {
	case <-h.cancelCh:
		return errCancelled
	default:
	}

	h.mu.Lock()
	if !h.pauseRequested || h.state != schema.RunStateRunning {
		h.mu.Unlock()
		return nil
	}
	resume := make(chan struct{})
	h.resumeCh = resume
	h.mu.Unlock()

	e.transition(ctx, h, schema.RunStatePaused, store.RunUpdate{})

	select {
	case <-resume:
		e.transition(ctx, h, schema.RunStateRunning, store.RunUpdate{})
		return nil
	case <-h.cancelCh:
		h.mu.Lock()
		h.resumeCh = nil
		h.mu.Unlock()
		return errCancelled
	}
}

// runParallel fans the gateway's branches out on the worker pool and waits for
// all of them. The first failure decides the gateway's outcome, but in-flight
// sibling branches always run to completion; their outputs are retained.
func (e *Engine) runParallel(ctx context.Context, h *runHandle, step schema.Step, path string) error {
	if len(step.Branches) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil && err != nil {
			firstErr = err
		} else if errors.Is(firstErr, errCancelled) && err != nil && !errors.Is(err, errCancelled) {
			// A real failure outranks a cancel observed by a sibling.
			firstErr = err
		}
	}

	for bi, branch := range step.Branches {
		branchPath := fmt.Sprintf("branch_%d", bi)
		if path != "" {
			branchPath = path + "/" + branchPath
		}
		branch := branch

		e.recorder.Event(ctx, h.runID, step.ID, schema.EventBranchStarted,
			map[string]any{"path": branchPath})

		wg.Add(1)
		submitErr := e.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			err := e.walkSteps(ctx, h, branch, branchPath)
			payload := map[string]any{"path": branchPath, "ok": err == nil}
			if err != nil && !errors.Is(err, errCancelled) {
				payload["error"] = err.Error()
			}
			e.recorder.Event(ctx, h.runID, step.ID, schema.EventBranchCompleted, payload)
			record(err)
			return err
		})
		if submitErr != nil {
			wg.Done()
			record(schema.NewErrorf(schema.ErrCodeValidation,
				"submit branch %s: %s", branchPath, submitErr.Error()).WithCause(submitErr))
		}
	}

	wg.Wait()
	return firstErr
}

// mergeOutput merges a step's declared output into the run output map. A key
// is owned by the first step that writes it; a different step writing the same
// key is skipped with a warning instead of clobbering earlier results.
func (e *Engine) mergeOutput(ctx context.Context, h *runHandle, stepID, key string, value any) {
	if key == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if owner, taken := h.outputOwner[key]; taken && owner != stepID {
		e.logger.WarnContext(ctx, "output key collision, keeping first writer",
			slog.String("run_id", h.runID),
			slog.String("key", key),
			slog.String("owner", owner),
			slog.String("step_id", stepID))
		return
	}
	h.outputOwner[key] = stepID
	h.output[key] = value
}

// transition moves the run to a new state through the FSM and persists it.
// Persistence is best-effort while the run is live; the in-memory handle
// remains the source of truth for status queries until the run finishes. The
// returned error reports whether the new state actually reached the store.
func (e *Engine) transition(ctx context.Context, h *runHandle, to schema.RunState, update store.RunUpdate) error {
	h.mu.Lock()
	from := h.state
	h.mu.Unlock()

	if err := e.fsm.Transition(ctx, h.runID, from, to); err != nil {
		e.logger.WarnContext(ctx, "run transition rejected", slog.String("error", err.Error()))
		return err
	}

	h.mu.Lock()
	h.state = to
	h.mu.Unlock()

	update.State = &to
	return e.persistRun(ctx, h, update)
}

// finish moves the run to its terminal state, persists the final record, and
// unregisters the handle.
func (e *Engine) finish(ctx context.Context, h *runHandle, final schema.RunState, ee *schema.EngineError) {
	now := time.Now().UTC()

	h.mu.Lock()
	h.endedAt = &now
	if ee != nil {
		h.lastErr = ee
	}
	output := copyMap(h.output)
	h.mu.Unlock()

	var errJSON json.RawMessage
	if ee != nil {
		if b, err := json.Marshal(ee); err == nil {
			errJSON = b
		}
	}

	if err := e.transition(ctx, h, final, store.RunUpdate{
		Output:  output,
		Error:   errJSON,
		EndedAt: &now,
	}); err != nil {
		// The store never saw the terminal record; the handle is the only
		// copy of the outcome, so it stays registered and keeps serving
		// status queries.
		e.logger.ErrorContext(ctx, "terminal run state not persisted, serving from memory",
			slog.String("run_id", h.runID),
			slog.String("state", string(final)))
		return
	}

	e.mu.Lock()
	delete(e.running, h.runID)
	e.mu.Unlock()
}

// persistRun applies a run update, logging instead of failing when the store
// is unavailable. A store outage degrades durability, not the run itself.
func (e *Engine) persistRun(ctx context.Context, h *runHandle, update store.RunUpdate) error {
	if err := e.store.UpdateRun(ctx, h.runID, update); err != nil {
		e.logger.WarnContext(ctx, "persist run failed",
			slog.String("run_id", h.runID),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func stepIndexIn(steps []schema.Step, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}
