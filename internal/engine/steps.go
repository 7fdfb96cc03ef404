package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/plturrell/procflow/internal/logging"
	"github.com/plturrell/procflow/internal/store"
	"github.com/plturrell/procflow/pkg/schema"
)

// executeStep runs a single plan step, recording its StepExecution from start
// to finish regardless of outcome. For exclusive gateways the returned string
// is the ID of the step the walk should jump to; it is "" for plain sequential
// advancement.
func (e *Engine) executeStep(ctx context.Context, h *runHandle, step schema.Step, path string) (string, error) {
	ctx = logging.WithStepID(ctx, step.ID)

	se := &store.StepExecution{
		RunID:     h.runID,
		StepID:    step.ID,
		Type:      step.Type,
		Status:    schema.StepExecutionRunning,
		Path:      path,
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.AppendStepExecution(ctx, se); err != nil {
		e.logger.WarnContext(ctx, "append step execution failed", slog.String("error", err.Error()))
	}
	e.recorder.Event(ctx, h.runID, step.ID, schema.EventStepStarted,
		map[string]any{"type": string(step.Type), "path": path})

	result, next, err := e.dispatchStep(ctx, h, step, path)

	if errors.Is(err, errCancelled) {
		// The step was interrupted by a cancel request (user task poll or a
		// cancelled branch). Close its record so wall-clock end is kept, then
		// let the walk unwind to the cancelled state.
		cancelErr := schema.NewError(schema.ErrCodeCancelled, "run cancelled while step was in flight").WithStep(step.ID)
		e.finishStepRecord(ctx, se, schema.StepExecutionFailed, nil, cancelErr)
		return "", err
	}
	if err != nil {
		ee := schema.AsEngineError(err, schema.ErrCodeValidation)
		if ee.StepID == "" {
			ee = ee.WithStep(step.ID)
		}
		e.finishStepRecord(ctx, se, schema.StepExecutionFailed, nil, ee)
		e.recorder.Event(ctx, h.runID, step.ID, schema.EventStepFailed,
			map[string]any{"code": ee.Code, "message": ee.Message})

		h.mu.Lock()
		h.lastErr = ee
		h.mu.Unlock()
		return "", ee
	}

	e.finishStepRecord(ctx, se, schema.StepExecutionCompleted, result, nil)
	e.recorder.Event(ctx, h.runID, step.ID, schema.EventStepCompleted, nil)

	e.mergeOutput(ctx, h, step.ID, step.OutputVariable, result)

	if step.Type != schema.StepTypeParallelGateway {
		h.mu.Lock()
		h.completedLeaves++
		h.mu.Unlock()
	}

	return next, nil
}

// dispatchStep routes execution by step type.
func (e *Engine) dispatchStep(ctx context.Context, h *runHandle, step schema.Step, path string) (result any, next string, err error) {
	switch step.Type {
	case schema.StepTypeStart, schema.StepTypeEnd:
		// Boundary markers carry no work but are materialized in the step
		// history so a run's record brackets its business steps.
		return nil, "", nil

	case schema.StepTypeServiceTask:
		out, err := e.invoker.Invoke(ctx, step.CapabilityID, e.mergedContext(h))
		if err != nil {
			return nil, "", err
		}
		return anyFromMap(out), "", nil

	case schema.StepTypeUserTask:
		out, err := e.runUserTask(ctx, h, step)
		return out, "", err

	case schema.StepTypeScriptTask:
		input, output := h.scopes()
		out, err := e.scripts.Run(ctx, step.Script, parseTimeout(step.Timeout, 0), input, output)
		return out, "", err

	case schema.StepTypeExclusiveGateway:
		input, output := h.scopes()
		verdict, err := e.conditions.Evaluate(ctx, step.Condition, input, output)
		if err != nil {
			return nil, "", err
		}
		target := step.FalseTarget
		if verdict {
			target = step.TrueTarget
		}
		e.recorder.Event(ctx, h.runID, step.ID, schema.EventConditionEvaluated,
			map[string]any{"condition": step.Condition, "result": verdict, "target": target})
		// An empty target leaves the walk on its sequential course; the
		// verdict is still recorded as the step's result.
		return verdict, target, nil

	case schema.StepTypeParallelGateway:
		return nil, "", e.runParallel(ctx, h, step, path)

	default:
		return nil, "", schema.NewErrorf(schema.ErrCodePlanInvalid,
			"unknown step type %q", step.Type).WithStep(step.ID)
	}
}

// finishStepRecord closes a StepExecution record exactly once.
func (e *Engine) finishStepRecord(ctx context.Context, se *store.StepExecution, status schema.StepExecutionStatus, result any, ee *schema.EngineError) {
	var resultJSON, errJSON []byte
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			resultJSON = b
		}
	}
	if ee != nil {
		if b, err := json.Marshal(ee); err == nil {
			errJSON = b
		}
	}
	if err := e.store.FinishStepExecution(ctx, se.ID, status, resultJSON, errJSON); err != nil {
		e.logger.WarnContext(ctx, "finish step execution failed", slog.String("error", err.Error()))
	}
}

// mergedContext flattens input and accumulated output into the payload handed
// to capabilities. Output wins on key collisions.
func (e *Engine) mergedContext(h *runHandle) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	merged := make(map[string]any, len(h.input)+len(h.output))
	for k, v := range h.input {
		merged[k] = v
	}
	for k, v := range h.output {
		merged[k] = v
	}
	return merged
}

// scopes returns snapshots of the run's input and output maps for expression
// evaluation.
func (h *runHandle) scopes() (input, output map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyMap(h.input), copyMap(h.output)
}

// anyFromMap keeps nil maps as nil results so empty capability responses do
// not materialize as "{}" outputs.
func anyFromMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// parseTimeout parses a step-level timeout, falling back to def when the
// field is empty or malformed.
func parseTimeout(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
