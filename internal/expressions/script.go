package expressions

import (
	"context"
	"time"

	"github.com/plturrell/procflow/pkg/schema"
)

// DefaultScriptTimeout bounds a single script evaluation when the step does
// not set its own.
const DefaultScriptTimeout = 30 * time.Second

// ScriptRunner evaluates scriptTask programs in an in-process sandbox. The
// script sees only a deep-copied {input, output, vars} scope, so it cannot
// reach the host process, the filesystem, or engine state. Language selects
// the engine: expr (default), jq, cel.
type ScriptRunner struct {
	engines map[string]Engine
	timeout time.Duration
}

// NewScriptRunner creates a script runner over the given engines.
// A zero timeout falls back to DefaultScriptTimeout.
func NewScriptRunner(timeout time.Duration, engines ...Engine) *ScriptRunner {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	byName := make(map[string]Engine, len(engines))
	for _, e := range engines {
		byName[e.Name()] = e
	}
	return &ScriptRunner{engines: byName, timeout: timeout}
}

// Run evaluates the script against input and accumulated output, bounded by
// stepTimeout (or the runner default when zero). Failures map to SCRIPT_ERROR;
// an overrun maps to SCRIPT_TIMEOUT. The evaluation goroutine is left to
// finish in the background on timeout; its result is discarded.
func (r *ScriptRunner) Run(ctx context.Context, script *schema.ScriptSpec, stepTimeout time.Duration, input, output map[string]any) (any, error) {
	if script == nil || script.Source == "" {
		return nil, schema.NewError(schema.ErrCodeScript, "script has no source")
	}

	language := script.Language
	if language == "" {
		language = "expr"
	}
	engine, ok := r.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeScript, "unsupported script language %q", language)
	}

	timeout := stepTimeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scope := BuildScope(input, output)

	type evalResult struct {
		value any
		err   error
	}
	done := make(chan evalResult, 1)
	go func() {
		value, err := engine.Evaluate(evalCtx, script.Source, scope)
		done <- evalResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			ee := schema.AsEngineError(res.err, schema.ErrCodeScript)
			ee.Code = schema.ErrCodeScript
			return nil, ee
		}
		return res.value, nil
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "script evaluation interrupted").WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeScriptTimeout,
			"script exceeded %s timeout", timeout)
	}
}
