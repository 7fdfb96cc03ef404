package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/pkg/schema"
)

// sleepEngine stands in for a script that never finishes. It keeps blocking
// well past any context deadline so the runner's timeout path always wins.
type sleepEngine struct{}

func (sleepEngine) Name() string { return "sleep" }

func (sleepEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	<-ctx.Done()
	time.Sleep(10 * time.Second)
	return nil, ctx.Err()
}

func newScriptRunner() *ScriptRunner {
	return NewScriptRunner(0, NewExprEngine(), NewGoJQEngine(), sleepEngine{})
}

func TestScriptRunner_DefaultLanguageIsExpr(t *testing.T) {
	r := newScriptRunner()
	out, err := r.Run(context.Background(),
		&schema.ScriptSpec{Source: "input.a * 2"}, 0,
		map[string]any{"a": 21}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 42, out)
}

func TestScriptRunner_SelectsEngineByLanguage(t *testing.T) {
	r := newScriptRunner()
	out, err := r.Run(context.Background(),
		&schema.ScriptSpec{Language: "jq", Source: ".input.a * 2"}, 0,
		map[string]any{"a": 21}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestScriptRunner_UnsupportedLanguage(t *testing.T) {
	r := newScriptRunner()
	_, err := r.Run(context.Background(),
		&schema.ScriptSpec{Language: "cobol", Source: "x"}, 0, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeScript, schema.CodeOf(err))
}

func TestScriptRunner_NoSource(t *testing.T) {
	r := newScriptRunner()
	_, err := r.Run(context.Background(), nil, 0, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeScript, schema.CodeOf(err))

	_, err = r.Run(context.Background(), &schema.ScriptSpec{}, 0, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeScript, schema.CodeOf(err))
}

func TestScriptRunner_EvaluationErrorsAreScriptErrors(t *testing.T) {
	r := newScriptRunner()
	_, err := r.Run(context.Background(),
		&schema.ScriptSpec{Source: "input.a +"}, 0, nil, nil)
	require.Error(t, err)
	// Compile failures surface with the same code as runtime failures; the
	// plan author sees one kind of script problem.
	assert.Equal(t, schema.ErrCodeScript, schema.CodeOf(err))
}

func TestScriptRunner_Timeout(t *testing.T) {
	r := newScriptRunner()
	start := time.Now()
	_, err := r.Run(context.Background(),
		&schema.ScriptSpec{Language: "sleep", Source: "forever"}, 30*time.Millisecond, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeScriptTimeout, schema.CodeOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScriptRunner_OuterCancel(t *testing.T) {
	r := newScriptRunner()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx,
		&schema.ScriptSpec{Language: "sleep", Source: "forever"}, time.Second, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
}
