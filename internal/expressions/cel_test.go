package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_BooleanLiteral(t *testing.T) {
	e := newCEL(t)
	out, err := e.Evaluate(context.Background(), "true", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_InputNamespace(t *testing.T) {
	e := newCEL(t)
	scope := BuildScope(map[string]any{"amount": 150.0}, nil)

	out, err := e.Evaluate(context.Background(), "input.amount > 100.0", scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_OutputShadowsInputInVars(t *testing.T) {
	e := newCEL(t)
	scope := BuildScope(
		map[string]any{"score": 10.0},
		map[string]any{"score": 90.0},
	)

	out, err := e.Evaluate(context.Background(), "vars.score", scope)
	require.NoError(t, err)
	assert.Equal(t, 90.0, out)
}

func TestCEL_UndefinedKeyIsRuntimeError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "input.missing > 1.0", BuildScope(nil, nil))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeScript, schema.CodeOf(err))
}

func TestCEL_CompileError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "input.amount >", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCEL_EmptyExpression(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCEL_CachesCompiledPrograms(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "1 + 1", nil)
	require.NoError(t, err)
	_, err = e.Evaluate(ctx, "1 + 1", nil)
	require.NoError(t, err)

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestCEL_ImplementsEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
	assert.Equal(t, "cel", newCEL(t).Name())
}
