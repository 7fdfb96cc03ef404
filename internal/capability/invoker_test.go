package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/pkg/schema"
)

func echoCapability(id string) Capability {
	return &Func{
		CapabilityID: id,
		Desc:         "echoes its payload",
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			return payload, nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoCapability("echo.v1")))

	c, err := r.Get("echo.v1")
	require.NoError(t, err)
	assert.Equal(t, "echo.v1", c.ID())
	assert.True(t, r.Has("echo.v1"))
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoCapability("echo.v1")))

	err := r.Register(echoCapability("echo.v1"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRegistry_UnknownID(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("ghost.v1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapabilityNotFound, schema.CodeOf(err))
	assert.False(t, r.Has("ghost.v1"))
}

func TestRegistry_ListSortedByID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoCapability("zeta.v1")))
	require.NoError(t, r.Register(echoCapability("alpha.v1")))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha.v1", infos[0].ID)
	assert.Equal(t, "zeta.v1", infos[1].ID)
}

func TestInvoker_Success(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoCapability("echo.v1")))
	inv := NewInvoker(r, 0)

	out, err := inv.Invoke(context.Background(), "echo.v1", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "v", out["k"])
}

func TestInvoker_NotFound(t *testing.T) {
	inv := NewInvoker(NewRegistry(), 0)
	_, err := inv.Invoke(context.Background(), "ghost.v1", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapabilityNotFound, schema.CodeOf(err))
}

func TestInvoker_HandlerErrorMapsToCapabilityError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Func{
		CapabilityID: "boom.v1",
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			return nil, errors.New("downstream unavailable")
		},
	}))
	inv := NewInvoker(r, 0)

	_, err := inv.Invoke(context.Background(), "boom.v1", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapability, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "downstream unavailable")
}

func TestInvoker_PanicMapsToCapabilityError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Func{
		CapabilityID: "panic.v1",
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			panic("handler bug")
		},
	}))
	inv := NewInvoker(r, 0)

	_, err := inv.Invoke(context.Background(), "panic.v1", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapability, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "handler bug")
}

func TestInvoker_Timeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Func{
		CapabilityID: "slow.v1",
		Fn: func(ctx context.Context, payload map[string]any) (map[string]any, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Second)
			return nil, ctx.Err()
		},
	}))
	inv := NewInvoker(r, 30*time.Millisecond)

	start := time.Now()
	_, err := inv.Invoke(context.Background(), "slow.v1", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCapability, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
}
