package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/plturrell/procflow/pkg/schema"
)

// DefaultInvokeTimeout bounds a single capability call when the invoker is not
// configured with its own.
const DefaultInvokeTimeout = 10 * time.Second

// Registry is a thread-safe capability registry.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
	}
}

// Register adds a capability to the registry. Returns error on duplicate ID.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	id := c.ID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[id]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "capability %q already registered", id)
	}

	r.capabilities[id] = c
	return nil
}

// Get retrieves a capability by ID.
func (r *Registry) Get(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityNotFound, "capability %q not registered", id)
	}
	return c, nil
}

// Has checks whether a capability is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capabilities[id]
	return ok
}

// List returns info for all registered capabilities, sorted by ID.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		infos = append(infos, Info{ID: c.ID(), Description: c.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Invoker resolves capability IDs against a Registry and executes them with a
// per-call timeout. It never retries; retry policy belongs to the caller who
// owns the business semantics.
type Invoker struct {
	registry *Registry
	timeout  time.Duration
}

// NewInvoker creates an Invoker. A zero timeout falls back to
// DefaultInvokeTimeout.
func NewInvoker(registry *Registry, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return &Invoker{registry: registry, timeout: timeout}
}

// Invoke executes the capability with the given payload. An unknown ID maps to
// CAPABILITY_NOT_FOUND; a handler error, panic, or timeout maps to
// CAPABILITY_ERROR. A timed-out handler is left to finish in the background;
// its result is discarded.
func (inv *Invoker) Invoke(ctx context.Context, capabilityID string, payload map[string]any) (map[string]any, error) {
	c, err := inv.registry.Get(capabilityID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	type callResult struct {
		result map[string]any
		err    error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult{err: fmt.Errorf("capability panic: %v", rec)}
			}
		}()
		result, err := c.Execute(callCtx, payload)
		done <- callResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			ee := schema.AsEngineError(res.err, schema.ErrCodeCapability)
			if ee.Code != schema.ErrCodeCapabilityNotFound {
				ee.Code = schema.ErrCodeCapability
			}
			return nil, ee
		}
		return res.result, nil
	case <-callCtx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCapability,
			"capability %q exceeded %s timeout", capabilityID, inv.timeout).
			WithCause(callCtx.Err())
	}
}
