package capability

import "context"

// Capability is an externally provided unit of business work invoked by a
// serviceTask. Implementations own their side effects; the engine treats them
// as opaque request/response calls.
type Capability interface {
	ID() string
	Description() string
	Execute(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// Func adapts a plain function into a Capability.
type Func struct {
	CapabilityID string
	Desc         string
	Fn           func(ctx context.Context, payload map[string]any) (map[string]any, error)
}

func (f *Func) ID() string          { return f.CapabilityID }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Execute(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f.Fn(ctx, payload)
}

// Info is a summary of a registered capability for listing.
type Info struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}
