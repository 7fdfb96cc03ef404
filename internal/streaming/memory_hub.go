package streaming

import (
	"context"
	"slices"
	"sync"
)

// Subscriber channels buffer this many events before the hub starts dropping
// on their behalf.
const defaultChannelBuffer = 64

// MemoryHub fans run lifecycle events out to in-process subscribers.
// Delivery is best-effort: a subscriber that stops draining its channel loses
// events rather than stalling the walker publishing them.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[chan RunEvent]EventFilter
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[chan RunEvent]EventFilter)}
}

// Publish delivers the event to every subscriber whose filter matches.
// It never blocks on a full subscriber channel.
func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch, filter := range h.subs {
		if !filter.matches(event) {
			continue
		}
		select {
		case ch <- event:
		default:
			// Slow subscriber, drop.
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel detaches
// the channel from the hub; events already buffered stay readable.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan RunEvent, defaultChannelBuffer)
	h.mu.Lock()
	h.subs[ch] = filter
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// matches reports whether a subscriber wants this event. An empty filter
// receives the whole stream; RunID narrows it to one run and EventTypes to
// the named lifecycle events.
func (f EventFilter) matches(ev RunEvent) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, ev.EventType)
}

var _ EventHub = (*MemoryHub)(nil)
