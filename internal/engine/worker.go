package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a branch is submitted to a drained pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of the pool's branch counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many parallel gateway branches run at once. A branch
// borrows a slot before it starts and returns it when the walk of that branch
// finishes; Submit blocks while the pool is saturated.
type WorkerPool struct {
	slots   chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool allowing size concurrent branches.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		stopped: make(chan struct{}),
	}
}

// Submit reserves a slot and runs fn on its own goroutine. Waiting for a slot
// respects ctx, so a branch fan-out under a cancelled run does not queue up
// behind its siblings. Returns ErrPoolShutdown once the pool is draining.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.reserve(ctx); err != nil {
		return err
	}
	go p.runBranch(ctx, fn)
	return nil
}

func (p *WorkerPool) reserve(ctx context.Context) error {
	select {
	case <-p.stopped:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrPoolShutdown
	}

	// Shutdown may have started while we waited for the slot. The inflight
	// Add happens under the same lock Shutdown uses to flip draining, so its
	// Wait can never race a late arrival.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		<-p.slots
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	p.active.Add(1)
	return nil
}

func (p *WorkerPool) runBranch(ctx context.Context, fn func(ctx context.Context) error) {
	var failed bool
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			failed = true
		}
		if failed {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.inflight.Done()
	}()

	failed = fn(ctx) != nil
}

// Wait blocks until every submitted branch has finished.
func (p *WorkerPool) Wait() {
	p.inflight.Wait()
}

// Shutdown rejects new submissions and waits for in-flight branches to
// finish. It never interrupts a running branch.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return
	}
	p.draining = true
	close(p.stopped)
	p.mu.Unlock()

	p.inflight.Wait()
}

// Metrics returns a snapshot of the branch counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
