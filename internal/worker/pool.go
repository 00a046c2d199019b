package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Releasable is implemented by clients that need to know when the pool
// drops them without a further Tick (e.g. on shutdown) — the Go analogue of
// the spec's "the worker calls ops.release" for clients still owned when the
// pool stops.
type Releasable interface {
	Release()
}

// Pool is the fixed pool of cooperative Worker loops SPEC_FULL.md §4.10
// describes: sized from config.WorkerCount (0 => max(1, NumCPU/2)),
// supervised by an errgroup so the first fatal worker error is observable
// and shutdown is orderly, replacing a hand-rolled WaitGroup+error-channel.
type Pool struct {
	workers []*Worker

	mu    sync.RWMutex // guards owner: the "workers rw-lock" of SPEC_FULL.md §5
	owner map[string]int

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewPool creates a Pool of n workers (n <= 0 defaults to max(1, NumCPU/2)).
func NewPool(n int, clock func() time.Time) *Pool {
	if n <= 0 {
		n = runtime.NumCPU() / 2
		if n < 1 {
			n = 1
		}
	}
	p := &Pool{
		owner: make(map[string]int),
	}
	p.workers = make([]*Worker, n)
	for i := range p.workers {
		p.workers[i] = New(i, clock)
	}
	return p
}

// Start launches every worker loop under an errgroup tied to ctx.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	eg, gctx := errgroup.WithContext(ctx)
	p.eg = eg
	for _, w := range p.workers {
		w := w
		eg.Go(func() error {
			return w.Run(gctx)
		})
	}
}

// Stop cancels every worker loop, waits for them to exit, and releases any
// client still owned by a worker (mirrors the worker loop calling
// ops.release once per still-owned client, SPEC_FULL.md §4.10).
func (p *Pool) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	var err error
	if p.eg != nil {
		err = p.eg.Wait()
	}
	for _, w := range p.workers {
		for _, c := range w.Drain() {
			if r, ok := c.(Releasable); ok {
				r.Release()
			}
		}
	}
	return err
}

// Count returns the number of workers in the pool.
func (p *Pool) Count() int { return len(p.workers) }

// Worker returns the worker at index idx.
func (p *Pool) Worker(idx int) *Worker { return p.workers[idx] }

// Least returns the index and client count of the least-busy worker
// (SPEC_FULL.md §4.7: "find the least-busy worker").
func (p *Pool) Least() (idx int, count int) {
	idx, count = 0, p.workers[0].Count()
	for i := 1; i < len(p.workers); i++ {
		if c := p.workers[i].Count(); c < count {
			idx, count = i, c
		}
	}
	return idx, count
}

// Assign registers ownership of c to worker idx and schedules its first
// tick after delay.
func (p *Pool) Assign(idx int, c Client, delay time.Duration) {
	p.mu.Lock()
	p.owner[c.ID()] = idx
	p.mu.Unlock()
	p.workers[idx].Add(c, delay)
}

// WorkerOf reports which worker currently owns the client with the given id.
func (p *Pool) WorkerOf(id string) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.owner[id]
	return idx, ok
}

// ClientChangeWorker moves ownership of the client identified by id from
// its current worker to target, matching the Worker interface's
// client_change_worker(client, target_worker) -> bool contract
// (SPEC_FULL.md §6): true means the move happened and the caller's prior
// lock on the client's owning structure must be treated as released.
func (p *Pool) ClientChangeWorker(id string, target int) (bool, error) {
	p.mu.Lock()
	cur, ok := p.owner[id]
	if !ok {
		p.mu.Unlock()
		return false, fmt.Errorf("worker: unknown client %q", id)
	}
	if cur == target {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	c, ok := p.workers[cur].Remove(id)
	if !ok {
		return false, nil
	}

	p.mu.Lock()
	p.owner[id] = target
	p.mu.Unlock()

	p.workers[target].Add(c, 0)
	return true, nil
}

// Nudge forces the client identified by id to be reconsidered by its
// worker immediately, matching the source.Scheduler and dashboard
// wake-on-shutdown/wake-on-override paths (SPEC_FULL.md §4.3). A no-op if
// the id isn't currently owned by any worker.
func (p *Pool) Nudge(id string) {
	idx, ok := p.WorkerOf(id)
	if !ok {
		return
	}
	p.workers[idx].Reschedule(id)
}

// Forget drops bookkeeping for a client that has been released entirely
// (not moved), e.g. after listener_detach.
func (p *Pool) Forget(id string) {
	p.mu.Lock()
	delete(p.owner, id)
	p.mu.Unlock()
}
