// Package scheduler fans Advance work out across a bounded pool of
// workers while guaranteeing that at most one execution is active per
// instance at any time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mlinna/virta/pkg/api"
)

// result is what a completed run hands back to SubmitAndWait callers.
type result struct {
	inst *api.Instance
	err  error
}

// slot tracks the scheduling state of one instance. An instance has at
// most one slot entry while work is queued or running for it; the entry
// is removed once the instance is idle again.
type slot struct {
	// rerun is set when a submission arrives while a run for the same
	// instance is queued or active. The pool folds any number of such
	// submissions into exactly one follow-up run.
	rerun bool

	// waiters receive the snapshot produced by the run that covers
	// their submission. Each channel has capacity 1 so a caller that
	// gave up on its context never blocks a worker.
	waiters []chan result
}

// Config tunes a Pool. Zero values get defaults.
type Config struct {
	// Workers is the number of concurrent executor goroutines.
	// Defaults to 4.
	Workers int
	// QueueCapacity bounds the pending-trigger channel. Defaults
	// to 1024.
	QueueCapacity int
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int
	Queued    int
	Active    int
	Processed uint64
	Failed    uint64
}

// Pool accepts Advance triggers for instances and runs them on a fixed
// set of workers. A trigger for an instance that already has a run
// queued or active is coalesced behind the in-flight one instead of
// running in parallel, so per-instance StepExecution order is identical
// to running the triggers sequentially.
type Pool struct {
	engine api.Engine
	cfg    Config

	tasks chan string

	mu    sync.Mutex
	slots map[string]*slot

	active    atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a Pool driving the given engine.
func New(engine api.Engine, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	return &Pool{
		engine: engine,
		cfg:    cfg,
		tasks:  make(chan string, cfg.QueueCapacity),
		slots:  make(map[string]*slot),
	}
}

// Start launches the worker goroutines. Calling Start on a running pool
// is an error.
func (p *Pool) Start(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.running {
		return errors.New("scheduler: pool already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-p.tasks:
					p.runOne(ctx, id)
				}
			}
		}()
	}
	return nil
}

// Stop cancels the workers and waits for them to exit. Queued triggers
// that no worker picked up are dropped; their waiters are released with
// the cancellation error.
func (p *Pool) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.runMu.Unlock()

	cancel()
	p.wg.Wait()

	p.mu.Lock()
	for id, s := range p.slots {
		for _, w := range s.waiters {
			w <- result{err: context.Canceled}
		}
		delete(p.slots, id)
	}
	p.mu.Unlock()
}

// Submit triggers an Advance for the instance, fire-and-forget. If a
// run for the instance is already queued or active, the trigger is
// coalesced into a single follow-up run.
func (p *Pool) Submit(ctx context.Context, instanceID string) error {
	return p.submit(ctx, instanceID, nil)
}

// SubmitAndWait triggers an Advance and blocks until the run covering
// this submission completes, returning the resulting snapshot.
// Synchronous callers such as a submit-data API use it to return the
// post-advance state immediately.
func (p *Pool) SubmitAndWait(ctx context.Context, instanceID string) (*api.Instance, error) {
	ch := make(chan result, 1)
	if err := p.submit(ctx, instanceID, ch); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.inst, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) submit(ctx context.Context, instanceID string, waiter chan result) error {
	if instanceID == "" {
		return errors.New("scheduler: empty instance id")
	}

	p.mu.Lock()
	if s, busy := p.slots[instanceID]; busy {
		s.rerun = true
		if waiter != nil {
			s.waiters = append(s.waiters, waiter)
		}
		p.mu.Unlock()
		return nil
	}
	s := &slot{}
	if waiter != nil {
		s.waiters = append(s.waiters, waiter)
	}
	p.slots[instanceID] = s
	p.mu.Unlock()

	if err := p.enqueue(ctx, instanceID); err != nil {
		p.mu.Lock()
		for _, w := range p.slots[instanceID].waiters {
			w <- result{err: err}
		}
		delete(p.slots, instanceID)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Pool) enqueue(ctx context.Context, instanceID string) error {
	select {
	case p.tasks <- instanceID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runOne executes Advance for the instance and settles its slot: if
// triggers arrived during a run, the same worker runs the single
// coalesced follow-up inline and waiters stay parked until it
// completes; otherwise waiters are released with the result and the
// slot is retired.
//
// The follow-up must run inline, never via a send into p.tasks: with
// the queue full and every worker blocked requeueing, the pool would
// wedge with queued work that no one drains.
func (p *Pool) runOne(ctx context.Context, instanceID string) {
	for {
		p.active.Add(1)
		inst, err := p.engine.Advance(ctx, instanceID)
		p.active.Add(-1)

		p.processed.Add(1)
		if err != nil || (inst != nil && inst.Status == api.StatusFailed) {
			p.failed.Add(1)
		}

		p.mu.Lock()
		s := p.slots[instanceID]
		if s == nil {
			p.mu.Unlock()
			return
		}
		if s.rerun && ctx.Err() == nil {
			s.rerun = false
			p.mu.Unlock()
			continue
		}
		waiters := s.waiters
		delete(p.slots, instanceID)
		p.mu.Unlock()

		for _, w := range waiters {
			w <- result{inst: inst, err: err}
		}
		return
	}
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.tasks)
	p.mu.Unlock()
	return Stats{
		Workers:   p.cfg.Workers,
		Queued:    queued,
		Active:    int(p.active.Load()),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
	}
}
