package virta

import (
	"context"
	"sync"
)

// LocalRunner bundles an Engine and a scheduler Pool to provide a simple
// single-process runtime for development, tests, and embedded use.
//
// Typical usage:
//
//	runner := virta.NewLocalRunner()
//	wf := virta.NewWorkflow("permit", "v1"). ... .MustBuild()
//	_ = runner.Engine.RegisterWorkflow(wf)
//
//	_ = runner.Start(ctx)
//	inst, _ := runner.Engine.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)
//	inst, _ = runner.SubmitAndWait(ctx, inst.ID)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the workflow engine used by this runner.
	Engine Engine

	// Pool schedules Advance work across the runner's workers.
	Pool *Pool

	mu      sync.Mutex
	started bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and a default pool. Pass WithWorkers / WithQueueCapacity to size the
// pool and the usual engine options to wire collaborators.
func NewLocalRunner(opts ...Option) *LocalRunner {
	o := buildOptions(opts)
	eng := NewInMemoryEngine(opts...)
	return &LocalRunner{
		Engine: eng,
		Pool:   NewPool(eng, o.pool),
	}
}

// Start launches the pool's worker goroutines.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := r.Pool.Start(ctx); err != nil {
		return err
	}
	r.started = true
	return nil
}

// Stop cancels the workers and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.Pool.Stop()
	r.started = false
}

// Submit triggers an Advance for the instance, fire-and-forget.
func (r *LocalRunner) Submit(ctx context.Context, instanceID string) error {
	return r.Pool.Submit(ctx, instanceID)
}

// SubmitAndWait triggers an Advance and returns the resulting snapshot.
func (r *LocalRunner) SubmitAndWait(ctx context.Context, instanceID string) (*Instance, error) {
	return r.Pool.SubmitAndWait(ctx, instanceID)
}

// SubmitData delivers externally submitted data to a waiting instance
// and schedules the resumed execution, returning the post-advance state.
func (r *LocalRunner) SubmitData(ctx context.Context, instanceID string, data map[string]any) (*Instance, error) {
	if _, err := r.Engine.SubmitData(ctx, instanceID, data); err != nil {
		return nil, err
	}
	return r.Pool.SubmitAndWait(ctx, instanceID)
}

// RecordApproval records an approver decision and, when it resolves the
// step, schedules the resumed execution and returns the post-advance
// state. An unresolved all-of step stays waiting and is returned as is.
func (r *LocalRunner) RecordApproval(ctx context.Context, instanceID, approverID string, decision Decision) (*Instance, error) {
	inst, err := r.Engine.RecordApproval(ctx, instanceID, approverID, decision)
	if err != nil {
		return nil, err
	}
	if inst.Status != StatusRunning {
		return inst, nil
	}
	return r.Pool.SubmitAndWait(ctx, instanceID)
}

// Stats returns a snapshot of the pool's activity.
func (r *LocalRunner) Stats() PoolStats {
	return r.Pool.Stats()
}
