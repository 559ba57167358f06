package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mlinna/virta/internal/assignment"
	"github.com/mlinna/virta/internal/persistence"
	"github.com/mlinna/virta/pkg/api"
)

// engineImpl is an in-process engine implementation. It is safe for
// concurrent use as long as callers honor the single-active-execution
// invariant per instance; scheduler.Pool provides that guarantee.
type engineImpl struct {
	registry  *workflowRegistry
	instances persistence.InstanceStore
	assigner  *assignment.Service
	invoker   api.ServiceInvoker
	notifier  api.Notifier
	observer  api.Observer

	// now and sleep are injectable for deterministic tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Config describes how to construct an engine. Zero-valued collaborators
// fall back to no-op implementations.
type Config struct {
	Instances persistence.InstanceStore
	Directory api.Directory
	Invoker   api.ServiceInvoker
	Notifier  api.Notifier
	Observer  api.Observer

	// Now overrides the engine clock, for tests.
	Now func() time.Time
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	if cfg.Instances == nil {
		cfg.Instances = persistence.NewInMemoryStore()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = api.NoopNotifier{}
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &engineImpl{
		registry:  newWorkflowRegistry(),
		instances: cfg.Instances,
		assigner:  assignment.New(cfg.Directory),
		invoker:   cfg.Invoker,
		notifier:  cfg.Notifier,
		observer:  cfg.Observer,
		now:       cfg.Now,
		sleep:     sleepCtx,
	}
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// storage. Best for tests and single-process use.
func NewInMemoryEngine() api.Engine {
	return NewEngineWithConfig(Config{})
}

// NewSQLiteEngine returns an Engine that persists instances in SQLite.
func NewSQLiteEngine(db *sql.DB, cfg Config) (api.Engine, error) {
	store, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Instances = store
	return NewEngineWithConfig(cfg), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (e *engineImpl) RegisterWorkflow(wf *api.Workflow) error {
	if wf == nil {
		return errors.New("workflow is nil")
	}
	return e.registry.Register(wf)
}

func (e *engineImpl) CreateInstance(ctx context.Context, workflowID, version, subjectID string, initial api.Context) (*api.Instance, error) {
	wf, err := e.registry.Get(workflowID, version)
	if err != nil {
		return nil, err
	}

	now := e.now()
	inst := &api.Instance{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID(),
		WorkflowVersion: wf.Version(),
		SubjectID:       subjectID,
		Context:         initial.Clone(),
		CurrentStepID:   wf.StartID(),
		Status:          api.StatusCreated,
		EligibleSince:   now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := e.instances.SaveInstance(inst); err != nil {
		return nil, err
	}

	e.observer.OnInstanceCreated(ctx, inst)
	return inst.Snapshot(), nil
}

func (e *engineImpl) GetInstance(ctx context.Context, instanceID string) (*api.Instance, error) {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

func (e *engineImpl) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.Instance, error) {
	return e.instances.ListInstances(filter)
}

// SubmitData merges externally submitted data into a waiting instance's
// context and re-enters running. It is rejected in every other state, so
// a duplicate submission after the instance has resumed fails instead of
// duplicating history.
func (e *engineImpl) SubmitData(ctx context.Context, instanceID string, data map[string]any) (*api.Instance, error) {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Status != api.StatusWaitingForInput {
		return nil, fmt.Errorf("submit data to instance %s in status %s: %w",
			instanceID, inst.Status, api.ErrInvalidStateTransition)
	}

	if inst.Context == nil {
		inst.Context = api.Context{}
	}
	for k, v := range data {
		inst.Context[k] = v
	}

	now := e.now()
	inst.Status = api.StatusRunning
	inst.EligibleSince = now
	inst.UpdatedAt = now

	if err := e.instances.UpdateInstance(inst); err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

// RecordApproval records one approver decision. The step resolves when
// the decisions satisfy its mode: any rejection rejects, any approval
// resolves an any-of step, and an all-of step approves once every
// required approver has approved.
func (e *engineImpl) RecordApproval(ctx context.Context, instanceID, approverID string, decision api.Decision) (*api.Instance, error) {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}

	if inst.Status != api.StatusWaitingForApproval {
		return nil, fmt.Errorf("record approval on instance %s in status %s: %w",
			instanceID, inst.Status, api.ErrInvalidStateTransition)
	}
	if decision != api.DecisionApproved && decision != api.DecisionRejected {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	wf, err := e.registry.Get(inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	step, ok := wf.Step(inst.CurrentStepID)
	if !ok || step.Kind != api.KindApproval {
		return nil, fmt.Errorf("instance %s is not at an approval step: %w",
			instanceID, api.ErrInvalidStateTransition)
	}

	for _, a := range inst.Approvals {
		if a.ApproverID == approverID {
			return nil, fmt.Errorf("approver %s already decided on instance %s: %w",
				approverID, instanceID, api.ErrInvalidStateTransition)
		}
	}
	if step.Approval.Mode == api.ApproveAll && len(inst.RequiredApprovers) > 0 &&
		!slices.Contains(inst.RequiredApprovers, approverID) {
		return nil, fmt.Errorf("approver %s is not in the required approver set: %w",
			approverID, api.ErrInvalidStateTransition)
	}

	now := e.now()
	inst.Approvals = append(inst.Approvals, api.ApprovalRecord{
		ApproverID: approverID,
		Decision:   decision,
		At:         now,
	})

	switch {
	case decision == api.DecisionRejected:
		inst.ResolvedDecision = api.DecisionRejected
	case step.Approval.Mode == api.ApproveAll:
		if approvedAll(inst.RequiredApprovers, inst.Approvals) {
			inst.ResolvedDecision = api.DecisionApproved
		}
	default:
		inst.ResolvedDecision = api.DecisionApproved
	}

	if inst.ResolvedDecision != "" {
		inst.Status = api.StatusRunning
		inst.EligibleSince = now
	}
	inst.UpdatedAt = now

	if err := e.instances.UpdateInstance(inst); err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

func approvedAll(required []string, records []api.ApprovalRecord) bool {
	if len(required) == 0 {
		return len(records) > 0
	}
	approved := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Decision == api.DecisionApproved {
			approved[r.ApproverID] = true
		}
	}
	for _, id := range required {
		if !approved[id] {
			return false
		}
	}
	return true
}

// Abort administratively fails an instance out-of-band. If no executor
// owns the instance the failure is applied immediately; otherwise the
// flag is observed the next time its execution slot is acquired.
func (e *engineImpl) Abort(ctx context.Context, instanceID, reason string) error {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("abort instance %s in status %s: %w",
			instanceID, inst.Status, api.ErrInvalidStateTransition)
	}

	inst.Aborted = true
	inst.AbortReason = reason
	if inst.Status != api.StatusRunning {
		// No executor can be mid-run; fail right away.
		e.failInstance(ctx, inst, fmt.Errorf("aborted: %s", reason))
		return nil
	}
	inst.UpdatedAt = e.now()
	return e.instances.UpdateInstance(inst)
}

// ExpireApprovals sweeps waiting approvals whose deadline has passed.
// Steps configured with RejectOnTimeout are routed to the rejected branch
// and returned for rescheduling; the rest are failed in place.
func (e *engineImpl) ExpireApprovals(ctx context.Context) ([]string, error) {
	waiting, err := e.instances.ListInstances(api.InstanceFilter{Status: api.StatusWaitingForApproval})
	if err != nil {
		return nil, err
	}

	now := e.now()
	var expired []string
	for _, inst := range waiting {
		if inst.ApprovalDeadline.IsZero() || now.Before(inst.ApprovalDeadline) {
			continue
		}

		wf, err := e.registry.Get(inst.WorkflowID, inst.WorkflowVersion)
		if err != nil {
			continue
		}
		step, ok := wf.Step(inst.CurrentStepID)
		if !ok || step.Kind != api.KindApproval {
			continue
		}

		if step.Approval.RejectOnTimeout {
			inst.ResolvedDecision = api.DecisionRejected
			inst.Status = api.StatusRunning
			inst.EligibleSince = now
			inst.UpdatedAt = now
			if err := e.instances.UpdateInstance(inst); err != nil {
				return expired, err
			}
		} else {
			e.failInstance(ctx, inst, fmt.Errorf("approval step %q timed out", inst.CurrentStepID))
		}
		expired = append(expired, inst.ID)
	}
	return expired, nil
}

// failInstance moves an instance to failed and fans the failure out to
// the notifier and observer. Step errors never cross instances: only the
// owning instance is affected.
func (e *engineImpl) failInstance(ctx context.Context, inst *api.Instance, err error) {
	now := e.now()
	inst.Status = api.StatusFailed
	inst.LastError = err.Error()
	inst.UpdatedAt = now
	_ = e.instances.UpdateInstance(inst)

	e.notifier.Notify(ctx, api.EventFailed, inst.ID, map[string]any{
		"step":  inst.CurrentStepID,
		"error": inst.LastError,
	})
	e.observer.OnInstanceFailed(ctx, inst, err)
}
