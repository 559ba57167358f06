package api

import "context"

// InstanceFilter selects instances when listing. Zero values mean "no
// filter" for that field.
type InstanceFilter struct {
	WorkflowID string
	Status     InstanceStatus
}

// Engine is the workflow execution engine API. A single logical engine
// instance coordinates many concurrent workflow instances; persistence is
// delegated to the configured stores.
type Engine interface {
	// RegisterWorkflow registers a validated workflow definition under
	// its (id, version) pair. Registering the same pair twice fails.
	RegisterWorkflow(wf *Workflow) error

	// CreateInstance creates a new instance of a registered workflow for
	// the given subject, seeded with the initial context. The instance is
	// persisted in status created and not yet advanced.
	CreateInstance(ctx context.Context, workflowID, version, subjectID string, initial Context) (*Instance, error)

	// Advance runs the instance forward as far as possible without
	// blocking: until it reaches a waiting state, a terminal step, or a
	// step fails. It returns a snapshot of the resulting state.
	//
	// Advance assumes the caller holds the instance's execution slot; use
	// a scheduler.Pool to get that guarantee under concurrency.
	Advance(ctx context.Context, instanceID string) (*Instance, error)

	// SubmitData delivers externally submitted data to an instance in
	// waiting_for_input, merges it into the context, and re-enters
	// running. Any other state fails with ErrInvalidStateTransition.
	// It does not advance the instance; callers schedule that.
	SubmitData(ctx context.Context, instanceID string, data map[string]any) (*Instance, error)

	// RecordApproval records an approver's decision for an instance in
	// waiting_for_approval and re-enters running when the decision
	// resolves the step. Any other state fails with
	// ErrInvalidStateTransition.
	RecordApproval(ctx context.Context, instanceID, approverID string, decision Decision) (*Instance, error)

	// Abort administratively fails a non-terminal instance out-of-band.
	// An executor holding the instance observes the flag before doing
	// further work.
	Abort(ctx context.Context, instanceID, reason string) error

	// ExpireApprovals sweeps instances whose approval deadline has
	// passed, failing them or routing them to the rejected branch per
	// step configuration. It returns the ids of affected instances.
	ExpireApprovals(ctx context.Context) ([]string, error)

	// GetInstance returns a snapshot of an instance by id.
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)

	// ListInstances returns snapshots matching the filter.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
}
