package api

import (
	"context"
	"time"
)

// StepKind discriminates the step variants. Exactly one variant payload
// on a Step is non-nil, matching its kind.
type StepKind string

const (
	KindAction      StepKind = "action"
	KindConditional StepKind = "conditional"
	KindApproval    StepKind = "approval"
	KindIntegration StepKind = "integration"
	KindTerminal    StepKind = "terminal"
)

// TerminalTag is the final status a terminal step stamps on the instance.
type TerminalTag string

const (
	TagSuccess  TerminalTag = "SUCCESS"
	TagFailure  TerminalTag = "FAILURE"
	TagRejected TerminalTag = "REJECTED"
	TagPending  TerminalTag = "PENDING"
)

// ApprovalMode controls how many recorded approvals complete an approval step.
type ApprovalMode string

const (
	// ApproveAny completes the step on the first approval.
	ApproveAny ApprovalMode = "any"
	// ApproveAll requires every assigned approver to approve; a single
	// rejection routes to the rejected branch immediately.
	ApproveAll ApprovalMode = "all"
)

// ActionFunc is the body of an action step. It receives the instance
// context and returns outputs to merge back into it.
type ActionFunc func(ctx context.Context, c Context) (map[string]any, error)

// Predicate guards a conditional route or a transition. It must be a pure
// function of the instance context.
type Predicate func(c Context) bool

// Route is one (predicate, next step) pair of a conditional step.
// Routes are evaluated in declared order, first match wins.
type Route struct {
	When Predicate
	To   string
}

// InputType declares the expected dynamic type of a required input key.
// A present key of the wrong type is a validation error; a missing key is
// a pause condition, never an error.
type InputType string

const (
	InputAny    InputType = "any"
	InputString InputType = "string"
	InputNumber InputType = "number"
	InputBool   InputType = "bool"
)

// ActionSpec is the payload of an action step.
type ActionSpec struct {
	Fn ActionFunc
}

// ConditionalSpec is the payload of a conditional step. DefaultTo is the
// mandatory fallback route taken when no predicate matches.
type ConditionalSpec struct {
	Routes    []Route
	DefaultTo string
}

// ApprovalSpec is the payload of an approval step.
type ApprovalSpec struct {
	Group string
	// Role optionally narrows the eligible member set within Group.
	Role string
	Mode ApprovalMode

	ApprovedTo string
	RejectedTo string

	// Timeout is the window within which a decision must arrive. Zero
	// means the step waits indefinitely. Expired approvals are failed by
	// Engine.ExpireApprovals, or rerouted to RejectedTo when
	// RejectOnTimeout is set.
	Timeout         time.Duration
	RejectOnTimeout bool
}

// IntegrationSpec is the payload of an integration step. The invocation is
// handed to the engine's ServiceInvoker; transient failures are retried
// according to Retry.
type IntegrationSpec struct {
	Service  string
	Endpoint string
	Method   string

	// Payload builds the request payload from the instance context.
	// When nil, the declared required inputs are sent.
	Payload func(c Context) map[string]any

	Retry   RetryPolicy
	Timeout time.Duration
}

// TerminalSpec is the payload of a terminal step.
type TerminalSpec struct {
	Tag TerminalTag
}

// Step is a single unit of work in a workflow graph, polymorphic over
// Kind. Steps are owned by exactly one Workflow and are immutable after
// BuildWorkflow returns.
type Step struct {
	ID   string
	Name string

	Kind StepKind

	// RequiredInputs are context keys that must be present before the
	// step may run. Missing keys pause the instance in waiting_for_input.
	RequiredInputs []string
	// InputTypes optionally declares the expected type per required key.
	InputTypes map[string]InputType
	// OutputKeys documents the context keys the step produces.
	OutputKeys []string

	Action      *ActionSpec
	Conditional *ConditionalSpec
	Approval    *ApprovalSpec
	Integration *IntegrationSpec
	Terminal    *TerminalSpec
}

// Transition is a directed edge between steps, optionally guarded.
type Transition struct {
	From string
	To   string
	When Predicate
}

// RetryPolicy controls how transient integration failures are retried.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the pause before the first retry; each subsequent
// pause grows by BackoffMultiplier (default 2.0) up to MaxBackoff.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Workflow is an immutable process definition: a validated DAG of steps
// and transitions with a single start step. It may be shared read-only
// across workers without locking. New versions get new identifiers; a
// Workflow is never mutated after BuildWorkflow.
type Workflow struct {
	id      string
	version string
	startID string

	order []string
	steps map[string]Step

	// outgoing holds every edge of the graph, including the edges implied
	// by conditional routes and approval branches, keyed by source step.
	outgoing map[string][]Transition
}

// ID returns the workflow identifier.
func (w *Workflow) ID() string { return w.id }

// Version returns the workflow version.
func (w *Workflow) Version() string { return w.version }

// StartID returns the id of the single start step.
func (w *Workflow) StartID() string { return w.startID }

// Step looks up a step by id.
func (w *Workflow) Step(id string) (Step, bool) {
	s, ok := w.steps[id]
	return s, ok
}

// Steps returns the steps in declaration order.
func (w *Workflow) Steps() []Step {
	out := make([]Step, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.steps[id])
	}
	return out
}

// Outgoing returns the outgoing transitions of a step, including edges
// implied by conditional routes and approval branches.
func (w *Workflow) Outgoing(id string) []Transition {
	src := w.outgoing[id]
	out := make([]Transition, len(src))
	copy(out, src)
	return out
}

// Successor returns the single unconditional successor of an action or
// integration step. BuildWorkflow guarantees exactly one exists.
func (w *Workflow) Successor(id string) (string, bool) {
	for _, t := range w.outgoing[id] {
		if t.When == nil {
			return t.To, true
		}
	}
	return "", false
}
