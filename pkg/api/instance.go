package api

import (
	"maps"
	"time"
)

// Context is the mutable key/value mapping an instance accumulates as step
// outputs merge into it. Values must be JSON-encodable so instances can be
// persisted while waiting.
type Context map[string]any

// Clone returns a copy of the context. Values are copied shallowly.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	out := make(Context, len(c))
	maps.Copy(out, c)
	return out
}

// InstanceStatus is the lifecycle state of a workflow instance.
//
//	created → running ⇄ {waiting_for_input, waiting_for_approval} → completed | failed
type InstanceStatus string

const (
	StatusCreated            InstanceStatus = "created"
	StatusRunning            InstanceStatus = "running"
	StatusWaitingForInput    InstanceStatus = "waiting_for_input"
	StatusWaitingForApproval InstanceStatus = "waiting_for_approval"
	StatusCompleted          InstanceStatus = "completed"
	StatusFailed             InstanceStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExecStatus is the outcome recorded for a single step run.
type ExecStatus string

const (
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecWaiting   ExecStatus = "waiting"
)

// StepExecution is an immutable record appended to an instance's history
// each time a step runs. It is the source data for the metrics aggregator.
type StepExecution struct {
	StepID string     `json:"step_id"`
	Status ExecStatus `json:"status"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// ExecutionDuration is the time spent inside the step body.
	ExecutionDuration time.Duration `json:"execution_duration"`
	// QueueWait is the time between the step becoming eligible and
	// actually starting.
	QueueWait time.Duration `json:"queue_wait"`
	// ValidationDuration is the time spent validating declared inputs.
	ValidationDuration time.Duration `json:"validation_duration"`

	RetryCount int `json:"retry_count"`

	WaitingForApproval        bool `json:"waiting_for_approval"`
	WaitingForExternalService bool `json:"waiting_for_external_service"`

	Error string `json:"error,omitempty"`
}

// Decision is an approver's verdict on an approval step.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalRecord is one recorded approver decision.
type ApprovalRecord struct {
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	At         time.Time `json:"at"`
}

// Instance is one execution of a workflow for one subject. The scheduler
// guarantees at most one executor actively advances a given instance at
// any time; everyone else reads Snapshot copies.
type Instance struct {
	ID              string `json:"id"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion string `json:"workflow_version"`
	// SubjectID identifies the citizen or entity the instance runs for.
	SubjectID string `json:"subject_id"`

	Context       Context        `json:"context"`
	CurrentStepID string         `json:"current_step_id"`
	Status        InstanceStatus `json:"status"`

	History []StepExecution `json:"history"`

	// EligibleSince marks when the current step became eligible to run;
	// the executor derives queue wait from it.
	EligibleSince time.Time `json:"eligible_since"`

	// Approval state for the current approval step, if any.
	AssignedGroup string `json:"assigned_group,omitempty"`
	Assignee      string `json:"assignee,omitempty"`
	// RequiredApprovers pins the full approver list for all-of steps.
	RequiredApprovers []string         `json:"required_approvers,omitempty"`
	Approvals         []ApprovalRecord `json:"approvals,omitempty"`
	// ResolvedDecision is set once the recorded decisions resolve the
	// step; the executor routes on it and then clears the approval state.
	ResolvedDecision Decision  `json:"resolved_decision,omitempty"`
	ApprovalDeadline time.Time `json:"approval_deadline,omitzero"`

	// TerminalTag is set when a terminal step completes the instance.
	TerminalTag TerminalTag `json:"terminal_tag,omitempty"`
	// LastError holds the last step error detail for failed instances.
	LastError string `json:"last_error,omitempty"`

	// Aborted marks an administrative out-of-band cancellation. The
	// executor observes it before doing any further work.
	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot returns a deep copy of the instance safe to hand outside the
// engine. Context values are copied shallowly.
func (in *Instance) Snapshot() *Instance {
	cp := *in
	cp.Context = in.Context.Clone()
	cp.History = make([]StepExecution, len(in.History))
	copy(cp.History, in.History)
	if in.Approvals != nil {
		cp.Approvals = make([]ApprovalRecord, len(in.Approvals))
		copy(cp.Approvals, in.Approvals)
	}
	if in.RequiredApprovers != nil {
		cp.RequiredApprovers = make([]string, len(in.RequiredApprovers))
		copy(cp.RequiredApprovers, in.RequiredApprovers)
	}
	return &cp
}
