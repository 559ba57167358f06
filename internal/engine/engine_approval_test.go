package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mlinna/virta/pkg/api"
)

func approvalWorkflow(t *testing.T, opts ...func(*api.ApprovalSpec)) *api.Workflow {
	t.Helper()
	spec := &api.ApprovalSpec{
		Group:      "reviewers",
		Mode:       api.ApproveAny,
		ApprovedTo: "issued",
		RejectedTo: "rejected",
	}
	for _, opt := range opts {
		opt(spec)
	}
	review := api.Step{ID: "review", Name: "review", Kind: api.KindApproval, Approval: spec}
	return mustBuild(t, "permit",
		[]api.Step{
			action("prepare", nil),
			review,
			terminal("issued", api.TagSuccess),
			terminal("rejected", api.TagRejected),
		},
		[]api.Transition{{From: "prepare", To: "review"}},
		"prepare",
	)
}

func reviewersEngine(opts ...func(*Config)) api.Engine {
	cfg := Config{
		Directory: &api.StaticDirectory{
			Members: map[string][]string{"reviewers": {"maija", "pekka"}},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewEngineWithConfig(cfg)
}

func TestApproval_WaitThenApprove(t *testing.T) {
	ctx := context.Background()
	eng := reviewersEngine()
	register(t, eng, approvalWorkflow(t))

	inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)
	inst, err := eng.Advance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	if inst.Status != api.StatusWaitingForApproval {
		t.Fatalf("expected waiting_for_approval, got %s", inst.Status)
	}
	if inst.CurrentStepID != "review" {
		t.Fatalf("expected to wait at review, got %s", inst.CurrentStepID)
	}
	if inst.AssignedGroup != "reviewers" || inst.Assignee == "" {
		t.Fatalf("expected a round-robin assignee, got group=%q assignee=%q", inst.AssignedGroup, inst.Assignee)
	}
	waiting := inst.History[len(inst.History)-1]
	if waiting.Status != api.ExecWaiting || !waiting.WaitingForApproval {
		t.Fatalf("expected a waiting record with the approval flag, got %+v", waiting)
	}

	if _, err := eng.RecordApproval(ctx, inst.ID, "maija", api.DecisionApproved); err != nil {
		t.Fatalf("RecordApproval failed: %v", err)
	}
	inst, err = eng.Advance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Advance after approval failed: %v", err)
	}

	if inst.Status != api.StatusCompleted || inst.TerminalTag != api.TagSuccess {
		t.Fatalf("expected completed/SUCCESS, got %s/%s", inst.Status, inst.TerminalTag)
	}
	// The approval state is cleared once the step resolves.
	if inst.Assignee != "" || inst.ResolvedDecision != "" || len(inst.Approvals) != 0 {
		t.Fatalf("approval state must be cleared: %+v", inst)
	}
}

func TestApproval_RejectionRoutes(t *testing.T) {
	ctx := context.Background()
	eng := reviewersEngine()
	register(t, eng, approvalWorkflow(t))

	inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)
	inst, _ = eng.Advance(ctx, inst.ID)

	if _, err := eng.RecordApproval(ctx, inst.ID, "pekka", api.DecisionRejected); err != nil {
		t.Fatalf("RecordApproval failed: %v", err)
	}
	inst, _ = eng.Advance(ctx, inst.ID)

	if inst.Status != api.StatusCompleted || inst.TerminalTag != api.TagRejected {
		t.Fatalf("expected completed/REJECTED, got %s/%s", inst.Status, inst.TerminalTag)
	}
}

func TestApproval_AllOfRequiresEveryApprover(t *testing.T) {
	ctx := context.Background()
	eng := reviewersEngine()
	register(t, eng, approvalWorkflow(t, func(s *api.ApprovalSpec) { s.Mode = api.ApproveAll }))

	inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)
	inst, _ = eng.Advance(ctx, inst.ID)

	if len(inst.RequiredApprovers) != 2 {
		t.Fatalf("expected the full approver list to be pinned, got %v", inst.RequiredApprovers)
	}

	inst, err := eng.RecordApproval(ctx, inst.ID, "maija", api.DecisionApproved)
	if err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	if inst.Status != api.StatusWaitingForApproval {
		t.Fatalf("all-of step must keep waiting after one approval, got %s", inst.Status)
	}

	// Outsiders cannot decide on an all-of step.
	if _, err := eng.RecordApproval(ctx, inst.ID, "intruder", api.DecisionApproved); !errors.Is(err, api.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	// Each approver decides once.
	if _, err := eng.RecordApproval(ctx, inst.ID, "maija", api.DecisionApproved); !errors.Is(err, api.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition for duplicate approver, got %v", err)
	}

	if _, err := eng.RecordApproval(ctx, inst.ID, "pekka", api.DecisionApproved); err != nil {
		t.Fatalf("second approval failed: %v", err)
	}
	inst, _ = eng.Advance(ctx, inst.ID)
	if inst.Status != api.StatusCompleted || inst.TerminalTag != api.TagSuccess {
		t.Fatalf("expected completed/SUCCESS, got %s/%s", inst.Status, inst.TerminalTag)
	}
}

func TestApproval_AllOfSingleRejectionRejects(t *testing.T) {
	ctx := context.Background()
	eng := reviewersEngine()
	register(t, eng, approvalWorkflow(t, func(s *api.ApprovalSpec) { s.Mode = api.ApproveAll }))

	inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)
	inst, _ = eng.Advance(ctx, inst.ID)

	if _, err := eng.RecordApproval(ctx, inst.ID, "maija", api.DecisionRejected); err != nil {
		t.Fatalf("rejection failed: %v", err)
	}
	inst, _ = eng.Advance(ctx, inst.ID)
	if inst.TerminalTag != api.TagRejected {
		t.Fatalf("one rejection must reject the step, got %s", inst.TerminalTag)
	}
}

func TestApproval_EmptyGroupFallsBackToGroupOnly(t *testing.T) {
	ctx := context.Background()
	eng := NewEngineWithConfig(Config{Directory: &api.StaticDirectory{}})
	register(t, eng, approvalWorkflow(t))

	inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)
	inst, err := eng.Advance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	if inst.Status != api.StatusWaitingForApproval {
		t.Fatalf("expected waiting_for_approval, got %s", inst.Status)
	}
	if inst.Assignee != "" || inst.AssignedGroup != "reviewers" {
		t.Fatalf("expected group-only assignment, got assignee=%q group=%q", inst.Assignee, inst.AssignedGroup)
	}

	// Anyone may still act on a group-only assignment.
	if _, err := eng.RecordApproval(ctx, inst.ID, "anyone", api.DecisionApproved); err != nil {
		t.Fatalf("RecordApproval failed: %v", err)
	}
}

func TestApproval_RecordOnWrongStateFails(t *testing.T) {
	ctx := context.Background()
	eng := reviewersEngine()
	register(t, eng, approvalWorkflow(t))

	inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)

	if _, err := eng.RecordApproval(ctx, inst.ID, "maija", api.DecisionApproved); !errors.Is(err, api.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	inst, _ = eng.Advance(ctx, inst.ID)
	if _, err := eng.RecordApproval(ctx, inst.ID, "maija", "maybe"); err == nil {
		t.Fatal("unknown decision must be rejected")
	}
}

func TestExpireApprovals_TimeoutFailsInstance(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	eng := reviewersEngine(func(c *Config) { c.Now = clock.Now })
	register(t, eng, approvalWorkflow(t, func(s *api.ApprovalSpec) { s.Timeout = 48 * time.Hour }))

	inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)
	inst, _ = eng.Advance(ctx, inst.ID)
	if inst.ApprovalDeadline.IsZero() {
		t.Fatal("approval deadline must be recorded")
	}

	// Within the window nothing expires.
	expired, err := eng.ExpireApprovals(ctx)
	if err != nil || len(expired) != 0 {
		t.Fatalf("nothing should expire yet: %v %v", expired, err)
	}

	clock.Advance(49 * time.Hour)
	expired, err = eng.ExpireApprovals(ctx)
	if err != nil {
		t.Fatalf("ExpireApprovals failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != inst.ID {
		t.Fatalf("expected the waiting instance to expire, got %v", expired)
	}

	inst, _ = eng.GetInstance(ctx, inst.ID)
	if inst.Status != api.StatusFailed {
		t.Fatalf("expected failed after timeout, got %s", inst.Status)
	}
}

func TestExpireApprovals_RejectOnTimeoutReroutes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	eng := reviewersEngine(func(c *Config) { c.Now = clock.Now })
	register(t, eng, approvalWorkflow(t, func(s *api.ApprovalSpec) {
		s.Timeout = 48 * time.Hour
		s.RejectOnTimeout = true
	}))

	inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen-1", nil)
	inst, _ = eng.Advance(ctx, inst.ID)

	clock.Advance(72 * time.Hour)
	expired, err := eng.ExpireApprovals(ctx)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expected one expiry: %v %v", expired, err)
	}

	// The expired instance re-enters running; the next Advance routes it
	// down the rejected branch.
	inst, err = eng.Advance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if inst.Status != api.StatusCompleted || inst.TerminalTag != api.TagRejected {
		t.Fatalf("expected completed/REJECTED, got %s/%s", inst.Status, inst.TerminalTag)
	}
}

func TestApproval_RoundRobinAcrossInstances(t *testing.T) {
	ctx := context.Background()
	eng := reviewersEngine()
	register(t, eng, approvalWorkflow(t))

	var assignees []string
	for i := 0; i < 4; i++ {
		inst, _ := eng.CreateInstance(ctx, "permit", "v1", "citizen", nil)
		inst, _ = eng.Advance(ctx, inst.ID)
		assignees = append(assignees, inst.Assignee)
	}

	want := []string{"maija", "pekka", "maija", "pekka"}
	for i := range want {
		if assignees[i] != want[i] {
			t.Fatalf("round-robin broken at %d: got %v", i, assignees)
		}
	}
}
