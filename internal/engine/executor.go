package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mlinna/virta/pkg/api"
)

// Advance runs the instance forward until it reaches a waiting state, a
// terminal step, or a step fails. State is persisted at every transition
// boundary, so the instance can be reloaded mid-process after a crash.
//
// Workflow-level failures (validation errors, step errors) are recorded
// on the instance and returned with a nil error; a non-nil error means an
// infrastructure problem (store, registry, cancelled context).
func (e *engineImpl) Advance(ctx context.Context, instanceID string) (*api.Instance, error) {
	inst, err := e.instances.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}

	// An out-of-band abort must be observed before doing any work.
	if inst.Aborted && !inst.Status.Terminal() {
		e.failInstance(ctx, inst, errors.New("aborted: "+inst.AbortReason))
		return inst.Snapshot(), nil
	}

	switch inst.Status {
	case api.StatusCreated:
		inst.Status = api.StatusRunning
	case api.StatusRunning:
	default:
		// Waiting states exit only via SubmitData / RecordApproval, and
		// terminal states not at all.
		return inst.Snapshot(), nil
	}

	wf, err := e.registry.Get(inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, err
	}

	for inst.Status == api.StatusRunning {
		if ctxErr := ctx.Err(); ctxErr != nil {
			inst.UpdatedAt = e.now()
			_ = e.instances.UpdateInstance(inst)
			return inst.Snapshot(), ctxErr
		}

		step, ok := wf.Step(inst.CurrentStepID)
		if !ok {
			e.failInstance(ctx, inst, &api.StepError{
				StepID: inst.CurrentStepID,
				Err:    errors.New("step not in workflow definition"),
			})
			break
		}

		queueWait := e.now().Sub(inst.EligibleSince)

		// Missing declared inputs pause the instance; they are never an
		// error. Malformed present inputs are.
		if missing := missingInputs(step, inst.Context); len(missing) > 0 {
			e.enterInputWait(ctx, inst, step, queueWait, missing)
			break
		}

		started := e.now()
		verr := validateInputs(step, inst.Context)
		validation := e.now().Sub(started)
		if verr != nil {
			e.appendExec(ctx, inst, api.StepExecution{
				StepID:             step.ID,
				Status:             api.ExecFailed,
				StartedAt:          started,
				CompletedAt:        e.now(),
				QueueWait:          queueWait,
				ValidationDuration: validation,
				Error:              verr.Error(),
			})
			e.failInstance(ctx, inst, verr)
			break
		}

		e.observer.OnStepStart(ctx, inst, step.ID)

		switch step.Kind {
		case api.KindConditional:
			// Conditionals are pure routers: they pick the next step and
			// leave no history record of their own.
			next, rerr := routeConditional(step, inst.Context)
			if rerr != nil {
				e.appendExec(ctx, inst, api.StepExecution{
					StepID:             step.ID,
					Status:             api.ExecFailed,
					StartedAt:          started,
					CompletedAt:        e.now(),
					QueueWait:          queueWait,
					ValidationDuration: validation,
					Error:              rerr.Error(),
				})
				e.failInstance(ctx, inst, rerr)
				break
			}
			e.advanceTo(inst, next)
			if err := e.instances.UpdateInstance(inst); err != nil {
				return inst.Snapshot(), err
			}

		case api.KindAction:
			outputs, aerr := runAction(ctx, step, inst.Context)
			completed := e.now()
			if aerr != nil {
				serr := &api.StepError{StepID: step.ID, Err: aerr}
				e.appendExec(ctx, inst, api.StepExecution{
					StepID:             step.ID,
					Status:             api.ExecFailed,
					StartedAt:          started,
					CompletedAt:        completed,
					ExecutionDuration:  completed.Sub(started),
					QueueWait:          queueWait,
					ValidationDuration: validation,
					Error:              serr.Error(),
				})
				e.failInstance(ctx, inst, serr)
				break
			}
			mergeOutputs(inst, outputs)
			e.appendExec(ctx, inst, api.StepExecution{
				StepID:             step.ID,
				Status:             api.ExecCompleted,
				StartedAt:          started,
				CompletedAt:        completed,
				ExecutionDuration:  completed.Sub(started),
				QueueWait:          queueWait,
				ValidationDuration: validation,
			})
			next, _ := wf.Successor(step.ID)
			e.advanceTo(inst, next)
			if err := e.instances.UpdateInstance(inst); err != nil {
				return inst.Snapshot(), err
			}

		case api.KindIntegration:
			if err := e.runIntegration(ctx, wf, inst, step, started, queueWait, validation); err != nil {
				return inst.Snapshot(), err
			}

		case api.KindApproval:
			if inst.ResolvedDecision != "" {
				e.resolveApproval(ctx, inst, step, started, queueWait, validation)
				if err := e.instances.UpdateInstance(inst); err != nil {
					return inst.Snapshot(), err
				}
				continue
			}
			if err := e.enterApprovalWait(ctx, inst, step, started, queueWait, validation); err != nil {
				return inst.Snapshot(), err
			}

		case api.KindTerminal:
			completed := e.now()
			inst.Status = api.StatusCompleted
			inst.TerminalTag = step.Terminal.Tag
			e.appendExec(ctx, inst, api.StepExecution{
				StepID:             step.ID,
				Status:             api.ExecCompleted,
				StartedAt:          started,
				CompletedAt:        completed,
				ExecutionDuration:  completed.Sub(started),
				QueueWait:          queueWait,
				ValidationDuration: validation,
			})
			inst.UpdatedAt = completed
			if err := e.instances.UpdateInstance(inst); err != nil {
				return inst.Snapshot(), err
			}
			e.notifier.Notify(ctx, api.EventCompleted, inst.ID, map[string]any{
				"terminal_tag": string(step.Terminal.Tag),
			})
			e.observer.OnInstanceCompleted(ctx, inst)
		}
	}

	return inst.Snapshot(), nil
}

// runIntegration invokes the external service contract, retrying
// transient failures up to the step's retry budget with exponential
// backoff, then promoting exhaustion to a permanent StepError.
func (e *engineImpl) runIntegration(ctx context.Context, wf *api.Workflow, inst *api.Instance, step api.Step, started time.Time, queueWait, validation time.Duration) error {
	spec := step.Integration

	payload := map[string]any{}
	if spec.Payload != nil {
		payload = spec.Payload(inst.Context)
	} else {
		for _, key := range step.RequiredInputs {
			if v, ok := inst.Context[key]; ok {
				payload[key] = v
			}
		}
	}

	maxAttempts := 1
	backoff := spec.Retry.InitialBackoff
	multiplier := spec.Retry.BackoffMultiplier
	if spec.Retry.MaxAttempts > 0 {
		maxAttempts = spec.Retry.MaxAttempts
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var (
		outputs    map[string]any
		lastErr    error
		transients int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outputs, lastErr = e.invoke(ctx, api.Invocation{
			Service:  spec.Service,
			Endpoint: spec.Endpoint,
			Method:   spec.Method,
			Payload:  payload,
			Timeout:  spec.Timeout,
		})
		if lastErr == nil {
			break
		}
		if !api.IsTransient(lastErr) {
			// Validation-style or permanent failures are not retried.
			break
		}
		transients++
		if attempt == maxAttempts {
			lastErr = fmt.Errorf("retry budget exhausted after %d attempts: %w", maxAttempts, lastErr)
			break
		}
		if err := e.sleep(ctx, backoff); err != nil {
			inst.UpdatedAt = e.now()
			_ = e.instances.UpdateInstance(inst)
			return err
		}
		next := time.Duration(float64(backoff) * multiplier)
		if spec.Retry.MaxBackoff > 0 && next > spec.Retry.MaxBackoff {
			next = spec.Retry.MaxBackoff
		}
		backoff = next
	}

	completed := e.now()
	exec := api.StepExecution{
		StepID:                    step.ID,
		StartedAt:                 started,
		CompletedAt:               completed,
		ExecutionDuration:         completed.Sub(started),
		QueueWait:                 queueWait,
		ValidationDuration:        validation,
		RetryCount:                transients,
		WaitingForExternalService: transients > 0,
	}

	if lastErr != nil {
		serr := &api.StepError{StepID: step.ID, Err: lastErr}
		exec.Status = api.ExecFailed
		exec.Error = serr.Error()
		e.appendExec(ctx, inst, exec)
		e.failInstance(ctx, inst, serr)
		return nil
	}

	mergeOutputs(inst, outputs)
	exec.Status = api.ExecCompleted
	e.appendExec(ctx, inst, exec)
	next, _ := wf.Successor(step.ID)
	e.advanceTo(inst, next)
	return e.instances.UpdateInstance(inst)
}

// invoke calls the configured ServiceInvoker, converting a missing
// invoker or a panic inside it into a step failure.
func (e *engineImpl) invoke(ctx context.Context, inv api.Invocation) (out map[string]any, err error) {
	if e.invoker == nil {
		return nil, fmt.Errorf("no service invoker configured for %s", inv.Service)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service invoker panic: %v", r)
		}
	}()
	return e.invoker.Invoke(ctx, inv)
}

// enterApprovalWait assigns an approver and parks the instance in
// waiting_for_approval.
func (e *engineImpl) enterApprovalWait(ctx context.Context, inst *api.Instance, step api.Step, started time.Time, queueWait, validation time.Duration) error {
	spec := step.Approval
	inst.AssignedGroup = spec.Group

	switch spec.Mode {
	case api.ApproveAll:
		members, err := e.assigner.Eligible(ctx, spec.Group, spec.Role)
		switch {
		case errors.Is(err, api.ErrNoEligibleAssignee):
			// Group-only assignment: anyone in the group may act.
			inst.RequiredApprovers = nil
		case err != nil:
			return err
		default:
			inst.RequiredApprovers = members
		}
	default:
		assignee, err := e.assigner.Assign(ctx, spec.Group, spec.Role)
		switch {
		case errors.Is(err, api.ErrNoEligibleAssignee):
			inst.Assignee = ""
		case err != nil:
			return err
		default:
			inst.Assignee = assignee
		}
	}

	now := e.now()
	if spec.Timeout > 0 {
		inst.ApprovalDeadline = now.Add(spec.Timeout)
	}
	inst.Status = api.StatusWaitingForApproval
	inst.UpdatedAt = now

	e.appendExec(ctx, inst, api.StepExecution{
		StepID:             step.ID,
		Status:             api.ExecWaiting,
		StartedAt:          started,
		CompletedAt:        now,
		ExecutionDuration:  now.Sub(started),
		QueueWait:          queueWait,
		ValidationDuration: validation,
		WaitingForApproval: true,
	})
	if err := e.instances.UpdateInstance(inst); err != nil {
		return err
	}

	e.notifier.Notify(ctx, api.EventWaitingForApproval, inst.ID, map[string]any{
		"step":     step.ID,
		"group":    spec.Group,
		"assignee": inst.Assignee,
	})
	e.observer.OnInstanceWaiting(ctx, inst)
	return nil
}

// resolveApproval routes on the recorded decision and clears the approval
// state so a later approval step starts fresh.
func (e *engineImpl) resolveApproval(ctx context.Context, inst *api.Instance, step api.Step, started time.Time, queueWait, validation time.Duration) {
	next := step.Approval.ApprovedTo
	if inst.ResolvedDecision == api.DecisionRejected {
		next = step.Approval.RejectedTo
	}

	completed := e.now()
	e.appendExec(ctx, inst, api.StepExecution{
		StepID:             step.ID,
		Status:             api.ExecCompleted,
		StartedAt:          started,
		CompletedAt:        completed,
		ExecutionDuration:  completed.Sub(started),
		QueueWait:          queueWait,
		ValidationDuration: validation,
	})

	inst.Assignee = ""
	inst.AssignedGroup = ""
	inst.RequiredApprovers = nil
	inst.Approvals = nil
	inst.ResolvedDecision = ""
	inst.ApprovalDeadline = time.Time{}

	e.advanceTo(inst, next)
}

// enterInputWait parks the instance until SubmitData provides the
// missing context keys.
func (e *engineImpl) enterInputWait(ctx context.Context, inst *api.Instance, step api.Step, queueWait time.Duration, missing []string) {
	now := e.now()
	inst.Status = api.StatusWaitingForInput
	inst.UpdatedAt = now

	e.appendExec(ctx, inst, api.StepExecution{
		StepID:      step.ID,
		Status:      api.ExecWaiting,
		StartedAt:   now,
		CompletedAt: now,
		QueueWait:   queueWait,
	})
	_ = e.instances.UpdateInstance(inst)

	e.notifier.Notify(ctx, api.EventWaitingForInput, inst.ID, map[string]any{
		"step":    step.ID,
		"missing": missing,
	})
	e.observer.OnInstanceWaiting(ctx, inst)
}

// appendExec appends an immutable StepExecution record to the instance
// history and fans it out to the observer.
func (e *engineImpl) appendExec(ctx context.Context, inst *api.Instance, exec api.StepExecution) {
	inst.History = append(inst.History, exec)
	e.observer.OnStepExecuted(ctx, inst, exec)
}

// advanceTo moves the current-step pointer and restarts the queue-wait
// clock for the next step.
func (e *engineImpl) advanceTo(inst *api.Instance, next string) {
	now := e.now()
	inst.CurrentStepID = next
	inst.EligibleSince = now
	inst.UpdatedAt = now
}

func mergeOutputs(inst *api.Instance, outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	if inst.Context == nil {
		inst.Context = api.Context{}
	}
	for k, v := range outputs {
		inst.Context[k] = v
	}
}

// runAction invokes the step function, converting panics into errors so a
// misbehaving step body can never take the worker down.
func runAction(ctx context.Context, step api.Step, c api.Context) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step body: %v", r)
		}
	}()
	return step.Action.Fn(ctx, c)
}

// routeConditional evaluates the routes in declared order, first match
// wins, falling back to the mandatory default.
func routeConditional(step api.Step, c api.Context) (next string, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = ""
			err = &api.StepError{StepID: step.ID, Err: fmt.Errorf("panic in predicate: %v", r)}
		}
	}()
	for _, route := range step.Conditional.Routes {
		if route.When(c) {
			return route.To, nil
		}
	}
	return step.Conditional.DefaultTo, nil
}

func missingInputs(step api.Step, c api.Context) []string {
	var missing []string
	for _, key := range step.RequiredInputs {
		if _, ok := c[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// validateInputs checks present required inputs against their declared
// types. Missing keys are handled before validation and are not errors.
func validateInputs(step api.Step, c api.Context) error {
	for _, key := range step.RequiredInputs {
		want, declared := step.InputTypes[key]
		if !declared || want == api.InputAny {
			continue
		}
		v, ok := c[key]
		if !ok {
			continue
		}
		if !typeMatches(want, v) {
			return &api.ValidationError{
				StepID: step.ID,
				Key:    key,
				Want:   want,
				Got:    fmt.Sprintf("%T", v),
			}
		}
	}
	return nil
}

func typeMatches(want api.InputType, v any) bool {
	switch want {
	case api.InputString:
		_, ok := v.(string)
		return ok
	case api.InputBool:
		_, ok := v.(bool)
		return ok
	case api.InputNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	}
	return true
}
