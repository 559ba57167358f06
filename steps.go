package virta

import (
	"time"

	"github.com/mlinna/virta/pkg/api"
)

// Step constructors. Each returns a fully-formed api.Step for one of the
// five step kinds; StepOptions fill in the common attributes.

// StepOption customizes a step under construction. Options that target a
// specific kind (for example ApprovalTimeout) are no-ops on other kinds.
type StepOption func(*api.Step)

// Named sets the human-readable display name. Defaults to the step id.
func Named(name string) StepOption {
	return func(s *api.Step) { s.Name = name }
}

// Requires declares context keys that must be present before the step
// runs. Missing keys pause the instance in waiting_for_input.
func Requires(keys ...string) StepOption {
	return func(s *api.Step) { s.RequiredInputs = append(s.RequiredInputs, keys...) }
}

// RequiresTyped declares a required key together with its expected type.
// A present value of the wrong type fails validation.
func RequiresTyped(key string, t InputType) StepOption {
	return func(s *api.Step) {
		s.RequiredInputs = append(s.RequiredInputs, key)
		if s.InputTypes == nil {
			s.InputTypes = make(map[string]api.InputType)
		}
		s.InputTypes[key] = t
	}
}

// Produces documents the context keys the step writes.
func Produces(keys ...string) StepOption {
	return func(s *api.Step) { s.OutputKeys = append(s.OutputKeys, keys...) }
}

// RequireAllApprovers switches an approval step to all-of semantics:
// every eligible approver must approve; one rejection rejects.
func RequireAllApprovers() StepOption {
	return func(s *api.Step) {
		if s.Approval != nil {
			s.Approval.Mode = api.ApproveAll
		}
	}
}

// ApproverRole narrows an approval step's eligible set to group members
// holding the given role.
func ApproverRole(role string) StepOption {
	return func(s *api.Step) {
		if s.Approval != nil {
			s.Approval.Role = role
		}
	}
}

// ApprovalTimeout bounds how long an approval step may wait for a
// decision. Expired instances are failed by ExpireApprovals, or routed
// to the rejected branch when rejectOnTimeout is set.
func ApprovalTimeout(d time.Duration, rejectOnTimeout bool) StepOption {
	return func(s *api.Step) {
		if s.Approval != nil {
			s.Approval.Timeout = d
			s.Approval.RejectOnTimeout = rejectOnTimeout
		}
	}
}

// WithRetry sets the retry policy of an integration step.
func WithRetry(policy RetryPolicy) StepOption {
	return func(s *api.Step) {
		if s.Integration != nil {
			s.Integration.Retry = policy
		}
	}
}

// WithTimeout sets the per-call timeout of an integration step.
func WithTimeout(d time.Duration) StepOption {
	return func(s *api.Step) {
		if s.Integration != nil {
			s.Integration.Timeout = d
		}
	}
}

// WithPayload overrides how an integration step builds its request
// payload from the instance context. Defaults to the declared required
// inputs.
func WithPayload(fn func(c Context) map[string]any) StepOption {
	return func(s *api.Step) {
		if s.Integration != nil {
			s.Integration.Payload = fn
		}
	}
}

func applyOptions(s api.Step, opts []StepOption) api.Step {
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Action creates a step that invokes fn with the instance context and
// merges its outputs back in.
func Action(id string, fn ActionFunc, opts ...StepOption) api.Step {
	s := api.Step{ID: id, Name: id, Kind: api.KindAction, Action: &api.ActionSpec{Fn: fn}}
	return applyOptions(s, opts)
}

// When builds one conditional route.
func When(pred Predicate, to string) Route {
	return api.Route{When: pred, To: to}
}

// Conditional creates a routing step. Routes are evaluated in declared
// order, first match wins; defaultTo is the mandatory fallback.
func Conditional(id string, routes []Route, defaultTo string, opts ...StepOption) api.Step {
	s := api.Step{
		ID:   id,
		Name: id,
		Kind: api.KindConditional,
		Conditional: &api.ConditionalSpec{
			Routes:    routes,
			DefaultTo: defaultTo,
		},
	}
	return applyOptions(s, opts)
}

// Approval creates a step that waits for a decision from a member of the
// given group, then routes to approvedTo or rejectedTo.
func Approval(id, group, approvedTo, rejectedTo string, opts ...StepOption) api.Step {
	s := api.Step{
		ID:   id,
		Name: id,
		Kind: api.KindApproval,
		Approval: &api.ApprovalSpec{
			Group:      group,
			Mode:       api.ApproveAny,
			ApprovedTo: approvedTo,
			RejectedTo: rejectedTo,
		},
	}
	return applyOptions(s, opts)
}

// Integration creates a step that calls an external service through the
// engine's ServiceInvoker and merges the response into the context.
func Integration(id, service, endpoint, method string, opts ...StepOption) api.Step {
	s := api.Step{
		ID:   id,
		Name: id,
		Kind: api.KindIntegration,
		Integration: &api.IntegrationSpec{
			Service:  service,
			Endpoint: endpoint,
			Method:   method,
		},
	}
	return applyOptions(s, opts)
}

// Terminal creates a sink step that completes the instance with the
// given final status tag.
func Terminal(id string, tag TerminalTag, opts ...StepOption) api.Step {
	s := api.Step{ID: id, Name: id, Kind: api.KindTerminal, Terminal: &api.TerminalSpec{Tag: tag}}
	return applyOptions(s, opts)
}
