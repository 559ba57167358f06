package virta

import (
	"fmt"

	"github.com/mlinna/virta/pkg/api"
)

// GraphBuilder provides a fluent API for defining workflow graphs:
//
//	wf, err := virta.NewWorkflow("building-permit", "v1").
//	    Action("collect", collectDocs, virta.Requires("id_number")).
//	    Conditional("triage", []virta.Route{
//	        virta.When(func(c virta.Context) bool { return c["floors"].(int) > 3 }, "review"),
//	    }, "auto-approve").
//	    Approval("review", "inspectors", "issue", "rejected").
//	    Terminal("issue", virta.TagSuccess).
//	    Terminal("auto-approve", virta.TagSuccess).
//	    Terminal("rejected", virta.TagRejected).
//	    Transition("collect", "triage").
//	    Build()
//
// The first added step becomes the start step unless Start overrides it.
// Structural errors surface eagerly where possible; everything else is
// caught by Build, which delegates to api.BuildWorkflow.
type GraphBuilder struct {
	id      string
	version string
	startID string

	steps       []api.Step
	seen        map[string]bool
	transitions []api.Transition

	err error
}

// NewWorkflow creates a builder for the workflow (id, version) pair.
func NewWorkflow(id, version string) *GraphBuilder {
	return &GraphBuilder{
		id:      id,
		version: version,
		seen:    make(map[string]bool),
	}
}

// ID returns the workflow identifier.
func (b *GraphBuilder) ID() string { return b.id }

// Add appends pre-built steps to the graph. Duplicate ids are recorded
// as a sticky error and reported by Build.
func (b *GraphBuilder) Add(steps ...api.Step) *GraphBuilder {
	for _, s := range steps {
		if b.seen[s.ID] && b.err == nil {
			b.err = &api.GraphError{Kind: api.DuplicateStep, StepID: s.ID}
		}
		b.seen[s.ID] = true
		if b.startID == "" {
			b.startID = s.ID
		}
		b.steps = append(b.steps, s)
	}
	return b
}

// Start overrides the start step. The first added step is the default.
func (b *GraphBuilder) Start(id string) *GraphBuilder {
	b.startID = id
	return b
}

// Action appends an action step.
func (b *GraphBuilder) Action(id string, fn ActionFunc, opts ...StepOption) *GraphBuilder {
	return b.Add(Action(id, fn, opts...))
}

// Conditional appends a routing step with the given routes and fallback.
func (b *GraphBuilder) Conditional(id string, routes []Route, defaultTo string, opts ...StepOption) *GraphBuilder {
	return b.Add(Conditional(id, routes, defaultTo, opts...))
}

// Approval appends an approval step.
func (b *GraphBuilder) Approval(id, group, approvedTo, rejectedTo string, opts ...StepOption) *GraphBuilder {
	return b.Add(Approval(id, group, approvedTo, rejectedTo, opts...))
}

// Integration appends an external-service step.
func (b *GraphBuilder) Integration(id, service, endpoint, method string, opts ...StepOption) *GraphBuilder {
	return b.Add(Integration(id, service, endpoint, method, opts...))
}

// Terminal appends a sink step with the given final status tag.
func (b *GraphBuilder) Terminal(id string, tag TerminalTag, opts ...StepOption) *GraphBuilder {
	return b.Add(Terminal(id, tag, opts...))
}

// Transition adds an unconditional edge between two steps.
func (b *GraphBuilder) Transition(from, to string) *GraphBuilder {
	b.transitions = append(b.transitions, api.Transition{From: from, To: to})
	return b
}

// TransitionWhen adds an edge guarded by a predicate on the context.
func (b *GraphBuilder) TransitionWhen(from, to string, when Predicate) *GraphBuilder {
	b.transitions = append(b.transitions, api.Transition{From: from, To: to, When: when})
	return b
}

// Build compiles the accumulated steps and transitions into a validated,
// immutable Workflow.
func (b *GraphBuilder) Build() (*Workflow, error) {
	if b.err != nil {
		return nil, b.err
	}
	return api.BuildWorkflow(b.id, b.version, b.steps, b.transitions, b.startID)
}

// MustBuild is like Build but panics on error. Useful for definitions
// assembled at startup, where a structural error is a programming bug.
func (b *GraphBuilder) MustBuild() *Workflow {
	wf, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("virta: %v", err))
	}
	return wf
}

// Register builds the workflow and registers it with the given engine.
func (b *GraphBuilder) Register(eng Engine) error {
	wf, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterWorkflow(wf)
}

// MustRegister is like Register but panics on error. Useful for
// initialization in main().
func (b *GraphBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
