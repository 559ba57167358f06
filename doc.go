// Package virta provides an embeddable DAG workflow execution engine
// for Go.
//
// Virta drives instances of a validated step graph through execution,
// suspends at points that require external input (citizen-submitted data,
// human approval), resumes on an explicit signal, and records
// fine-grained timing so operators can find process bottlenecks. It runs
// fully in-process and integrates into an existing service without extra
// infrastructure.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Workflow
//  2. Engine
//  3. Pool
//  4. GraphBuilder
//  5. LocalRunner
//
// # Workflow
//
// A Workflow is an immutable process definition: steps plus directed,
// optionally guarded transitions, compiled by BuildWorkflow into a
// validated DAG (single start, no cycles, every step reachable, every
// path sinking into a terminal step). Steps are polymorphic over five
// kinds:
//
//   - Action: invokes a function against the instance context
//   - Conditional: routes on the first matching predicate, with a
//     mandatory default
//   - Approval: waits for a decision from a member of an approver group
//   - Integration: calls an external service with retries and backoff
//   - Terminal: completes the instance with a final status tag
//
// # Engine
//
// The Engine creates instances, advances them step by step, and exposes
// the external signals that exit the waiting states: SubmitData for
// waiting_for_input and RecordApproval for waiting_for_approval. Every
// step run appends an immutable StepExecution record with execution,
// queue-wait, and validation timings. Instances persist through a
// pluggable store; in-memory and SQLite stores ship with the module.
//
// # Pool
//
// A Pool fans Advance work out across a bounded set of workers while
// guaranteeing at most one active execution per instance. Triggers for a
// busy instance coalesce behind the in-flight run instead of running in
// parallel.
//
// # GraphBuilder
//
// GraphBuilder is the fluent definition API:
//
//	wf := virta.NewWorkflow("permit", "v1").
//	    Action("collect", collect, virta.Requires("id_number")).
//	    Approval("review", "inspectors", "issue", "rejected").
//	    Terminal("issue", virta.TagSuccess).
//	    Terminal("rejected", virta.TagRejected).
//	    Transition("collect", "review").
//	    MustBuild()
//
// # LocalRunner
//
// LocalRunner bundles an engine and a pool into a single process-local
// runtime: create an instance, SubmitAndWait for the first advance,
// deliver data and approvals, observe the resulting snapshots. Use
// NewSQLiteRunner for a crash-durable variant.
//
// Observability is wired through the Observer interface: a logging
// observer built on log/slog, a metrics aggregator with per-step
// bottleneck indicators and workflow transition analysis, and a
// composite to fan out to several at once.
package virta
