package virta

import (
	"context"
	"database/sql"
	"time"

	"github.com/mlinna/virta/internal/engine"
	"github.com/mlinna/virta/internal/metrics"
	"github.com/mlinna/virta/internal/scheduler"
	"github.com/mlinna/virta/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine         = api.Engine
	Workflow       = api.Workflow
	Step           = api.Step
	Transition     = api.Transition
	Route          = api.Route
	Instance       = api.Instance
	InstanceFilter = api.InstanceFilter
	InstanceStatus = api.InstanceStatus
	StepExecution  = api.StepExecution
	Context        = api.Context
	ActionFunc     = api.ActionFunc
	Predicate      = api.Predicate
	RetryPolicy    = api.RetryPolicy
	TerminalTag    = api.TerminalTag
	ApprovalMode   = api.ApprovalMode
	Decision       = api.Decision
	InputType      = api.InputType

	Observer        = api.Observer
	NoopObserver    = api.NoopObserver
	Directory       = api.Directory
	StaticDirectory = api.StaticDirectory
	ServiceInvoker  = api.ServiceInvoker
	Invocation      = api.Invocation
	Notifier        = api.Notifier
	Event           = api.Event
)

// Metrics aggregation is re-exported from the internal package so callers
// can query bottleneck statistics without importing internals.

type (
	MetricsAggregator = metrics.Aggregator
	MetricsConfig     = metrics.Config
	StepMetrics       = metrics.StepMetrics
	WorkflowMetrics   = metrics.WorkflowMetrics

	Pool       = scheduler.Pool
	PoolConfig = scheduler.Config
	PoolStats  = scheduler.Stats
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status and decision values for convenience.

const (
	StatusCreated            = api.StatusCreated
	StatusRunning            = api.StatusRunning
	StatusWaitingForInput    = api.StatusWaitingForInput
	StatusWaitingForApproval = api.StatusWaitingForApproval
	StatusCompleted          = api.StatusCompleted
	StatusFailed             = api.StatusFailed

	DecisionApproved = api.DecisionApproved
	DecisionRejected = api.DecisionRejected

	TagSuccess  = api.TagSuccess
	TagFailure  = api.TagFailure
	TagRejected = api.TagRejected
	TagPending  = api.TagPending

	InputAny    = api.InputAny
	InputString = api.InputString
	InputNumber = api.InputNumber
	InputBool   = api.InputBool
)

// options collects the configuration shared by the engine constructors
// and LocalRunner.
type options struct {
	engine engine.Config
	pool   scheduler.Config
}

// Option configures an engine or runner constructor.
type Option func(*options)

// WithObserver wires an Observer into the engine. Combine several with
// NewCompositeObserver, or pass a *MetricsAggregator directly.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.engine.Observer = obs }
}

// WithDirectory wires the identity collaborator used by approval steps.
func WithDirectory(d Directory) Option {
	return func(o *options) { o.engine.Directory = d }
}

// WithServiceInvoker wires the external-service collaborator used by
// integration steps.
func WithServiceInvoker(si ServiceInvoker) Option {
	return func(o *options) { o.engine.Invoker = si }
}

// WithNotifier wires the fire-and-forget notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.engine.Notifier = n }
}

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.engine.Now = now }
}

// WithWorkers sets the worker count of a LocalRunner's pool.
func WithWorkers(n int) Option {
	return func(o *options) { o.pool.Workers = n }
}

// WithQueueCapacity bounds a LocalRunner's pending-trigger queue.
func WithQueueCapacity(n int) Option {
	return func(o *options) { o.pool.QueueCapacity = n }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Engine constructors. These wrap the internal/engine package so external
// callers never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// storage. Best for tests and single-process use.
func NewInMemoryEngine(opts ...Option) Engine {
	o := buildOptions(opts)
	return engine.NewEngineWithConfig(o.engine)
}

// NewSQLiteEngine returns an Engine that persists workflow instances in a
// SQLite database. Workflow definitions are kept in-process and must be
// re-registered on startup.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	o := buildOptions(opts)
	return engine.NewSQLiteEngine(db, o.engine)
}

// NewMetricsAggregator creates a metrics aggregator. Wire it into an
// engine with WithObserver to have every StepExecution recorded.
func NewMetricsAggregator(cfg MetricsConfig) *MetricsAggregator {
	return metrics.New(cfg)
}

// NewPool creates a scheduler pool driving the given engine. Use it when
// embedding the engine without a LocalRunner.
func NewPool(eng Engine, cfg PoolConfig) *Pool {
	return scheduler.New(eng, cfg)
}

// Convenience helpers that just forward to the underlying Engine.

// CreateInstance creates an instance of a registered workflow.
func CreateInstance(ctx context.Context, eng Engine, workflowID, version, subjectID string, initial Context) (*Instance, error) {
	return eng.CreateInstance(ctx, workflowID, version, subjectID, initial)
}

// Advance runs an instance forward until it waits, completes, or fails.
func Advance(ctx context.Context, eng Engine, instanceID string) (*Instance, error) {
	return eng.Advance(ctx, instanceID)
}

// SubmitData delivers externally submitted data to a waiting instance.
func SubmitData(ctx context.Context, eng Engine, instanceID string, data map[string]any) (*Instance, error) {
	return eng.SubmitData(ctx, instanceID, data)
}

// RecordApproval records an approver's decision on a waiting instance.
func RecordApproval(ctx context.Context, eng Engine, instanceID, approverID string, decision Decision) (*Instance, error) {
	return eng.RecordApproval(ctx, instanceID, approverID, decision)
}

// GetInstance fetches an instance snapshot by ID.
func GetInstance(ctx context.Context, eng Engine, instanceID string) (*Instance, error) {
	return eng.GetInstance(ctx, instanceID)
}

// ListInstances lists instance snapshots matching the filter.
func ListInstances(ctx context.Context, eng Engine, filter InstanceFilter) ([]*Instance, error) {
	return eng.ListInstances(ctx, filter)
}

// Abort administratively fails a non-terminal instance out-of-band.
func Abort(ctx context.Context, eng Engine, instanceID, reason string) error {
	return eng.Abort(ctx, instanceID, reason)
}

// ExpireApprovals sweeps instances whose approval window has elapsed.
//
// It is typically called periodically by the embedding application:
//
//	expired, err := virta.ExpireApprovals(ctx, engine)
func ExpireApprovals(ctx context.Context, eng Engine) ([]string, error) {
	return eng.ExpireApprovals(ctx)
}
