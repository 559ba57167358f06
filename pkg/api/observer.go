package api

import (
	"context"
	"log/slog"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay instance execution.
type Observer interface {
	// OnInstanceCreated is called once when an instance is created,
	// before it is first advanced.
	OnInstanceCreated(ctx context.Context, inst *Instance)

	// OnStepStart is called before the executor runs a step body.
	OnStepStart(ctx context.Context, inst *Instance, stepID string)

	// OnStepExecuted is called after a StepExecution record is appended
	// to the instance history, for completed, failed, and waiting runs.
	OnStepExecuted(ctx context.Context, inst *Instance, exec StepExecution)

	// OnInstanceWaiting is called when the instance enters
	// waiting_for_input or waiting_for_approval.
	OnInstanceWaiting(ctx context.Context, inst *Instance)

	// OnInstanceCompleted is called when the instance reaches a terminal
	// step.
	OnInstanceCompleted(ctx context.Context, inst *Instance)

	// OnInstanceFailed is called when the instance transitions to failed.
	OnInstanceFailed(ctx context.Context, inst *Instance, err error)
}

// NoopObserver is an Observer that does nothing. It is the default when
// no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceCreated(ctx context.Context, inst *Instance)                 {}
func (NoopObserver) OnStepStart(ctx context.Context, inst *Instance, stepID string)        {}
func (NoopObserver) OnStepExecuted(ctx context.Context, inst *Instance, exec StepExecution) {
}
func (NoopObserver) OnInstanceWaiting(ctx context.Context, inst *Instance)            {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *Instance)          {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceCreated(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceCreated(ctx, inst)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *Instance, stepID string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, stepID)
	}
}

func (c *CompositeObserver) OnStepExecuted(ctx context.Context, inst *Instance, exec StepExecution) {
	for _, o := range c.observers {
		o.OnStepExecuted(ctx, inst, exec)
	}
}

func (c *CompositeObserver) OnInstanceWaiting(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceWaiting(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceCreated(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_created",
		slog.String("workflow", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
		slog.String("subject", inst.SubjectID),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *Instance, stepID string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
		slog.String("step", stepID),
	)
}

func (o *LoggingObserver) OnStepExecuted(ctx context.Context, inst *Instance, exec StepExecution) {
	level := slog.LevelDebug
	if exec.Status == ExecFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_executed",
		slog.String("workflow", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
		slog.String("step", exec.StepID),
		slog.String("status", string(exec.Status)),
		slog.Duration("duration", exec.ExecutionDuration),
		slog.Duration("queue_wait", exec.QueueWait),
		slog.Int("retries", exec.RetryCount),
		slog.String("error", exec.Error),
	)
}

func (o *LoggingObserver) OnInstanceWaiting(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_waiting",
		slog.String("workflow", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
		slog.String("status", string(inst.Status)),
		slog.String("step", inst.CurrentStepID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *Instance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("workflow", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
		slog.String("terminal_tag", string(inst.TerminalTag)),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *Instance, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("workflow", inst.WorkflowID),
		slog.String("instance_id", inst.ID),
		slog.String("step", inst.CurrentStepID),
		slog.Any("error", err),
	)
}
