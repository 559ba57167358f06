// Package metrics accumulates per-step execution records into bottleneck
// statistics and transition-time analysis, so operators can find where a
// process stalls.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mlinna/virta/pkg/api"
)

// Config tunes aggregation.
type Config struct {
	// QueueThreshold marks an execution as queue-bottlenecked when its
	// queue wait exceeds it. Defaults to 5s.
	QueueThreshold time.Duration
	// TopErrors caps the distinct error messages reported per step.
	// Defaults to 5.
	TopErrors int
}

// ErrorCount is one distinct error message and how often it occurred.
type ErrorCount struct {
	Message string
	Count   int
}

// BottleneckIndicators are the per-step bottleneck fractions, as
// percentages of all executions of the step.
type BottleneckIndicators struct {
	ApprovalBottleneckPercentage float64
	ExternalServicePercentage    float64
	SlowQueuePercentage          float64
}

// StepMetrics summarizes every recorded execution of one step.
type StepMetrics struct {
	StepID string

	ExecutionCount int
	SuccessRate    float64 // percentage
	FailureRate    float64 // percentage

	MinExecutionMs float64
	AvgExecutionMs float64
	MaxExecutionMs float64

	AvgQueueMs      float64
	AvgValidationMs float64

	TopErrors []ErrorCount

	Bottlenecks BottleneckIndicators
}

// TransitionStat is the average wall-clock gap between one step's
// completion and the next step's start, across all instances.
type TransitionStat struct {
	From     string
	To       string
	Count    int
	AvgGapMs float64
}

// WorkflowMetrics is the workflow-level transition analysis.
type WorkflowMetrics struct {
	WorkflowID  string
	Instances   int
	Transitions []TransitionStat
	// SlowestTransition surfaces the single largest citizen-visible wait
	// in the graph, nil when no transitions were observed.
	SlowestTransition *TransitionStat
}

type record struct {
	workflowID string
	instanceID string
	exec       api.StepExecution
}

// Aggregator accumulates StepExecution records. Writes append under a
// short lock; queries snapshot the records under the same lock and do all
// aggregation outside it, so the read path never holds writers back.
//
// Aggregator implements api.Observer and can be wired into an engine
// directly, alone or via api.NewCompositeObserver.
type Aggregator struct {
	api.NoopObserver

	cfg Config

	mu      sync.Mutex
	records []record
}

// New creates an Aggregator with the given config.
func New(cfg Config) *Aggregator {
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = 5 * time.Second
	}
	if cfg.TopErrors <= 0 {
		cfg.TopErrors = 5
	}
	return &Aggregator{cfg: cfg}
}

var _ api.Observer = (*Aggregator)(nil)

// Record appends one step execution.
func (a *Aggregator) Record(workflowID, instanceID string, exec api.StepExecution) {
	a.mu.Lock()
	a.records = append(a.records, record{workflowID: workflowID, instanceID: instanceID, exec: exec})
	a.mu.Unlock()
}

// OnStepExecuted feeds observer callbacks into Record.
func (a *Aggregator) OnStepExecuted(ctx context.Context, inst *api.Instance, exec api.StepExecution) {
	a.Record(inst.WorkflowID, inst.ID, exec)
}

func (a *Aggregator) snapshot() []record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]record, len(a.records))
	copy(out, a.records)
	return out
}

// QueryStep aggregates all recorded executions of stepID.
func (a *Aggregator) QueryStep(stepID string) StepMetrics {
	m := StepMetrics{StepID: stepID}

	var (
		totalExec       time.Duration
		totalQueue      time.Duration
		totalValidation time.Duration
		completed       int
		failed          int
		approvalWaits   int
		externalWaits   int
		slowQueue       int
		minExec         time.Duration = -1
		maxExec         time.Duration
		errCounts                     = map[string]int{}
	)

	for _, r := range a.snapshot() {
		if r.exec.StepID != stepID {
			continue
		}
		m.ExecutionCount++

		switch r.exec.Status {
		case api.ExecCompleted:
			completed++
		case api.ExecFailed:
			failed++
		}
		if r.exec.WaitingForApproval {
			approvalWaits++
		}
		if r.exec.WaitingForExternalService {
			externalWaits++
		}
		if r.exec.QueueWait > a.cfg.QueueThreshold {
			slowQueue++
		}
		if r.exec.Error != "" {
			errCounts[r.exec.Error]++
		}

		d := r.exec.ExecutionDuration
		totalExec += d
		totalQueue += r.exec.QueueWait
		totalValidation += r.exec.ValidationDuration
		if minExec < 0 || d < minExec {
			minExec = d
		}
		if d > maxExec {
			maxExec = d
		}
	}

	if m.ExecutionCount == 0 {
		return m
	}

	n := float64(m.ExecutionCount)
	m.SuccessRate = 100 * float64(completed) / n
	m.FailureRate = 100 * float64(failed) / n
	m.MinExecutionMs = durationMs(minExec)
	m.MaxExecutionMs = durationMs(maxExec)
	m.AvgExecutionMs = durationMs(totalExec) / n
	m.AvgQueueMs = durationMs(totalQueue) / n
	m.AvgValidationMs = durationMs(totalValidation) / n

	m.Bottlenecks = BottleneckIndicators{
		ApprovalBottleneckPercentage: 100 * float64(approvalWaits) / n,
		ExternalServicePercentage:    100 * float64(externalWaits) / n,
		SlowQueuePercentage:          100 * float64(slowQueue) / n,
	}

	m.TopErrors = topErrors(errCounts, a.cfg.TopErrors)
	return m
}

// QueryWorkflow computes the transition analysis for one workflow: for
// every consecutive pair of steps observed in instance histories, the
// average gap between the first step's completion and the second step's
// start.
func (a *Aggregator) QueryWorkflow(workflowID string) WorkflowMetrics {
	m := WorkflowMetrics{WorkflowID: workflowID}

	// Rebuild per-instance histories in recorded order.
	byInstance := map[string][]api.StepExecution{}
	var order []string
	for _, r := range a.snapshot() {
		if r.workflowID != workflowID {
			continue
		}
		if _, seen := byInstance[r.instanceID]; !seen {
			order = append(order, r.instanceID)
		}
		byInstance[r.instanceID] = append(byInstance[r.instanceID], r.exec)
	}
	m.Instances = len(byInstance)

	type key struct{ from, to string }
	gaps := map[key]struct {
		total time.Duration
		count int
	}{}
	var keys []key

	for _, id := range order {
		hist := byInstance[id]
		for i := 1; i < len(hist); i++ {
			prev, next := hist[i-1], hist[i]
			if prev.CompletedAt.IsZero() || next.StartedAt.IsZero() {
				continue
			}
			k := key{from: prev.StepID, to: next.StepID}
			g, seen := gaps[k]
			if !seen {
				keys = append(keys, k)
			}
			g.total += next.StartedAt.Sub(prev.CompletedAt)
			g.count++
			gaps[k] = g
		}
	}

	for _, k := range keys {
		g := gaps[k]
		m.Transitions = append(m.Transitions, TransitionStat{
			From:     k.from,
			To:       k.to,
			Count:    g.count,
			AvgGapMs: durationMs(g.total) / float64(g.count),
		})
	}

	for i := range m.Transitions {
		if m.SlowestTransition == nil || m.Transitions[i].AvgGapMs > m.SlowestTransition.AvgGapMs {
			m.SlowestTransition = &m.Transitions[i]
		}
	}
	return m
}

func topErrors(counts map[string]int, n int) []ErrorCount {
	if len(counts) == 0 {
		return nil
	}
	out := make([]ErrorCount, 0, len(counts))
	for msg, c := range counts {
		out = append(out, ErrorCount{Message: msg, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
