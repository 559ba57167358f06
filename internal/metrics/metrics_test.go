package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlinna/virta/pkg/api"
)

func exec(stepID string, status api.ExecStatus, d time.Duration) api.StepExecution {
	return api.StepExecution{
		StepID:            stepID,
		Status:            status,
		ExecutionDuration: d,
	}
}

func TestQueryStep_ApprovalBottleneckPercentage(t *testing.T) {
	agg := New(Config{})

	// 100 executions of step X, 85 flagged as waiting for approval.
	for i := 0; i < 100; i++ {
		e := exec("X", api.ExecCompleted, time.Millisecond)
		if i < 85 {
			e.Status = api.ExecWaiting
			e.WaitingForApproval = true
		}
		agg.Record("permit", fmt.Sprintf("i-%d", i), e)
	}

	m := agg.QueryStep("X")
	require.Equal(t, 100, m.ExecutionCount)
	assert.InDelta(t, 85.0, m.Bottlenecks.ApprovalBottleneckPercentage, 1e-9)
}

func TestQueryStep_DurationsAndRates(t *testing.T) {
	agg := New(Config{QueueThreshold: 50 * time.Millisecond})

	agg.Record("wf", "i-1", api.StepExecution{
		StepID:             "a",
		Status:             api.ExecCompleted,
		ExecutionDuration:  10 * time.Millisecond,
		QueueWait:          20 * time.Millisecond,
		ValidationDuration: 2 * time.Millisecond,
	})
	agg.Record("wf", "i-2", api.StepExecution{
		StepID:             "a",
		Status:             api.ExecCompleted,
		ExecutionDuration:  30 * time.Millisecond,
		QueueWait:          100 * time.Millisecond,
		ValidationDuration: 4 * time.Millisecond,
	})
	agg.Record("wf", "i-3", api.StepExecution{
		StepID:                    "a",
		Status:                    api.ExecFailed,
		ExecutionDuration:         50 * time.Millisecond,
		WaitingForExternalService: true,
		Error:                     "boom",
	})

	m := agg.QueryStep("a")
	require.Equal(t, 3, m.ExecutionCount)

	assert.InDelta(t, 100.0*2/3, m.SuccessRate, 1e-9)
	assert.InDelta(t, 100.0/3, m.FailureRate, 1e-9)

	assert.InDelta(t, 10.0, m.MinExecutionMs, 1e-9)
	assert.InDelta(t, 30.0, m.AvgExecutionMs, 1e-9)
	assert.InDelta(t, 50.0, m.MaxExecutionMs, 1e-9)
	assert.InDelta(t, 40.0, m.AvgQueueMs, 1e-9)
	assert.InDelta(t, 2.0, m.AvgValidationMs, 1e-9)

	// One of three executions waited on the external service; one of
	// three sat in the queue past the threshold.
	assert.InDelta(t, 100.0/3, m.Bottlenecks.ExternalServicePercentage, 1e-9)
	assert.InDelta(t, 100.0/3, m.Bottlenecks.SlowQueuePercentage, 1e-9)
}

func TestQueryStep_TopErrorsByFrequency(t *testing.T) {
	agg := New(Config{TopErrors: 2})

	for i := 0; i < 5; i++ {
		agg.Record("wf", "i", api.StepExecution{StepID: "a", Status: api.ExecFailed, Error: "timeout"})
	}
	for i := 0; i < 3; i++ {
		agg.Record("wf", "i", api.StepExecution{StepID: "a", Status: api.ExecFailed, Error: "connection reset"})
	}
	agg.Record("wf", "i", api.StepExecution{StepID: "a", Status: api.ExecFailed, Error: "rare"})

	m := agg.QueryStep("a")
	require.Len(t, m.TopErrors, 2)
	assert.Equal(t, ErrorCount{Message: "timeout", Count: 5}, m.TopErrors[0])
	assert.Equal(t, ErrorCount{Message: "connection reset", Count: 3}, m.TopErrors[1])
}

func TestQueryStep_Empty(t *testing.T) {
	agg := New(Config{})
	m := agg.QueryStep("ghost")
	assert.Equal(t, 0, m.ExecutionCount)
	assert.Zero(t, m.SuccessRate)
	assert.Empty(t, m.TopErrors)
}

func TestQueryWorkflow_TransitionAnalysis(t *testing.T) {
	agg := New(Config{})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	record := func(instance, step string, start, complete time.Duration) {
		agg.Record("permit", instance, api.StepExecution{
			StepID:      step,
			Status:      api.ExecCompleted,
			StartedAt:   base.Add(start),
			CompletedAt: base.Add(complete),
		})
	}

	// Instance 1: a completes at 10ms, b starts at 110ms (gap 100ms),
	// b completes at 120ms, c starts at 130ms (gap 10ms).
	record("i-1", "a", 0, 10*time.Millisecond)
	record("i-1", "b", 110*time.Millisecond, 120*time.Millisecond)
	record("i-1", "c", 130*time.Millisecond, 140*time.Millisecond)

	// Instance 2: same path, a→b gap 300ms.
	record("i-2", "a", 0, 10*time.Millisecond)
	record("i-2", "b", 310*time.Millisecond, 320*time.Millisecond)

	m := agg.QueryWorkflow("permit")
	require.Equal(t, 2, m.Instances)
	require.Len(t, m.Transitions, 2)

	byPair := map[string]TransitionStat{}
	for _, tr := range m.Transitions {
		byPair[tr.From+"→"+tr.To] = tr
	}

	ab := byPair["a→b"]
	assert.Equal(t, 2, ab.Count)
	assert.InDelta(t, 200.0, ab.AvgGapMs, 1e-9)

	bc := byPair["b→c"]
	assert.Equal(t, 1, bc.Count)
	assert.InDelta(t, 10.0, bc.AvgGapMs, 1e-9)

	require.NotNil(t, m.SlowestTransition)
	assert.Equal(t, "a", m.SlowestTransition.From)
	assert.Equal(t, "b", m.SlowestTransition.To)
}

func TestQueryWorkflow_IgnoresOtherWorkflows(t *testing.T) {
	agg := New(Config{})
	agg.Record("permit", "i-1", exec("a", api.ExecCompleted, time.Millisecond))
	agg.Record("benefits", "i-2", exec("a", api.ExecCompleted, time.Millisecond))

	m := agg.QueryWorkflow("permit")
	assert.Equal(t, 1, m.Instances)
}

func TestAggregator_ConcurrentRecordAndQuery(t *testing.T) {
	agg := New(Config{})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				agg.Record("wf", fmt.Sprintf("i-%d", w), exec("a", api.ExecCompleted, time.Millisecond))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = agg.QueryStep("a")
			_ = agg.QueryWorkflow("wf")
		}
	}()
	wg.Wait()

	m := agg.QueryStep("a")
	assert.Equal(t, 1000, m.ExecutionCount)
}
