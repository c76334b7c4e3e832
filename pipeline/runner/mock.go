package runner

import (
	"context"
	"sync"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline"
)

// MockRunner is a test implementation of pipeline.Runner.
//
// Use it in tests to exercise orchestration behavior without real step
// logic. It provides:
//   - Configurable outcome sequences (outputs and errors interleaved)
//   - Call history tracking
//   - Thread-safe operation
//
// Example with one transient failure before success:
//
//	mock := &MockRunner{
//	    Outcomes: []MockOutcome{
//	        {Err: pipeline.Transient(errors.New("flaky upstream"))},
//	        {Output: pipeline.StepOutput{ConsumedTokens: 10}},
//	    },
//	}
type MockRunner struct {
	// Outcomes is the sequence of results to return, one per call. When
	// all outcomes are consumed the last one repeats.
	Outcomes []MockOutcome

	// Calls tracks every invocation in order.
	Calls []MockCall

	mu        sync.Mutex
	callIndex int
}

// MockOutcome is one scripted result.
type MockOutcome struct {
	Output pipeline.StepOutput
	Err    error
}

// MockCall records a single invocation.
type MockCall struct {
	RunID    string
	StepName string
	Attempt  int
	Params   map[string]any
}

// Run implements pipeline.Runner.
func (m *MockRunner) Run(ctx context.Context, rc pipeline.RunContext, params map[string]any) (pipeline.StepOutput, error) {
	if ctx.Err() != nil {
		return pipeline.StepOutput{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{
		RunID:    rc.RunID,
		StepName: rc.StepName,
		Attempt:  rc.Attempt,
		Params:   params,
	})

	if len(m.Outcomes) == 0 {
		return pipeline.StepOutput{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Outcomes) {
		idx = len(m.Outcomes) - 1
	} else {
		m.callIndex++
	}

	out := m.Outcomes[idx]
	return out.Output, out.Err
}

// CallCount returns how many times Run was invoked.
func (m *MockRunner) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears the call history and outcome cursor for reuse across test
// cases.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
