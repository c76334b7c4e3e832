package emit

// Event represents an observability event emitted during pipeline
// execution.
//
// Events provide detailed insight into orchestration behavior:
//   - Step start, retry, success, and failure
//   - Circuit breaker transitions
//   - Budget admission decisions
//   - Run completion and replay verdicts
//
// Events flow to an Emitter, which may log them, convert them to
// OpenTelemetry spans, or buffer them for inspection.
type Event struct {
	// RunID identifies the pipeline run that emitted this event.
	RunID string

	// Seq is the event sequence number within the run (1-indexed).
	// Zero for events emitted outside the ledger, such as progress
	// notices that do not need durability.
	Seq int

	// StepName identifies which step emitted this event.
	// Empty string for run-level events (run start, run complete).
	StepName string

	// Msg is a short machine-matchable description, e.g. "step_start",
	// "step_retry", "circuit_open", "budget_denied".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "attempt": Attempt number for retries
	//   - "duration_ms": Step execution duration
	//   - "error": Error details
	//   - "category": Error category for failures
	//   - "granted": Tokens granted by the budget monitor
	//   - "consumed": Tokens reported consumed by the step
	Meta map[string]interface{}
}
