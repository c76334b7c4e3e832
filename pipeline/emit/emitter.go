// Package emit provides pluggable observability sinks for pipeline
// execution events.
package emit

// Emitter receives and processes observability events from pipeline
// execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, JSONL event logs
//   - Distributed tracing: OpenTelemetry
//   - In-memory capture for tests and dashboards
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down step execution
//   - Thread-safe: May be called concurrently from multiple workers
//   - Resilient: Handle failures gracefully (don't crash the run)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Implementations should not block step execution. If the backend
	// is unavailable or slow, events should be buffered, dropped with
	// internal logging, or sent asynchronously.
	//
	// Emit should not panic.
	Emit(event Event)
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit forwards the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
