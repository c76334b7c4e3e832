// Package pipeline provides the core orchestration engine for validation runs.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrCycle indicates that a pipeline template contains a dependency cycle.
// Cycles are detected when the template is validated, before any step
// executes. This is a configuration error and is never retried.
var ErrCycle = errors.New("pipeline template contains a dependency cycle")

// ErrUnknownDependency indicates that a step declares a dependency on a step
// name that is not part of the template. Like ErrCycle, this is fatal at
// load time.
var ErrUnknownDependency = errors.New("step depends on unknown step")

// ErrCircuitOpen is returned when a step's circuit breaker is OPEN and the
// executor rejects the invocation without calling the external
// implementation. The caller may retry after the breaker's recovery timeout.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrMaxAttemptsExceeded is returned when a step fails more times than its
// retry policy allows. The last underlying error is attached via wrapping.
var ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")

// ErrReplayMismatch indicates that a replayed step produced a different
// output hash than the original execution. This signals non-determinism in
// an external step implementation and is reported, never silently ignored.
var ErrReplayMismatch = errors.New("replay mismatch: output hash differs from original")

// ErrRunCancelled is returned when a run is cancelled before reaching a
// terminal status. Non-terminal step states transition to CANCELLED.
var ErrRunCancelled = errors.New("run cancelled")

// ErrInvalidRetryPolicy indicates a retry policy with invalid configuration
// (MaxAttempts < 1 or MaxDelay < BaseDelay).
var ErrInvalidRetryPolicy = errors.New("invalid retry policy configuration")

// ConfigError represents a fatal pipeline configuration problem detected at
// template load time: dependency cycles, unknown step references, duplicate
// step names, or missing runners. Configuration errors are never retried.
type ConfigError struct {
	// Step is the step name the problem was detected on, if any.
	Step string

	// Message describes the configuration problem.
	Message string

	// Cause is the underlying sentinel (ErrCycle, ErrUnknownDependency, ...).
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Step != "" {
		return "pipeline config: step " + e.Step + ": " + e.Message
	}
	return "pipeline config: " + e.Message
}

// Unwrap returns the underlying sentinel for errors.Is checks.
func (e *ConfigError) Unwrap() error { return e.Cause }

// TransientError marks an error from a step implementation as retryable.
// The executor retries transient failures per the step's retry policy.
//
// Step implementations wrap recoverable failures (timeouts, 429/5xx
// responses, connection resets) so the executor can distinguish them from
// fatal ones:
//
//	return pipeline.StepOutput{}, pipeline.Transient(fmt.Errorf("fetch: %w", err))
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable step failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// FatalStepError marks an error from a step implementation as
// non-retryable. The executor fails the step immediately, which in turn
// fails the step's dependents (but never sibling branches).
type FatalStepError struct {
	Err error
}

func (e *FatalStepError) Error() string { return "fatal: " + e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *FatalStepError) Unwrap() error { return e.Err }

// Fatal wraps err as a non-retryable step failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalStepError{Err: err}
}

// IsTransient reports whether err should be retried by the executor.
//
// Classification rules:
//   - TransientError: retryable
//   - FatalStepError: not retryable
//   - context.DeadlineExceeded from the per-attempt timeout: retryable
//     (handled by the executor directly)
//   - anything else: not retryable
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var fe *FatalStepError
	if errors.As(err, &fe) {
		return false
	}
	return false
}

// ResourceDeniedError is returned when the resource monitor denies
// admission because the step's requested token budget exceeds the dynamic
// limit. It is not retried automatically; the suggested reduction gives the
// caller a budget that would have been admitted.
type ResourceDeniedError struct {
	// Step is the step whose admission was denied.
	Step string

	// Requested is the token budget the step asked for.
	Requested int64

	// MaxAllowed is the dynamic limit computed at admission time.
	MaxAllowed int64

	// ReductionSuggestion is 80% of the limit, a budget that leaves headroom
	// for a caller-driven retry.
	ReductionSuggestion int64
}

func (e *ResourceDeniedError) Error() string {
	return fmt.Sprintf("resource denied: step %s requested %d tokens, max allowed %d (suggest %d)",
		e.Step, e.Requested, e.MaxAllowed, e.ReductionSuggestion)
}

// ErrorCategory classifies a terminal step failure for ledger payloads and
// run reporting.
type ErrorCategory string

// Error categories recorded on terminal failure events.
const (
	CategoryConfig         ErrorCategory = "config"
	CategoryTransient      ErrorCategory = "transient"
	CategoryResourceDenied ErrorCategory = "resource_denied"
	CategoryCircuitOpen    ErrorCategory = "circuit_open"
	CategoryFatal          ErrorCategory = "fatal"
	CategoryCancelled      ErrorCategory = "cancelled"
)

// Categorize maps an error to its terminal failure category.
func Categorize(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return CategoryCircuitOpen
	case errors.Is(err, ErrRunCancelled):
		return CategoryCancelled
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return CategoryConfig
	}
	var denied *ResourceDeniedError
	if errors.As(err, &denied) {
		return CategoryResourceDenied
	}
	if IsTransient(err) || errors.Is(err, ErrMaxAttemptsExceeded) {
		return CategoryTransient
	}
	return CategoryFatal
}
