package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sort"
	"time"
)

// StepStatus is the execution status of a (run, step) pair.
type StepStatus string

// Step execution states. PENDING, RUNNING, COMPLETED and FAILED follow the
// state machine enforced by the executor. SKIPPED marks steps whose
// dependencies failed terminally; CANCELLED marks non-terminal steps of a
// cancelled run.
const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Terminal reports whether s is a terminal step status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Priority is the scheduling priority of a step, consulted by the resource
// monitor's priority multiplier.
type Priority string

// Step priorities and their token-budget multipliers (see Monitor).
const (
	PriorityLow      Priority = "low"      // 0.7x
	PriorityNormal   Priority = "normal"   // 1.0x
	PriorityHigh     Priority = "high"     // 1.3x
	PriorityCritical Priority = "critical" // 1.5x
)

// Step is a DAG node in a pipeline template. Steps are defined once per
// template and instantiated per run as StepState records.
//
// The step's business logic lives outside the orchestrator behind the
// Runner contract; the orchestrator only knows the step's dependencies,
// budget, timeout, retry policy and breaker configuration.
type Step struct {
	// Name uniquely identifies the step within the template.
	Name string `json:"name"`

	// DependsOn lists step names that must reach COMPLETED before this
	// step becomes eligible. The dependency relation must form a DAG;
	// Template.Validate rejects cycles at load time.
	DependsOn []string `json:"depends_on,omitempty"`

	// Timeout bounds each execution attempt. Zero means no per-attempt
	// timeout. The timeout is a hard upper bound even when cancellation
	// is in flight.
	Timeout time.Duration `json:"timeout,omitempty"`

	// TokenBudget is the base token budget the step requests at admission.
	// The resource monitor scales it by the dynamic multipliers.
	TokenBudget int64 `json:"token_budget"`

	// Priority feeds the monitor's priority multiplier. Empty means normal.
	Priority Priority `json:"priority,omitempty"`

	// Retry configures the executor's retry loop. Nil means a single
	// attempt with no retries.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// Breaker configures the step's circuit breaker. Zero value uses the
	// registry defaults.
	Breaker BreakerConfig `json:"breaker,omitempty"`

	// Optional steps may fail without failing the run: their dependents
	// are SKIPPED and the run can still complete with degraded status.
	Optional bool `json:"optional,omitempty"`

	// Params are the effective parameters passed to the runner. They are
	// part of the idempotency key, so changing them yields a new logical
	// invocation.
	Params map[string]any `json:"params,omitempty"`

	// Runner is the external step implementation. Not serialized; bound
	// when the template is built.
	Runner Runner `json:"-"`
}

// RunContext carries per-invocation context into a Runner.
type RunContext struct {
	// RunID is the owning run's identifier.
	RunID string

	// StepName is the executing step.
	StepName string

	// Attempt is the 1-based attempt number.
	Attempt int

	// Seed is the deterministic seed derived for this (run, step) pair.
	Seed int64

	// RNG is seeded from Seed. Runners that need randomness must draw from
	// it, never from the global source, or replays will not match.
	RNG *rand.Rand

	// Workdir, when non-empty, is the run's workspace directory where
	// runners place output artifacts (outputs/ subdirectory).
	Workdir string
}

// StepOutput is what a Runner returns on success.
type StepOutput struct {
	// Refs are opaque handles to artifacts the runner produced. The
	// orchestrator stores and hashes them but never interprets them.
	Refs []string `json:"refs,omitempty"`

	// ConsumedTokens is the actual token consumption reported by the
	// external implementation, checked against the granted budget.
	ConsumedTokens int64 `json:"consumed_tokens"`

	// Fields are optional structured results used by the replay engine's
	// field-level diffing. Keys must be stable across invocations.
	Fields map[string]string `json:"fields,omitempty"`
}

// Hash returns the canonical SHA-256 hash of the output, used by the replay
// engine to compare re-executed steps against the original run. Refs are
// hashed in order; fields are hashed in sorted key order.
func (o StepOutput) Hash() string {
	h := sha256.New()
	for _, ref := range o.Refs {
		h.Write([]byte(ref))
		h.Write([]byte{0})
	}
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(o.Fields[k]))
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Runner is the contract external step implementations satisfy.
//
// Implementations are required to be idempotent under identical
// (run ID, step name, params): re-invocation must not duplicate side
// effects. They must classify failures as transient or fatal by wrapping
// errors with Transient or Fatal so the executor can decide retryability;
// unwrapped errors are treated as fatal.
//
// Runners should honor ctx cancellation promptly. The executor enforces the
// step's timeout as a hard upper bound regardless.
type Runner interface {
	Run(ctx context.Context, rc RunContext, params map[string]any) (StepOutput, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, rc RunContext, params map[string]any) (StepOutput, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, rc RunContext, params map[string]any) (StepOutput, error) {
	return f(ctx, rc, params)
}

// IdempotencyKey computes the deterministic key identifying one logical
// invocation of a step: SHA-256 over the run ID, step name, and the
// canonical JSON of the effective parameters (keys sorted by
// encoding/json's map ordering). Identical inputs always produce identical
// keys, which is what makes resume and replay safe.
func IdempotencyKey(runID, stepName string, params map[string]any) string {
	h := sha256.New()
	h.Write([]byte(runID))
	h.Write([]byte{0})
	h.Write([]byte(stepName))
	h.Write([]byte{0})
	if len(params) > 0 {
		// encoding/json sorts map keys, giving a canonical form.
		if data, err := json.Marshal(params); err == nil {
			h.Write(data)
		}
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
