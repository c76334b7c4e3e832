// Package store provides persistence for run and step execution records
// behind a single Store interface, with in-memory, SQLite, MySQL and
// filesystem backends.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run or step record does not
// exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the persisted form of a run.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Seed      int64     `json:"seed"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StepRecord is the persisted, mutable execution record for a (run, step)
// pair. A COMPLETED record is immutable by contract: retries increment
// AttemptCount on the same record, they never create a second record, and
// the executor refuses to touch a record once it is COMPLETED.
type StepRecord struct {
	RunID    string `json:"run_id"`
	StepName string `json:"step_name"`

	// SpanID embeds the run ID, a monotonic sequence number and the
	// service code, e.g. "run-...-ab12.0003.orc".
	SpanID string `json:"span_id"`

	// IdempotencyKey is the deterministic hash of
	// (run ID, step name, effective parameters).
	IdempotencyKey string `json:"idempotency_key"`

	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	LastError     string `json:"last_error,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`

	GrantedTokens  int64 `json:"granted_tokens"`
	ConsumedTokens int64 `json:"consumed_tokens"`

	// OutputRefs are opaque artifact handles produced by the external
	// implementation; OutputFields and OutputHash support replay diffing.
	OutputRefs   []string          `json:"output_refs,omitempty"`
	OutputFields map[string]string `json:"output_fields,omitempty"`
	OutputHash   string            `json:"output_hash,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists run and step records. Implementations must be safe for
// concurrent use; steps of the same run are written from parallel workers.
//
// Records are keyed by (run ID, step name) and upserted whole; the
// orchestrator is the only writer and always writes complete records.
type Store interface {
	// SaveRun upserts a run record.
	SaveRun(ctx context.Context, rec RunRecord) error

	// LoadRun fetches a run record, or ErrNotFound.
	LoadRun(ctx context.Context, runID string) (RunRecord, error)

	// SaveStep upserts a step record.
	SaveStep(ctx context.Context, rec StepRecord) error

	// LoadStep fetches one step record, or ErrNotFound.
	LoadStep(ctx context.Context, runID, stepName string) (StepRecord, error)

	// ListSteps returns all step records for a run, in no guaranteed
	// order. An unknown run yields an empty slice, not an error.
	ListSteps(ctx context.Context, runID string) ([]StepRecord, error)

	// DeleteBefore removes whole runs (run record plus step records)
	// created before the cutoff, returning how many runs were removed.
	// This is the retention hook; policy about when to call it lives
	// outside the engine. Runs are never deleted implicitly.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}
