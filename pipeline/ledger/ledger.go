// Package ledger provides the append-only, hash-chained event log that
// records every step lifecycle transition of a run.
//
// The ledger is the durable source of truth for what happened during a
// run: each event's hash is computed over its payload and the previous
// event's hash, so altering or removing any event breaks the chain and is
// detected by Verify. The ledger is write-once; corrections are modeled as
// new compensating events, never as mutation.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventType identifies a step lifecycle transition.
type EventType string

// Event types recorded in the ledger.
const (
	EventStepStart    EventType = "STEP_START"
	EventStepRetry    EventType = "STEP_RETRY"
	EventStepSuccess  EventType = "STEP_SUCCESS"
	EventStepFailure  EventType = "STEP_FAILURE"
	EventCircuitOpen  EventType = "CIRCUIT_OPEN"
	EventCircuitClose EventType = "CIRCUIT_CLOSE"
	EventBudgetDenied EventType = "BUDGET_DENIED"

	// EventBudgetThrottled flags a StepState whose consumption exceeded
	// 150% of its grant; its remaining allocation is cut for review.
	EventBudgetThrottled EventType = "BUDGET_THROTTLED"

	EventRunComplete EventType = "RUN_COMPLETE"
)

// ErrChainBroken is returned by Verify when the hash chain does not match
// the recorded events: some payload was altered, reordered, or removed.
var ErrChainBroken = errors.New("ledger chain broken")

// Event is an immutable ledger entry.
type Event struct {
	// ID is monotonic within the run, starting at 1.
	ID int64 `json:"event_id"`

	// Type is the lifecycle transition this event records.
	Type EventType `json:"event_type"`

	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the owning run.
	RunID string `json:"run_id"`

	// StepName is the step this event concerns; empty for run-level events.
	StepName string `json:"step_name,omitempty"`

	// Payload is the event body, opaque to the ledger.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Hash is SHA-256 over (payload, previous event's hash). The first
	// event of a run chains from the empty hash.
	Hash string `json:"data_hash"`
}

// Appender is the pluggable append-only backend behind the ledger: a file,
// an embedded database, or an external log. Implementations must preserve
// append order per run and never mutate stored events.
type Appender interface {
	// Append stores one sealed event.
	Append(ctx context.Context, ev Event) error

	// List returns all events for a run in append order.
	List(ctx context.Context, runID string) ([]Event, error)

	// Close releases backend resources.
	Close() error
}

// chainHash seals an event payload onto the chain.
func chainHash(payload []byte, prevHash string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(prevHash))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// tail tracks the chain head for one run.
type tail struct {
	lastID   int64
	lastHash string
	loaded   bool
}

// Ledger seals events onto per-run hash chains and writes them through an
// Appender.
//
// Appends for a given run are totally ordered; appends across runs are
// independent. The ledger recovers a run's chain head from the appender on
// first touch, so a process restart continues the existing chain.
type Ledger struct {
	mu    sync.Mutex
	app   Appender
	tails map[string]*tail
}

// New creates a ledger over the given appender.
func New(app Appender) *Ledger {
	return &Ledger{
		app:   app,
		tails: make(map[string]*tail),
	}
}

// Append seals payload into the run's chain and stores it. Returns the
// assigned monotonic event ID.
func (l *Ledger) Append(ctx context.Context, runID, stepName string, typ EventType, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal ledger payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t, err := l.tailLocked(ctx, runID)
	if err != nil {
		return 0, err
	}

	ev := Event{
		ID:        t.lastID + 1,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		StepName:  stepName,
		Payload:   body,
		Hash:      chainHash(body, t.lastHash),
	}
	if err := l.app.Append(ctx, ev); err != nil {
		return 0, fmt.Errorf("append ledger event: %w", err)
	}
	t.lastID = ev.ID
	t.lastHash = ev.Hash
	return ev.ID, nil
}

// tailLocked returns the chain head for runID, recovering it from the
// appender on first use.
func (l *Ledger) tailLocked(ctx context.Context, runID string) (*tail, error) {
	if t, ok := l.tails[runID]; ok && t.loaded {
		return t, nil
	}
	events, err := l.app.List(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("recover ledger tail: %w", err)
	}
	t := &tail{loaded: true}
	if n := len(events); n > 0 {
		t.lastID = events[n-1].ID
		t.lastHash = events[n-1].Hash
	}
	l.tails[runID] = t
	return t, nil
}

// Events returns the run's full event sequence in append order.
func (l *Ledger) Events(ctx context.Context, runID string) ([]Event, error) {
	return l.app.List(ctx, runID)
}

// Verify walks the run's chain and reports whether it is intact: event IDs
// are strictly sequential from 1 and every hash matches
// H(payload, previous hash). Returns false with ErrChainBroken describing
// the first break when any event was altered, reordered, or removed.
func (l *Ledger) Verify(ctx context.Context, runID string) (bool, error) {
	events, err := l.app.List(ctx, runID)
	if err != nil {
		return false, err
	}
	prevHash := ""
	for i, ev := range events {
		if ev.ID != int64(i+1) {
			return false, fmt.Errorf("%w: event %d has id %d, want %d", ErrChainBroken, i, ev.ID, i+1)
		}
		if want := chainHash(ev.Payload, prevHash); ev.Hash != want {
			return false, fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, ev.ID)
		}
		prevHash = ev.Hash
	}
	return true, nil
}
