package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle status of a validation run.
type RunStatus string

// Run lifecycle states. A run is INITIATED when created, RUNNING while the
// scheduler is dispatching steps, and reaches exactly one of COMPLETED or
// FAILED. REPLAYING marks sandboxed re-executions driven by the replay
// engine.
const (
	RunInitiated RunStatus = "INITIATED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunReplaying RunStatus = "REPLAYING"
)

// Run is a single validation execution. It owns all step states and ledger
// events produced during its lifetime; nothing belonging to a run is deleted
// implicitly; only an explicit retention cleanup removes a run.
type Run struct {
	// ID uniquely and immutably identifies the run. See NewRunID for the
	// wire format.
	ID string `json:"id"`

	// Seed drives all deterministic randomness for the run (retry jitter,
	// step RNGs). Replays reuse the original seed.
	Seed int64 `json:"seed"`

	// Status is the current lifecycle status.
	Status RunStatus `json:"status"`

	// CreatedAt records when the run was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewRun creates a run with a fresh ID and the given seed.
// A seed of zero selects a time-derived seed (non-reproducible runs).
func NewRun(seed int64) *Run {
	now := time.Now().UTC()
	if seed == 0 {
		seed = now.UnixNano()
	}
	return &Run{
		ID:        NewRunID(now),
		Seed:      seed,
		Status:    RunInitiated,
		CreatedAt: now,
	}
}

// NewRunID builds a run identifier embedding the creation timestamp and a
// random suffix, e.g. "run-20260115T093042Z-4f2a9c1b". The timestamp makes
// IDs sort roughly by creation time; the suffix (first UUID group) makes
// them unique.
func NewRunID(t time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("run-%s-%s", t.UTC().Format("20060102T150405Z"), suffix)
}

// serviceCode identifies the orchestration core in span identifiers.
const serviceCode = "orc"

// SpanID builds a step span identifier embedding the owning run ID, a
// monotonic sequence number, and the short service code:
// "<runID>.<seq>.orc".
func SpanID(runID string, seq int) string {
	return fmt.Sprintf("%s.%04d.%s", runID, seq, serviceCode)
}

// StepSeed derives the deterministic RNG seed for a (run, step) pair. The
// derivation hashes the run seed together with the step name so sibling
// steps draw independent sequences while replays of the same run reproduce
// them exactly.
func StepSeed(runSeed int64, stepName string) int64 {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(runSeed))
	h.Write(buf[:])
	h.Write([]byte(stepName))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// stepRNG returns the seeded RNG for a (run, step) pair.
func stepRNG(runSeed int64, stepName string) *rand.Rand {
	// Deterministic jitter and step randomness, not security sensitive.
	return rand.New(rand.NewSource(StepSeed(runSeed, stepName))) // #nosec G404
}

// RunResult aggregates the terminal outcome of a run.
type RunResult struct {
	// RunID identifies the run this result belongs to.
	RunID string

	// Status is the terminal run status (COMPLETED or FAILED).
	Status RunStatus

	// Degraded is true when the run completed but one or more optional
	// steps failed and their dependents were skipped.
	Degraded bool

	// StepStatus maps each step name to its terminal status.
	StepStatus map[string]StepStatus

	// FailedSteps lists steps that reached FAILED, in no particular order.
	FailedSteps []string
}
