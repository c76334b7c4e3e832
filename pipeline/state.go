package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/store"
)

// defaultStaleness is how long a RUNNING step record may go without an
// update before recovery treats its worker as dead.
const defaultStaleness = 5 * time.Minute

// StateManager mediates all run and step persistence for the engine.
//
// It enforces the step state machine on top of the raw Store: a COMPLETED
// record is immutable, retries mutate the existing record in place (never
// a second record), and recovery resets only provably stale RUNNING
// records. The engine never touches the Store directly.
type StateManager struct {
	st        store.Store
	staleness time.Duration
}

// NewStateManager wraps a store. A non-positive staleness uses the
// default of five minutes.
func NewStateManager(st store.Store, staleness time.Duration) *StateManager {
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	return &StateManager{st: st, staleness: staleness}
}

// SaveRun persists the run's current lifecycle status.
func (sm *StateManager) SaveRun(ctx context.Context, run *Run) error {
	return sm.st.SaveRun(ctx, store.RunRecord{
		RunID:     run.ID,
		Seed:      run.Seed,
		Status:    string(run.Status),
		CreatedAt: run.CreatedAt,
	})
}

// LoadRun fetches a run by ID, or store.ErrNotFound.
func (sm *StateManager) LoadRun(ctx context.Context, runID string) (*Run, error) {
	rec, err := sm.st.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Run{
		ID:        rec.RunID,
		Seed:      rec.Seed,
		Status:    RunStatus(rec.Status),
		CreatedAt: rec.CreatedAt,
	}, nil
}

// InitSteps creates PENDING records for every step of the template that
// does not already have one. Span sequence numbers follow template
// insertion order, so the same template always yields the same span IDs.
// Existing records are left untouched, which is what makes initialization
// safe to repeat on resume.
func (sm *StateManager) InitSteps(ctx context.Context, run *Run, tmpl *Template) error {
	for i, step := range tmpl.Steps() {
		_, err := sm.st.LoadStep(ctx, run.ID, step.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("init step %s: %w", step.Name, err)
		}
		rec := store.StepRecord{
			RunID:          run.ID,
			StepName:       step.Name,
			SpanID:         SpanID(run.ID, i+1),
			IdempotencyKey: IdempotencyKey(run.ID, step.Name, step.Params),
			Status:         string(StepPending),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := sm.st.SaveStep(ctx, rec); err != nil {
			return fmt.Errorf("init step %s: %w", step.Name, err)
		}
	}
	return nil
}

// Get fetches one step record.
func (sm *StateManager) Get(ctx context.Context, runID, stepName string) (store.StepRecord, error) {
	return sm.st.LoadStep(ctx, runID, stepName)
}

// Put persists a step record, refusing to overwrite a COMPLETED one.
// Completed records are the idempotency anchor; nothing may rewrite them.
func (sm *StateManager) Put(ctx context.Context, rec store.StepRecord) error {
	prev, err := sm.st.LoadStep(ctx, rec.RunID, rec.StepName)
	if err == nil && prev.Status == string(StepCompleted) {
		return fmt.Errorf("step %s/%s is COMPLETED and immutable", rec.RunID, rec.StepName)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	return sm.st.SaveStep(ctx, rec)
}

// List returns all step records for a run.
func (sm *StateManager) List(ctx context.Context, runID string) ([]store.StepRecord, error) {
	return sm.st.ListSteps(ctx, runID)
}

// Recover prepares a run's step records for resumption after a crash.
//
// RUNNING records whose last update is older than the staleness threshold
// belong to dead workers and are reset to PENDING; their attempt counts
// are preserved so the retry budget spans process restarts. Fresh RUNNING
// records are left alone: another live worker may still own them.
// Terminal records are never touched.
//
// Returns the records after recovery.
func (sm *StateManager) Recover(ctx context.Context, runID string) ([]store.StepRecord, error) {
	records, err := sm.st.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-sm.staleness)
	for i, rec := range records {
		if rec.Status != string(StepRunning) || rec.UpdatedAt.After(cutoff) {
			continue
		}
		rec.Status = string(StepPending)
		rec.UpdatedAt = time.Now().UTC()
		if err := sm.st.SaveStep(ctx, rec); err != nil {
			return nil, fmt.Errorf("recover step %s: %w", rec.StepName, err)
		}
		records[i] = rec
	}
	return records, nil
}
