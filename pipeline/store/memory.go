package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and ephemeral runs. All data is
// lost when the process exits.
type MemStore struct {
	mu    sync.RWMutex
	runs  map[string]RunRecord
	steps map[string]map[string]StepRecord // runID -> stepName -> record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:  make(map[string]RunRecord),
		steps: make(map[string]map[string]StepRecord),
	}
}

// SaveRun implements Store.
func (m *MemStore) SaveRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[rec.RunID] = rec
	return nil
}

// LoadRun implements Store.
func (m *MemStore) LoadRun(_ context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return rec, nil
}

// SaveStep implements Store.
func (m *MemStore) SaveStep(_ context.Context, rec StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[rec.RunID] == nil {
		m.steps[rec.RunID] = make(map[string]StepRecord)
	}
	m.steps[rec.RunID][rec.StepName] = rec
	return nil
}

// LoadStep implements Store.
func (m *MemStore) LoadStep(_ context.Context, runID, stepName string) (StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.steps[runID][stepName]
	if !ok {
		return StepRecord{}, ErrNotFound
	}
	return rec, nil
}

// ListSteps implements Store.
func (m *MemStore) ListSteps(_ context.Context, runID string) ([]StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]StepRecord, 0, len(m.steps[runID]))
	for _, rec := range m.steps[runID] {
		records = append(records, rec)
	}
	return records, nil
}

// DeleteBefore implements Store.
func (m *MemStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for runID, rec := range m.runs {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.runs, runID)
			delete(m.steps, runID)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store. It is a no-op.
func (m *MemStore) Close() error { return nil }
