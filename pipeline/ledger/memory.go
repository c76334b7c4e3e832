package ledger

import (
	"context"
	"sync"
)

// MemoryAppender is an in-memory Appender for tests and single-process
// development. Events are kept per run in append order.
type MemoryAppender struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemoryAppender creates an empty in-memory appender.
func NewMemoryAppender() *MemoryAppender {
	return &MemoryAppender{events: make(map[string][]Event)}
}

// Append implements Appender.
func (m *MemoryAppender) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	return nil
}

// List implements Appender. The returned slice is a copy; callers cannot
// alter the stored chain.
func (m *MemoryAppender) List(_ context.Context, runID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

// Close implements Appender. It is a no-op.
func (m *MemoryAppender) Close() error { return nil }

// Tamper overwrites the payload of one stored event, bypassing the chain.
// It exists only so integrity tests can prove Verify detects alteration.
func (m *MemoryAppender) Tamper(runID string, index int, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[runID]
	if index >= 0 && index < len(events) {
		events[index].Payload = payload
	}
}
