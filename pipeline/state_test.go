package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IncludeBrake/synthetic-market-machine-sub001/pipeline/store"
)

func stateFixture(t *testing.T) (*StateManager, *Run, *Template) {
	t.Helper()
	tmpl := NewTemplate("test")
	mustAdd(t, tmpl, Step{Name: "a", Params: map[string]any{"k": "v"}})
	mustAdd(t, tmpl, Step{Name: "b", DependsOn: []string{"a"}})

	sm := NewStateManager(store.NewMemStore(), time.Minute)
	run := NewRun(1)
	if err := sm.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	return sm, run, tmpl
}

func TestStateManagerInitSteps(t *testing.T) {
	sm, run, tmpl := stateFixture(t)
	ctx := context.Background()

	if err := sm.InitSteps(ctx, run, tmpl); err != nil {
		t.Fatalf("InitSteps: %v", err)
	}

	rec, err := sm.Get(ctx, run.ID, "a")
	if err != nil {
		t.Fatalf("Get(a): %v", err)
	}
	if rec.Status != string(StepPending) {
		t.Fatalf("status = %s, want PENDING", rec.Status)
	}
	if rec.SpanID != SpanID(run.ID, 1) {
		t.Fatalf("span ID = %q, want %q", rec.SpanID, SpanID(run.ID, 1))
	}
	if rec.IdempotencyKey != IdempotencyKey(run.ID, "a", map[string]any{"k": "v"}) {
		t.Fatal("idempotency key not derived from run, step, and params")
	}

	// Re-init must not reset existing records.
	rec.Status = string(StepCompleted)
	if err := sm.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := sm.InitSteps(ctx, run, tmpl); err != nil {
		t.Fatalf("second InitSteps: %v", err)
	}
	rec, _ = sm.Get(ctx, run.ID, "a")
	if rec.Status != string(StepCompleted) {
		t.Fatalf("re-init reset status to %s", rec.Status)
	}
}

func TestStateManagerCompletedIsImmutable(t *testing.T) {
	sm, run, tmpl := stateFixture(t)
	ctx := context.Background()
	if err := sm.InitSteps(ctx, run, tmpl); err != nil {
		t.Fatalf("InitSteps: %v", err)
	}

	rec, _ := sm.Get(ctx, run.ID, "a")
	rec.Status = string(StepCompleted)
	rec.OutputHash = "sha256:abc"
	if err := sm.Put(ctx, rec); err != nil {
		t.Fatalf("Put completed: %v", err)
	}

	rec.Status = string(StepRunning)
	if err := sm.Put(ctx, rec); err == nil {
		t.Fatal("overwriting a COMPLETED record succeeded")
	}

	got, _ := sm.Get(ctx, run.ID, "a")
	if got.Status != string(StepCompleted) || got.OutputHash != "sha256:abc" {
		t.Fatalf("completed record mutated: %+v", got)
	}
}

func TestStateManagerRecover(t *testing.T) {
	st := store.NewMemStore()
	sm := NewStateManager(st, time.Minute)
	ctx := context.Background()
	runID := "run-test"

	stale := store.StepRecord{
		RunID:        runID,
		StepName:     "stale",
		Status:       string(StepRunning),
		AttemptCount: 2,
		UpdatedAt:    time.Now().UTC().Add(-time.Hour),
	}
	fresh := store.StepRecord{
		RunID:     runID,
		StepName:  "fresh",
		Status:    string(StepRunning),
		UpdatedAt: time.Now().UTC(),
	}
	done := store.StepRecord{
		RunID:     runID,
		StepName:  "done",
		Status:    string(StepCompleted),
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	for _, rec := range []store.StepRecord{stale, fresh, done} {
		if err := st.SaveStep(ctx, rec); err != nil {
			t.Fatalf("SaveStep(%s): %v", rec.StepName, err)
		}
	}

	records, err := sm.Recover(ctx, runID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	byName := make(map[string]store.StepRecord, len(records))
	for _, rec := range records {
		byName[rec.StepName] = rec
	}

	if got := byName["stale"]; got.Status != string(StepPending) {
		t.Fatalf("stale record status = %s, want PENDING", got.Status)
	}
	if got := byName["stale"]; got.AttemptCount != 2 {
		t.Fatalf("recovery dropped attempt count: %d", got.AttemptCount)
	}
	if got := byName["fresh"]; got.Status != string(StepRunning) {
		t.Fatalf("fresh RUNNING record reset to %s", got.Status)
	}
	if got := byName["done"]; got.Status != string(StepCompleted) {
		t.Fatalf("terminal record changed to %s", got.Status)
	}
}

func TestStateManagerLoadRunNotFound(t *testing.T) {
	sm := NewStateManager(store.NewMemStore(), time.Minute)
	_, err := sm.LoadRun(context.Background(), "run-missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
