package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// backends enumerates the Store implementations exercised by the shared
// conformance tests. MySQL is excluded; it needs a running server.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	dirStore, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemStore(),
		"sqlite": sqlStore,
		"dir":    dirStore,
	}
}

func sampleRun(runID string, createdAt time.Time) RunRecord {
	return RunRecord{
		RunID:     runID,
		Seed:      42,
		Status:    "RUNNING",
		CreatedAt: createdAt,
	}
}

func sampleStep(runID, stepName string) StepRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return StepRecord{
		RunID:          runID,
		StepName:       stepName,
		SpanID:         runID + ".0001.orc",
		IdempotencyKey: "sha256:abc",
		Status:         "RUNNING",
		AttemptCount:   1,
		StartTime:      now,
		GrantedTokens:  500,
		OutputFields:   map[string]string{"rows": "120"},
		UpdatedAt:      now,
	}
}

func TestStoreRunRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { _ = st.Close() }()
			ctx := context.Background()

			created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			rec := sampleRun("run-1", created)
			if err := st.SaveRun(ctx, rec); err != nil {
				t.Fatalf("SaveRun: %v", err)
			}

			got, err := st.LoadRun(ctx, "run-1")
			if err != nil {
				t.Fatalf("LoadRun: %v", err)
			}
			if got.Seed != 42 || got.Status != "RUNNING" || !got.CreatedAt.Equal(created) {
				t.Fatalf("LoadRun = %+v", got)
			}

			// Upsert replaces in place.
			rec.Status = "COMPLETED"
			if err := st.SaveRun(ctx, rec); err != nil {
				t.Fatalf("SaveRun upsert: %v", err)
			}
			got, _ = st.LoadRun(ctx, "run-1")
			if got.Status != "COMPLETED" {
				t.Fatalf("upserted status = %q", got.Status)
			}

			if _, err := st.LoadRun(ctx, "run-missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("LoadRun missing err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreStepRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { _ = st.Close() }()
			ctx := context.Background()

			if err := st.SaveRun(ctx, sampleRun("run-1", time.Now().UTC())); err != nil {
				t.Fatalf("SaveRun: %v", err)
			}
			rec := sampleStep("run-1", "ingest")
			if err := st.SaveStep(ctx, rec); err != nil {
				t.Fatalf("SaveStep: %v", err)
			}

			got, err := st.LoadStep(ctx, "run-1", "ingest")
			if err != nil {
				t.Fatalf("LoadStep: %v", err)
			}
			if got.Status != "RUNNING" || got.AttemptCount != 1 || got.GrantedTokens != 500 {
				t.Fatalf("LoadStep = %+v", got)
			}
			if got.OutputFields["rows"] != "120" {
				t.Fatalf("OutputFields = %v", got.OutputFields)
			}

			rec.Status = "COMPLETED"
			rec.AttemptCount = 2
			rec.ConsumedTokens = 480
			if err := st.SaveStep(ctx, rec); err != nil {
				t.Fatalf("SaveStep upsert: %v", err)
			}
			got, _ = st.LoadStep(ctx, "run-1", "ingest")
			if got.Status != "COMPLETED" || got.AttemptCount != 2 || got.ConsumedTokens != 480 {
				t.Fatalf("upserted step = %+v", got)
			}

			if _, err := st.LoadStep(ctx, "run-1", "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("LoadStep missing err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreListSteps(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { _ = st.Close() }()
			ctx := context.Background()

			if err := st.SaveRun(ctx, sampleRun("run-1", time.Now().UTC())); err != nil {
				t.Fatalf("SaveRun: %v", err)
			}
			for _, step := range []string{"ingest", "transform", "load"} {
				if err := st.SaveStep(ctx, sampleStep("run-1", step)); err != nil {
					t.Fatalf("SaveStep(%s): %v", step, err)
				}
			}

			records, err := st.ListSteps(ctx, "run-1")
			if err != nil {
				t.Fatalf("ListSteps: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("got %d records, want 3", len(records))
			}
			seen := map[string]bool{}
			for _, rec := range records {
				seen[rec.StepName] = true
			}
			for _, step := range []string{"ingest", "transform", "load"} {
				if !seen[step] {
					t.Errorf("missing step %s", step)
				}
			}

			empty, err := st.ListSteps(ctx, "run-missing")
			if err != nil {
				t.Fatalf("ListSteps unknown run: %v", err)
			}
			if len(empty) != 0 {
				t.Fatalf("unknown run yielded %d records", len(empty))
			}
		})
	}
}

func TestStoreDeleteBefore(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { _ = st.Close() }()
			ctx := context.Background()

			old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			recent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

			for runID, created := range map[string]time.Time{
				"run-old":    old,
				"run-recent": recent,
			} {
				if err := st.SaveRun(ctx, sampleRun(runID, created)); err != nil {
					t.Fatalf("SaveRun(%s): %v", runID, err)
				}
				if err := st.SaveStep(ctx, sampleStep(runID, "ingest")); err != nil {
					t.Fatalf("SaveStep(%s): %v", runID, err)
				}
			}

			n, err := st.DeleteBefore(ctx, cutoff)
			if err != nil {
				t.Fatalf("DeleteBefore: %v", err)
			}
			if n != 1 {
				t.Fatalf("deleted %d runs, want 1", n)
			}

			if _, err := st.LoadRun(ctx, "run-old"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expired run survived: err = %v", err)
			}
			if _, err := st.LoadStep(ctx, "run-old", "ingest"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expired step survived: err = %v", err)
			}
			if _, err := st.LoadRun(ctx, "run-recent"); err != nil {
				t.Fatalf("recent run removed: %v", err)
			}
		})
	}
}
