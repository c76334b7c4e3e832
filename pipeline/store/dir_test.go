package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDirStoreLaysOutRunDirectory(t *testing.T) {
	root := t.TempDir()
	st, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	if err := st.SaveRun(context.Background(), sampleRun("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	for _, dir := range []string{
		st.InputsDir("run-1"),
		st.OutputsDir("run-1"),
		filepath.Join(st.RunDir("run-1"), "state"),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("missing %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
	if _, err := os.Stat(filepath.Join(st.RunDir("run-1"), "run.json")); err != nil {
		t.Fatalf("run.json missing: %v", err)
	}
}

func TestDirStoreSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	st, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	ctx := context.Background()
	if err := st.SaveRun(ctx, sampleRun("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := st.SaveStep(ctx, sampleStep("run-1", "ingest")); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}

	reopened, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := reopened.LoadStep(ctx, "run-1", "ingest")
	if err != nil {
		t.Fatalf("LoadStep after reopen: %v", err)
	}
	if rec.SpanID != "run-1.0001.orc" {
		t.Fatalf("SpanID = %q", rec.SpanID)
	}
}

func TestDirStoreLeavesNoTempFiles(t *testing.T) {
	st, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	ctx := context.Background()
	if err := st.SaveRun(ctx, sampleRun("run-1", time.Now().UTC())); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := st.SaveStep(ctx, sampleStep("run-1", "ingest")); err != nil {
			t.Fatalf("SaveStep: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(st.RunDir("run-1"), "state"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("stray temp file %s", e.Name())
		}
	}
}
