package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirStore persists run state as JSON files under a per-run directory:
//
//	<root>/<run_id>/
//	    run.json
//	    inputs/
//	    outputs/
//	    state/<step_name>.json
//
// The inputs and outputs directories are created for step runners to
// exchange file artifacts; the store itself only manages run.json and
// state. A run survives process restarts, and the layout is greppable
// with ordinary shell tools, which is the main reason to prefer it over
// SQLite during development.
type DirStore struct {
	root string
}

// NewDirStore creates root if necessary and returns a store rooted there.
func NewDirStore(root string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("dir store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &DirStore{root: root}, nil
}

// RunDir returns the directory holding all artifacts for runID.
func (s *DirStore) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// InputsDir returns the per-run directory step runners read inputs from.
func (s *DirStore) InputsDir(runID string) string {
	return filepath.Join(s.root, runID, "inputs")
}

// OutputsDir returns the per-run directory step runners write artifacts to.
func (s *DirStore) OutputsDir(runID string) string {
	return filepath.Join(s.root, runID, "outputs")
}

func (s *DirStore) stateDir(runID string) string {
	return filepath.Join(s.root, runID, "state")
}

// SaveRun implements Store. It also lays out the inputs, outputs, and
// state subdirectories so they exist before any step runs.
func (s *DirStore) SaveRun(_ context.Context, rec RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run record has empty run id")
	}
	for _, dir := range []string{
		s.InputsDir(rec.RunID),
		s.OutputsDir(rec.RunID),
		s.stateDir(rec.RunID),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create run layout: %w", err)
		}
	}
	return writeJSONAtomic(filepath.Join(s.RunDir(rec.RunID), "run.json"), rec)
}

// LoadRun implements Store.
func (s *DirStore) LoadRun(_ context.Context, runID string) (RunRecord, error) {
	var rec RunRecord
	if err := readJSON(filepath.Join(s.RunDir(runID), "run.json"), &rec); err != nil {
		if os.IsNotExist(err) {
			return RunRecord{}, ErrNotFound
		}
		return RunRecord{}, fmt.Errorf("load run: %w", err)
	}
	return rec, nil
}

// SaveStep implements Store. Records are written atomically via a rename
// so a crash mid-write never leaves a truncated state file.
func (s *DirStore) SaveStep(_ context.Context, rec StepRecord) error {
	if rec.RunID == "" || rec.StepName == "" {
		return fmt.Errorf("step record missing run id or step name")
	}
	dir := s.stateDir(rec.RunID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(dir, rec.StepName+".json"), rec)
}

// LoadStep implements Store.
func (s *DirStore) LoadStep(_ context.Context, runID, stepName string) (StepRecord, error) {
	var rec StepRecord
	path := filepath.Join(s.stateDir(runID), stepName+".json")
	if err := readJSON(path, &rec); err != nil {
		if os.IsNotExist(err) {
			return StepRecord{}, ErrNotFound
		}
		return StepRecord{}, fmt.Errorf("load step: %w", err)
	}
	return rec, nil
}

// ListSteps implements Store.
func (s *DirStore) ListSteps(_ context.Context, runID string) ([]StepRecord, error) {
	entries, err := os.ReadDir(s.stateDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list steps: %w", err)
	}

	var records []StepRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec StepRecord
		if err := readJSON(filepath.Join(s.stateDir(runID), e.Name()), &rec); err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteBefore implements Store. Each run directory is removed whole,
// artifacts included.
func (s *DirStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read store root: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := s.LoadRun(ctx, e.Name())
		if err != nil {
			continue
		}
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.RunDir(e.Name())); err != nil {
			return removed, fmt.Errorf("remove run dir: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Close implements Store. Nothing to release.
func (s *DirStore) Close() error { return nil }

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
