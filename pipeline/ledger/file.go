package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileAppender stores each run's events as a JSONL file (one record per
// line, strictly ordered) at <root>/<runID>/events. This matches the
// per-run persisted layout used by the filesystem state store, so a run
// directory is self-contained: inputs/, outputs/, state/, events.
type FileAppender struct {
	mu   sync.Mutex
	root string
}

// NewFileAppender creates a file appender rooted at dir, creating it if
// needed.
func NewFileAppender(dir string) (*FileAppender, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create ledger root: %w", err)
	}
	return &FileAppender{root: dir}, nil
}

func (f *FileAppender) path(runID string) string {
	return filepath.Join(f.root, runID, "events")
}

// Append implements Appender. Each event is appended as one JSON line and
// synced before returning, so a crash cannot lose acknowledged events.
func (f *FileAppender) Append(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path(ev.RunID)), 0o750); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	file, err := os.OpenFile(f.path(ev.RunID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open events log: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync events log: %w", err)
	}
	return nil
}

// List implements Appender.
func (f *FileAppender) List(_ context.Context, runID string) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path(runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open events log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events log: %w", err)
	}
	return events, nil
}

// Close implements Appender. It is a no-op; files are opened per append.
func (f *FileAppender) Close() error { return nil }
