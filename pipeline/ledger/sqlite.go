package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAppender stores ledger events in a single-file SQLite database.
// Suited to single-process deployments that want durable, queryable event
// history without running a server. Use ":memory:" for tests.
//
// The events table is insert-only; there is no update or delete path, which
// keeps the write-once property at the storage layer too.
type SQLiteAppender struct {
	db *sql.DB
}

// NewSQLiteAppender opens (and if needed creates) the database at path and
// prepares the schema. WAL mode is enabled for concurrent readers.
func NewSQLiteAppender(path string) (*SQLiteAppender, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS ledger_events (
			run_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			step_name TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			data_hash TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, event_id)
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger_events table: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_ledger_run ON ledger_events(run_id, event_id)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger index: %w", err)
	}

	return &SQLiteAppender{db: db}, nil
}

// Append implements Appender. The (run_id, event_id) primary key rejects
// duplicate or rewound IDs at the storage layer.
func (s *SQLiteAppender) Append(ctx context.Context, ev Event) error {
	query := `
		INSERT INTO ledger_events (run_id, event_id, event_type, step_name, payload, data_hash, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.RunID, ev.ID, string(ev.Type), ev.StepName,
		string(ev.Payload), ev.Hash, ev.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

// List implements Appender.
func (s *SQLiteAppender) List(ctx context.Context, runID string) ([]Event, error) {
	query := `
		SELECT event_id, event_type, step_name, payload, data_hash, ts
		FROM ledger_events
		WHERE run_id = ?
		ORDER BY event_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			typ     string
			payload string
			ts      string
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.StepName, &payload, &ev.Hash, &ts); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		ev.RunID = runID
		ev.Type = EventType(typ)
		ev.Payload = []byte(payload)
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger events: %w", err)
	}
	return events, nil
}

// Close closes the database.
func (s *SQLiteAppender) Close() error { return s.db.Close() }
