package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store in a single-file
// database.
//
// Designed for:
//   - Development and testing with zero setup (":memory:")
//   - Single-process deployments needing durable, resumable runs
//   - Prototyping before migrating to MySQL
//
// WAL mode is enabled for concurrent reads; writes are serialized on one
// connection, which SQLite requires anyway.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// prepares the schema.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./runs.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS pipeline_runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			seed INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("create pipeline_runs: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS pipeline_steps (
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			record TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, step_name)
		)
	`
	if _, err := s.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("create pipeline_steps: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_steps_run ON pipeline_steps(run_id)"); err != nil {
		return fmt.Errorf("create idx_steps_run: %w", err)
	}
	return nil
}

// SaveRun implements Store.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO pipeline_runs (run_id, seed, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.Seed, rec.Status, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LoadRun implements Store.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (RunRecord, error) {
	query := `SELECT run_id, seed, status, created_at FROM pipeline_runs WHERE run_id = ?`

	var (
		rec RunRecord
		ts  string
	)
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&rec.RunID, &rec.Seed, &rec.Status, &ts)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("load run: %w", err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return RunRecord{}, fmt.Errorf("parse run created_at: %w", err)
	}
	return rec, nil
}

// SaveStep implements Store. The whole record is stored as JSON; the
// orchestrator always writes complete records, so there is no partial
// update path to support.
func (s *SQLiteStore) SaveStep(ctx context.Context, rec StepRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal step record: %w", err)
	}

	query := `
		INSERT INTO pipeline_steps (run_id, step_name, record, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, step_name) DO UPDATE SET
			record = excluded.record,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.StepName, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// LoadStep implements Store.
func (s *SQLiteStore) LoadStep(ctx context.Context, runID, stepName string) (StepRecord, error) {
	query := `SELECT record FROM pipeline_steps WHERE run_id = ? AND step_name = ?`

	var data string
	err := s.db.QueryRowContext(ctx, query, runID, stepName).Scan(&data)
	if err == sql.ErrNoRows {
		return StepRecord{}, ErrNotFound
	}
	if err != nil {
		return StepRecord{}, fmt.Errorf("load step: %w", err)
	}

	var rec StepRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return StepRecord{}, fmt.Errorf("unmarshal step record: %w", err)
	}
	return rec, nil
}

// ListSteps implements Store.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	query := `SELECT record FROM pipeline_steps WHERE run_id = ? ORDER BY step_name`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []StepRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		var rec StepRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal step record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step records: %w", err)
	}
	return records, nil
}

// DeleteBefore implements Store. Runs and their steps are removed in one
// transaction per run.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM pipeline_runs WHERE created_at < ?`,
		cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("query expired runs: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan run id: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired runs: %w", err)
	}

	removed := 0
	for _, runID := range runIDs {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return removed, fmt.Errorf("begin delete tx: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_steps WHERE run_id = ?`, runID); err != nil {
			_ = tx.Rollback()
			return removed, fmt.Errorf("delete steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE run_id = ?`, runID); err != nil {
			_ = tx.Rollback()
			return removed, fmt.Errorf("delete run: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return removed, fmt.Errorf("commit delete tx: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }
