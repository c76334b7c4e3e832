package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store for shared, multi-process
// deployments where several orchestrators read run state from the same
// database.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects with the given DSN and prepares the schema.
//
// The DSN must include parseTime=true so TIMESTAMP columns scan into
// time.Time:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/pipelines?parseTime=true")
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql store: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS pipeline_runs (
			run_id VARCHAR(128) NOT NULL PRIMARY KEY,
			seed BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("create pipeline_runs: %w", err)
	}

	stepsTable := `
		CREATE TABLE IF NOT EXISTS pipeline_steps (
			run_id VARCHAR(128) NOT NULL,
			step_name VARCHAR(128) NOT NULL,
			record JSON NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (run_id, step_name)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
	`
	if _, err := s.db.ExecContext(ctx, stepsTable); err != nil {
		return fmt.Errorf("create pipeline_steps: %w", err)
	}
	return nil
}

// SaveRun implements Store.
func (s *MySQLStore) SaveRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO pipeline_runs (run_id, seed, status, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status)
	`
	_, err := s.db.ExecContext(ctx, query, rec.RunID, rec.Seed, rec.Status, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LoadRun implements Store.
func (s *MySQLStore) LoadRun(ctx context.Context, runID string) (RunRecord, error) {
	query := `SELECT run_id, seed, status, created_at FROM pipeline_runs WHERE run_id = ?`

	var rec RunRecord
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&rec.RunID, &rec.Seed, &rec.Status, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("load run: %w", err)
	}
	return rec, nil
}

// SaveStep implements Store.
func (s *MySQLStore) SaveStep(ctx context.Context, rec StepRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal step record: %w", err)
	}

	query := `
		INSERT INTO pipeline_steps (run_id, step_name, record, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			record = VALUES(record),
			updated_at = VALUES(updated_at)
	`
	_, err = s.db.ExecContext(ctx, query, rec.RunID, rec.StepName, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

// LoadStep implements Store.
func (s *MySQLStore) LoadStep(ctx context.Context, runID, stepName string) (StepRecord, error) {
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
func (s *MySQLStore) ListSteps(ctx context.Context, runID string) ([]StepRecord, error) {
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

// DeleteBefore implements Store.
func (s *MySQLStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE s FROM pipeline_steps s
		JOIN pipeline_runs r ON r.run_id = s.run_id
		WHERE r.created_at < ?
	`, cutoff.UTC()); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("delete steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete tx: %w", err)
	}
	return int(removed), nil
}

// Close closes the database connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }
