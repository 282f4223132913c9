package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteResultStore persists results in a SQLite database.
type SQLiteResultStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteResultStore opens/creates the database at dbPath.
func NewSQLiteResultStore(dbPath string) (*SQLiteResultStore, error) {
	if dbPath == "" {
		return nil, errors.New("result database path required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer keeps read-modify-write updates serialized
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	store := &SQLiteResultStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteResultStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS test_results (
		id TEXT PRIMARY KEY,
		test_type TEXT NOT NULL,
		target TEXT,
		status TEXT NOT NULL,
		current_step TEXT,
		config TEXT,
		success BOOLEAN,
		output TEXT,
		logs TEXT,
		metrics TEXT,
		data TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_test_results_created ON test_results(created_at);
	CREATE INDEX IF NOT EXISTS idx_test_results_type_status ON test_results(test_type, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteResultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const resultColumns = `id, test_type, target, status, current_step, config, success,
	output, logs, metrics, data, error, created_at, updated_at, finished_at`

// Create inserts a new pending result.
func (s *SQLiteResultStore) Create(ctx context.Context, result *TestResult) error {
	if err := prepareCreate(result, s.now()); err != nil {
		return err
	}
	args, err := resultArgs(result)
	if err != nil {
		return err
	}
	query := `INSERT INTO test_results (` + resultColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result %s: %w", result.ID, err)
	}
	return nil
}

// Get retrieves a result by id.
func (s *SQLiteResultStore) Get(ctx context.Context, id string) (*TestResult, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM test_results WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// UpdateStatus moves a result along its lifecycle.
func (s *SQLiteResultStore) UpdateStatus(ctx context.Context, id string, status ResultStatus, step string) error {
	return s.mutate(ctx, id, func(r *TestResult, now time.Time) error {
		return advance(r, status, step, now)
	})
}

// Finish records the outcome of a running result.
func (s *SQLiteResultStore) Finish(ctx context.Context, id string, outcome Outcome) error {
	return s.mutate(ctx, id, func(r *TestResult, now time.Time) error {
		return finish(r, outcome, now)
	})
}

func (s *SQLiteResultStore) mutate(ctx context.Context, id string, fn func(*TestResult, time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM test_results WHERE id = ?`, id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	if err != nil {
		return err
	}
	if err := fn(r, s.now()); err != nil {
		return err
	}
	args, err := resultArgs(r)
	if err != nil {
		return err
	}
	query := `UPDATE test_results SET
		test_type = ?, target = ?, status = ?, current_step = ?, config = ?,
		success = ?, output = ?, logs = ?, metrics = ?, data = ?, error = ?,
		created_at = ?, updated_at = ?, finished_at = ?
	WHERE id = ?`
	args = append(args[1:], args[0])
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update result %s: %w", id, err)
	}
	return tx.Commit()
}

// List returns matching results, newest first.
func (s *SQLiteResultStore) List(ctx context.Context, opts ListOptions) ([]TestResult, error) {
	var (
		clauses []string
		args    []any
	)
	if opts.TestType != "" {
		clauses = append(clauses, "test_type = ?")
		args = append(args, opts.TestType)
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	query := `SELECT ` + resultColumns + ` FROM test_results`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []TestResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// Delete removes a result. Unknown ids are ignored.
func (s *SQLiteResultStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM test_results WHERE id = ?`, id)
	return err
}

func resultArgs(r *TestResult) ([]any, error) {
	logs, err := encodeJSONColumn(r.Logs, len(r.Logs) == 0)
	if err != nil {
		return nil, err
	}
	metrics, err := encodeJSONColumn(r.Metrics, len(r.Metrics) == 0)
	if err != nil {
		return nil, err
	}
	var finished any
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}
	return []any{
		r.ID,
		r.TestType,
		r.Target,
		string(r.Status),
		r.CurrentStep,
		string(r.Config),
		r.Success,
		r.Output,
		logs,
		metrics,
		string(r.Data),
		r.Error,
		r.CreatedAt,
		r.UpdatedAt,
		finished,
	}, nil
}

func encodeJSONColumn(v any, empty bool) (string, error) {
	if empty {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*TestResult, error) {
	var (
		r                                                TestResult
		status                                           string
		target, step, config, output, logs, metrics, raw sql.NullString
		errText                                          sql.NullString
		success                                          sql.NullBool
		finished                                         sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.TestType,
		&target,
		&status,
		&step,
		&config,
		&success,
		&output,
		&logs,
		&metrics,
		&raw,
		&errText,
		&r.CreatedAt,
		&r.UpdatedAt,
		&finished,
	); err != nil {
		return nil, err
	}
	r.Status = ResultStatus(status)
	r.Target = target.String
	r.CurrentStep = step.String
	r.Success = success.Bool
	r.Output = output.String
	r.Error = errText.String
	if config.String != "" {
		r.Config = json.RawMessage(config.String)
	}
	if raw.String != "" {
		r.Data = json.RawMessage(raw.String)
	}
	if logs.String != "" {
		if err := json.Unmarshal([]byte(logs.String), &r.Logs); err != nil {
			return nil, fmt.Errorf("decode logs for %s: %w", r.ID, err)
		}
	}
	if metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &r.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics for %s: %w", r.ID, err)
		}
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
