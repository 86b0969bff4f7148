package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// Run status values.
const (
	StatusOK      = "ok"
	StatusFault   = "fault"
	StatusTimeout = "timeout"
	StatusFailed  = "failed"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Run is one recorded measurement.
type Run struct {
	ID              string    `json:"id"`
	CodeSHA256      string    `json:"code_sha256"`
	CodeBytes       int       `json:"code_bytes"`
	Stdout          string    `json:"stdout"`
	Error           string    `json:"error"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	MemoryUsageKB   float64   `json:"memory_usage_kb"`
	PeakRSSKB       float64   `json:"peak_rss_kb"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	code_sha256       TEXT NOT NULL,
	code_bytes        INTEGER NOT NULL DEFAULT 0,
	stdout            TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	execution_time_ms REAL NOT NULL DEFAULT 0,
	memory_usage_kb   REAL NOT NULL DEFAULT 0,
	peak_rss_kb       REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	created_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_code_sha256 ON runs(code_sha256);
`

// DefaultMaxOpenConns is the default connection pool size.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL, busy_timeout and perf pragmas to every new
// connection; the driver runs DSN pragmas per connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
// An in-memory database (":memory:") is pinned to one connection so every
// query sees the same data.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(run *Run) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runs (id, code_sha256, code_bytes, stdout, error, execution_time_ms, memory_usage_kb, peak_rss_kb, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.CodeSHA256, run.CodeBytes, run.Stdout, run.Error,
			run.ExecutionTimeMs, run.MemoryUsageKB, run.PeakRSSKB, run.Status,
			run.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun returns nil, nil when no run has the given id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, code_sha256, code_bytes, stdout, error, execution_time_ms, memory_usage_kb, peak_rss_kb, status, created_at
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT id, code_sha256, code_bytes, stdout, error, execution_time_ms, memory_usage_kb, peak_rss_kb, status, created_at
		 FROM runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// DeleteRunsBefore removes runs created before t and reports how many went.
func (s *Store) DeleteRunsBefore(t time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM runs WHERE created_at < ?`, t.UTC())
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("deleting runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteRun(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	return checkRowAffected(result, id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.CodeSHA256, &run.CodeBytes, &run.Stdout, &run.Error,
		&run.ExecutionTimeMs, &run.MemoryUsageKB, &run.PeakRSSKB, &run.Status,
		&run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return nil
}
