// Package history keeps an encrypted record of past runs so flaky tests and
// recurring failures can be found across runs.
package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/report"
)

const (
	// KeySize is the SQLCipher key length in bytes.
	KeySize = 32

	// SQLite is single-writer, so a couple of connections is plenty.
	maxOpenConns = 2
	maxIdleConns = 1

	// DefaultListLimit bounds list queries that pass a non-positive limit.
	DefaultListLimit = 20
)

// Run is one stored run and, from GetRun, its attempts.
type Run struct {
	RunID          string            `json:"run_id"`
	BrowserName    string            `json:"browser"`
	BrowserVersion string            `json:"browser_version"`
	Mode           string            `json:"mode"`
	BaseURL        string            `json:"base_url"`
	Specs          []string          `json:"specs"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	Summary        report.RunSummary `json:"summary"`
	Outcomes       []report.Outcome  `json:"outcomes,omitempty"`
}

// Flaky is a test that failed and then passed within the same run.
type Flaky struct {
	TestID string `json:"test_id"`
	Runs   int    `json:"runs"`
}

// Failure groups failed attempts whose details share a fingerprint.
type Failure struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        errs.Code `json:"kind"`
	Example     string    `json:"example"`
	Attempts    int       `json:"attempts"`
	Tests       int       `json:"tests"`
}

// Store is the run history database. It implements report.Listener.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the encrypted history database at path.
// keyHex is the hex encoding of a KeySize-byte key.
func Open(path, keyHex string) (*Store, error) {
	if err := checkKey(keyHex); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", path, keyHex)
	return open(appendSQLiteParams(dsn, sqliteCommonParams()))
}

// OpenInMemory opens a named shared-cache in-memory database. The database
// lives until the last connection closes.
func OpenInMemory(name, keyHex string) (*Store, error) {
	if err := checkKey(keyHex); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_foreign_keys=on", name, keyHex)
	return open(dsn)
}

func checkKey(keyHex string) error {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != KeySize {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("history key must be %d hex-encoded bytes", KeySize))
	}
	return nil
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// A wrong key surfaces on the first read, not on open.
	var version string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify history database: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func sqliteCommonParams() string {
	return "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
}

func appendSQLiteParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeforeRun stores the run row so an interrupted run still shows up.
func (s *Store) BeforeRun(ctx context.Context, d report.RunDetails) error {
	specs, err := json.Marshal(nonNil(d.Specs))
	if err != nil {
		return fmt.Errorf("failed to encode specs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, browser, browser_version, mode, base_url, specs, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			browser = excluded.browser,
			browser_version = excluded.browser_version,
			mode = excluded.mode,
			base_url = excluded.base_url,
			specs = excluded.specs,
			started_at = excluded.started_at`,
		d.RunID, d.BrowserName, d.BrowserVersion, d.Mode, d.BaseURL, string(specs), millis(d.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", d.RunID, err)
	}
	return nil
}

// AfterRun stores the totals and every attempt in one transaction.
func (s *Store) AfterRun(ctx context.Context, d report.RunDetails, sum report.RunSummary, outcomes []report.Outcome) error {
	if err := s.BeforeRun(ctx, d); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, total_tests = ?, total_passed = ?, total_failed = ?,
			total_pending = ?, total_skipped = ?, total_attempts = ?, total_duration_ms = ?
		WHERE run_id = ?`,
		millis(sum.EndedAt), sum.TotalTests, sum.TotalPassed, sum.TotalFailed,
		sum.TotalPending, sum.TotalSkipped, sum.TotalAttempts, sum.TotalDuration.Milliseconds(), d.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", d.RunID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id = ?`, d.RunID); err != nil {
		return fmt.Errorf("failed to clear outcomes for %s: %w", d.RunID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (run_id, seq, test_id, spec, title, status, state, attempt,
			duration_ms, failure_kind, failure_detail, failure_fingerprint, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, failure_fingerprint(?), ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer stmt.Close()
	for i, o := range outcomes {
		_, err := stmt.ExecContext(ctx, d.RunID, i, o.TestID, o.Spec, o.Title, string(o.Status), string(o.State), o.Attempt,
			o.Duration.Milliseconds(), string(o.FailureKind), o.FailureDetail, o.FailureDetail, millis(o.StartedAt))
		if err != nil {
			return fmt.Errorf("failed to insert outcome %d of %s: %w", i, d.RunID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `run_id, browser, browser_version, mode, base_url, specs, started_at, ended_at,
	total_tests, total_passed, total_failed, total_pending, total_skipped, total_attempts, total_duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		specs      string
		started    int64
		ended      sql.NullInt64
		durationMS int64
	)
	err := row.Scan(&r.RunID, &r.BrowserName, &r.BrowserVersion, &r.Mode, &r.BaseURL, &specs, &started, &ended,
		&r.Summary.TotalTests, &r.Summary.TotalPassed, &r.Summary.TotalFailed, &r.Summary.TotalPending,
		&r.Summary.TotalSkipped, &r.Summary.TotalAttempts, &durationMS)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specs), &r.Specs); err != nil {
		return nil, fmt.Errorf("failed to decode specs of %s: %w", r.RunID, err)
	}
	r.StartedAt = fromMillis(started)
	r.Summary.RunID = r.RunID
	r.Summary.StartedAt = r.StartedAt
	r.Summary.TotalDuration = time.Duration(durationMS) * time.Millisecond
	if ended.Valid {
		t := fromMillis(ended.Int64)
		r.EndedAt = &t
		r.Summary.EndedAt = t
	}
	return &r, nil
}

// ListRuns returns the most recent runs first, without their outcomes.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its attempts in recording order.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("run %s not found", runID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT test_id, spec, title, status, state, attempt, duration_ms, failure_kind, failure_detail, started_at
		FROM outcomes WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get outcomes of %s: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o                   report.Outcome
			status, state, kind string
			durationMS, started int64
		)
		if err := rows.Scan(&o.TestID, &o.Spec, &o.Title, &status, &state, &o.Attempt, &durationMS, &kind, &o.FailureDetail, &started); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Status = report.Status(status)
		o.State = report.State(state)
		o.FailureKind = errs.Code(kind)
		o.Duration = time.Duration(durationMS) * time.Millisecond
		o.StartedAt = fromMillis(started)
		r.Outcomes = append(r.Outcomes, o)
	}
	return r, rows.Err()
}

// FlakyTests returns tests that failed and then passed within a run, most
// frequently flaky first.
func (s *Store) FlakyTests(ctx context.Context, limit int) ([]Flaky, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.test_id, COUNT(DISTINCT p.run_id) AS runs
		FROM outcomes p
		WHERE p.status = 'passed' AND EXISTS (
			SELECT 1 FROM outcomes f
			WHERE f.run_id = p.run_id AND f.test_id = p.test_id AND f.status = 'failed' AND f.seq < p.seq
		)
		GROUP BY p.test_id
		ORDER BY runs DESC, p.test_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query flaky tests: %w", err)
	}
	defer rows.Close()

	var out []Flaky
	for rows.Next() {
		var f Flaky
		if err := rows.Scan(&f.TestID, &f.Runs); err != nil {
			return nil, fmt.Errorf("failed to scan flaky test: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// TopFailures groups failed attempts by fingerprint, most frequent first.
func (s *Store) TopFailures(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT failure_fingerprint, MIN(failure_kind), MIN(failure_detail), COUNT(*) AS attempts, COUNT(DISTINCT test_id)
		FROM outcomes
		WHERE status = 'failed' AND failure_fingerprint != ''
		GROUP BY failure_fingerprint
		ORDER BY attempts DESC, failure_fingerprint
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f    Failure
			kind string
		)
		if err := rows.Scan(&f.Fingerprint, &kind, &f.Example, &f.Attempts, &f.Tests); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Kind = errs.Code(kind)
		out = append(out, f)
	}
	return out, rows.Err()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
