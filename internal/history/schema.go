package history

// Schema is applied on every open; every statement is idempotent.
const Schema = `
-- Runs table: one row per reporter run, totals filled at run end
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    browser TEXT NOT NULL DEFAULT '',
    browser_version TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL DEFAULT '',
    base_url TEXT NOT NULL DEFAULT '',
    specs TEXT NOT NULL DEFAULT '[]',  -- JSON array of spec names
    started_at INTEGER NOT NULL,
    ended_at INTEGER,                  -- NULL while the run is in progress
    total_tests INTEGER NOT NULL DEFAULT 0,
    total_passed INTEGER NOT NULL DEFAULT 0,
    total_failed INTEGER NOT NULL DEFAULT 0,
    total_pending INTEGER NOT NULL DEFAULT 0,
    total_skipped INTEGER NOT NULL DEFAULT 0,
    total_attempts INTEGER NOT NULL DEFAULT 0,
    total_duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

-- Outcomes table: one row per attempt, in recording order
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    test_id TEXT NOT NULL,
    spec TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT '',
    attempt INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    failure_kind TEXT NOT NULL DEFAULT '',
    failure_detail TEXT NOT NULL DEFAULT '',
    failure_fingerprint TEXT NOT NULL DEFAULT '',
    started_at INTEGER NOT NULL DEFAULT 0,
    UNIQUE(run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run_id ON outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_test_id ON outcomes(test_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_fingerprint ON outcomes(failure_fingerprint);
`
