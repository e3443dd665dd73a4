// Package report accumulates test outcomes for a run and computes its summary.
package report

import (
	"fmt"
	"time"

	"github.com/kuitang/specrun/internal/errs"
)

// Status is the result of one attempt.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
	StatusSkipped Status = "skipped"
)

// State tags the retry disposition of an attempt.
type State string

const (
	StatePassed          State = "passed"
	StateFailedRetryable State = "failed_retryable"
	StateFailedFinal     State = "failed_final"
	StatePending         State = "pending"
	StateSkipped         State = "skipped"
)

// Outcome is the result of one attempt of one test case.
type Outcome struct {
	TestID        string        `json:"test_id"`
	Spec          string        `json:"spec"`
	Title         string        `json:"title"`
	Status        Status        `json:"status"`
	State         State         `json:"state"`
	Attempt       int           `json:"attempt"`
	Duration      time.Duration `json:"duration_ns"`
	FailureKind   errs.Code     `json:"failure_kind,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}

// Validate checks the fields every recorded outcome needs.
func (o Outcome) Validate() error {
	if o.TestID == "" {
		return fmt.Errorf("outcome has no test id")
	}
	if o.Attempt < 1 {
		return fmt.Errorf("outcome %s has attempt %d, want >= 1", o.TestID, o.Attempt)
	}
	switch o.Status {
	case StatusPassed, StatusFailed, StatusPending, StatusSkipped:
	default:
		return fmt.Errorf("outcome %s has unknown status %q", o.TestID, o.Status)
	}
	if o.Duration < 0 {
		return fmt.Errorf("outcome %s has negative duration", o.TestID)
	}
	return nil
}

// RunDetails describe a run before any test executes.
type RunDetails struct {
	RunID          string    `json:"run_id"`
	BrowserName    string    `json:"browser_name"`
	BrowserVersion string    `json:"browser_version"`
	Mode           string    `json:"mode"`
	BaseURL        string    `json:"base_url"`
	Specs          []string  `json:"specs"`
	StartedAt      time.Time `json:"started_at"`
}

// RunSummary aggregates a run.
type RunSummary struct {
	RunID         string        `json:"run_id"`
	TotalTests    int           `json:"total_tests"`
	TotalPassed   int           `json:"total_passed"`
	TotalFailed   int           `json:"total_failed"`
	TotalPending  int           `json:"total_pending"`
	TotalSkipped  int           `json:"total_skipped"`
	TotalAttempts int           `json:"total_attempts"`
	TotalDuration time.Duration `json:"total_duration_ns"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
}

// Totals returns the summary with run identity and timestamps cleared,
// which is what two computations over the same log must agree on.
func (s RunSummary) Totals() RunSummary {
	s.RunID = ""
	s.StartedAt = time.Time{}
	s.EndedAt = time.Time{}
	return s
}

// Summarize computes totals from an outcome log. It is a pure function of
// the log: a test counts once, under the status of its last attempt, while
// durations and attempts add up over every attempt.
func Summarize(outcomes []Outcome) RunSummary {
	var s RunSummary
	last := make(map[string]Outcome, len(outcomes))
	order := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		s.TotalAttempts++
		s.TotalDuration += o.Duration
		prev, seen := last[o.TestID]
		if !seen {
			order = append(order, o.TestID)
		}
		if !seen || o.Attempt >= prev.Attempt {
			last[o.TestID] = o
		}
	}

	s.TotalTests = len(order)
	for _, id := range order {
		switch last[id].Status {
		case StatusPassed:
			s.TotalPassed++
		case StatusFailed:
			s.TotalFailed++
		case StatusPending:
			s.TotalPending++
		case StatusSkipped:
			s.TotalSkipped++
		}
	}
	return s
}

// Merge reduces per-worker summaries into one. Workers must run disjoint
// test cases; a test split across workers would be counted twice.
func Merge(summaries ...RunSummary) RunSummary {
	var out RunSummary
	for i, s := range summaries {
		if i == 0 {
			out.RunID = s.RunID
		}
		out.TotalTests += s.TotalTests
		out.TotalPassed += s.TotalPassed
		out.TotalFailed += s.TotalFailed
		out.TotalPending += s.TotalPending
		out.TotalSkipped += s.TotalSkipped
		out.TotalAttempts += s.TotalAttempts
		out.TotalDuration += s.TotalDuration
		if !s.StartedAt.IsZero() && (out.StartedAt.IsZero() || s.StartedAt.Before(out.StartedAt)) {
			out.StartedAt = s.StartedAt
		}
		if s.EndedAt.After(out.EndedAt) {
			out.EndedAt = s.EndedAt
		}
	}
	return out
}

// ExitCode is the process exit status for a finished run.
func ExitCode(s RunSummary) int {
	if s.TotalFailed > 0 {
		return 1
	}
	return 0
}

// Passed reports whether the run had no final failures.
func (s RunSummary) Passed() bool {
	return s.TotalFailed == 0
}
