package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kuitang/specrun/internal/obs"
)

var (
	ErrAlreadyStarted = errors.New("report: run already started")
	ErrNotStarted     = errors.New("report: run not started")
	ErrAlreadyEnded   = errors.New("report: run already ended")
)

// Listener observes the run lifecycle. Listener failures are logged and
// never change the run result.
type Listener interface {
	BeforeRun(ctx context.Context, details RunDetails) error
	AfterRun(ctx context.Context, details RunDetails, summary RunSummary, outcomes []Outcome) error
}

// Reporter owns the append-only outcome log of one run.
type Reporter struct {
	mu        sync.Mutex
	listeners []Listener
	details   RunDetails
	outcomes  []Outcome
	started   bool
	ended     bool
	summary   RunSummary
	now       func() time.Time
}

// NewReporter creates a reporter that notifies listeners in order.
func NewReporter(listeners ...Listener) *Reporter {
	return &Reporter{
		listeners: listeners,
		now:       time.Now,
	}
}

// OnRunStart opens the run. It may be called once.
func (r *Reporter) OnRunStart(ctx context.Context, details RunDetails) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	if details.StartedAt.IsZero() {
		details.StartedAt = r.now().UTC()
	}
	details.Specs = append([]string(nil), details.Specs...)
	r.details = details
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		if err := l.BeforeRun(ctx, details); err != nil {
			obs.From(ctx).With("pkg", "report").Warn("listener_before_run_failed",
				"listener", fmt.Sprintf("%T", l),
				"error", err,
			)
		}
	}
	return nil
}

// RecordOutcome appends an outcome to the log.
func (r *Reporter) RecordOutcome(o Outcome) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrNotStarted
	}
	if r.ended {
		return ErrAlreadyEnded
	}
	r.outcomes = append(r.outcomes, o)
	return nil
}

// OnRunEnd closes the run, recomputes the summary from the log and notifies
// listeners. It may be called once.
func (r *Reporter) OnRunEnd(ctx context.Context) (RunSummary, error) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return RunSummary{}, ErrNotStarted
	}
	if r.ended {
		r.mu.Unlock()
		return RunSummary{}, ErrAlreadyEnded
	}
	r.ended = true
	summary := Summarize(r.outcomes)
	summary.RunID = r.details.RunID
	summary.StartedAt = r.details.StartedAt
	summary.EndedAt = r.now().UTC()
	r.summary = summary
	details := r.details
	outcomes := append([]Outcome(nil), r.outcomes...)
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		if err := l.AfterRun(ctx, details, summary, outcomes); err != nil {
			obs.From(ctx).With("pkg", "report").Warn("listener_after_run_failed",
				"listener", fmt.Sprintf("%T", l),
				"error", err,
			)
		}
	}
	return summary, nil
}

// Outcomes returns a copy of the log.
func (r *Reporter) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

// Details returns the details passed to OnRunStart.
func (r *Reporter) Details() RunDetails {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.details
}

// Ended reports whether OnRunEnd has completed.
func (r *Reporter) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// LogListener writes the run start and end to the structured log.
type LogListener struct{}

func (LogListener) BeforeRun(ctx context.Context, d RunDetails) error {
	obs.From(ctx).With("pkg", "report").Info("run_start",
		"run_id", d.RunID,
		"browser", d.BrowserName,
		"browser_version", d.BrowserVersion,
		"mode", d.Mode,
		"base_url", d.BaseURL,
		"spec_count", len(d.Specs),
	)
	return nil
}

func (LogListener) AfterRun(ctx context.Context, _ RunDetails, s RunSummary, _ []Outcome) error {
	obs.From(ctx).With("pkg", "report").Info("run_end",
		"run_id", s.RunID,
		"total_tests", s.TotalTests,
		"total_passed", s.TotalPassed,
		"total_failed", s.TotalFailed,
		"total_pending", s.TotalPending,
		"total_skipped", s.TotalSkipped,
		"total_attempts", s.TotalAttempts,
		"duration_ms", s.TotalDuration.Milliseconds(),
	)
	return nil
}
