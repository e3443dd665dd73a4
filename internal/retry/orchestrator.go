package retry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/report"
	"github.com/kuitang/specrun/internal/scope"
)

// failureKindUncoded labels failures that carry no harness error code,
// typically failed assertions in a case body.
const failureKindUncoded errs.Code = "test_failed"

// Options configure an Orchestrator.
type Options struct {
	Policy   Policy
	Reporter *report.Reporter
	// Scope is the template for every attempt's scope. Suite base URL and
	// persistent rules override BaseURL and Persistent.
	Scope scope.Options
	// Pages opens browser pages. Nil runs without a browser.
	Pages PageOpener
}

// Orchestrator runs suites case by case, one attempt at a time.
type Orchestrator struct {
	opts Options
	now  func() time.Time
}

// New creates an orchestrator. A nil reporter gets a fresh one with a LogListener.
func New(opts Options) *Orchestrator {
	if opts.Reporter == nil {
		opts.Reporter = report.NewReporter(report.LogListener{})
	}
	return &Orchestrator{opts: opts, now: time.Now}
}

// Reporter returns the reporter outcomes are recorded to.
func (o *Orchestrator) Reporter() *report.Reporter {
	return o.opts.Reporter
}

// Run executes every suite within one reporter run and returns its summary.
// Only a fatal router error or the end of ctx stops the run early; the run
// is still closed and its summary returned together with the error.
func (o *Orchestrator) Run(ctx context.Context, details report.RunDetails, suites []Suite) (report.RunSummary, error) {
	if details.RunID == "" {
		details.RunID = "run-" + uuid.NewString()
	}
	if details.Mode == "" {
		details.Mode = string(o.opts.Policy.Mode)
	}
	if len(details.Specs) == 0 {
		for _, s := range suites {
			details.Specs = append(details.Specs, s.Name)
		}
	}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: details.RunID})

	if err := o.opts.Reporter.OnRunStart(ctx, details); err != nil {
		return report.RunSummary{}, err
	}

	var runErr error
	for _, s := range suites {
		if runErr = o.RunSuite(ctx, s); runErr != nil {
			break
		}
	}

	summary, err := o.opts.Reporter.OnRunEnd(ctx)
	if err != nil {
		return summary, errors.Join(runErr, err)
	}
	return summary, runErr
}

// RunSuite executes one suite inside an already started run.
func (o *Orchestrator) RunSuite(ctx context.Context, s Suite) error {
	if err := s.validate(); err != nil {
		return err
	}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Spec: s.Name})
	for _, c := range s.selected() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runCase(ctx, s, c); err != nil {
			return err
		}
	}
	return nil
}

// runCase drives one case through its attempts. It returns an error only
// when the whole run must stop.
func (o *Orchestrator) runCase(ctx context.Context, s Suite, c Case) error {
	id := s.caseID(c)
	m := NewMachine(o.opts.Policy.MaxRetries())

	for {
		if err := m.Start(); err != nil {
			return errs.Wrap(errs.Internal, "retry state machine", err)
		}
		actx := obs.WithCorrelation(ctx, obs.Correlation{TestID: id, Attempt: m.Attempt()})
		started := o.now()

		var runErr error
		switch {
		case c.Skip:
			runErr = Skip("marked skip")
		case c.Pending || c.Body == nil:
			runErr = ErrPending
		default:
			runErr = o.attempt(actx, s, c, id, m.Attempt())
		}

		outcome := report.Outcome{
			TestID:    id,
			Spec:      s.Name,
			Title:     c.Title,
			Attempt:   m.Attempt(),
			Duration:  o.now().Sub(started),
			StartedAt: started.UTC(),
		}

		var fatal error
		switch {
		case runErr == nil:
			if err := m.Pass(); err != nil {
				return errs.Wrap(errs.Internal, "retry state machine", err)
			}
			outcome.Status, outcome.State = report.StatusPassed, report.StatePassed
		case errors.Is(runErr, ErrSkip):
			if err := m.Skip(); err != nil {
				return errs.Wrap(errs.Internal, "retry state machine", err)
			}
			outcome.Status, outcome.State = report.StatusSkipped, report.StateSkipped
		case errors.Is(runErr, ErrPending):
			if err := m.MarkPending(); err != nil {
				return errs.Wrap(errs.Internal, "retry state machine", err)
			}
			outcome.Status, outcome.State = report.StatusPending, report.StatePending
		default:
			kind := failureKind(runErr)
			retryable := errs.Retryable(kind) && ctx.Err() == nil
			if errs.Fatal(kind) {
				fatal = runErr
				retryable = false
			}
			phase, err := m.Fail(retryable)
			if err != nil {
				return errs.Wrap(errs.Internal, "retry state machine", err)
			}
			outcome.Status = report.StatusFailed
			outcome.State = report.StateFailedFinal
			if phase == FailedRetryable {
				outcome.State = report.StateFailedRetryable
			}
			outcome.FailureKind = kind
			outcome.FailureDetail = string(kind) + ": " + errs.MessageOf(runErr)
		}

		if err := o.opts.Reporter.RecordOutcome(outcome); err != nil {
			return err
		}
		obs.From(actx).With("pkg", "retry").Info("test_attempt",
			"title", c.Title,
			"state", string(outcome.State),
			"duration_ms", outcome.Duration.Milliseconds(),
			"failure", outcome.FailureDetail,
		)

		if fatal != nil {
			return fmt.Errorf("run aborted by %s: %w", id, fatal)
		}
		if m.Phase().Terminal() {
			if outcome.State == report.StateFailedFinal && ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
	}
}

// attempt runs hooks and body against a fresh scope.
func (o *Orchestrator) attempt(ctx context.Context, s Suite, c Case, id string, n int) (err error) {
	sopts := o.opts.Scope
	if s.BaseURL != "" {
		sopts.BaseURL = s.BaseURL
	}
	sopts.Persistent = s.Persistent
	sc, err := scope.New(sopts)
	if err != nil {
		return err
	}

	t := &T{
		ID:      id,
		Title:   c.Title,
		Spec:    s.Name,
		Attempt: n,
		scope:   sc,
		pages:   o.opts.Pages,
	}
	defer func() {
		if err != nil {
			t.captureFailure(ctx)
		}
		if cerr := t.close(); cerr != nil {
			obs.From(ctx).With("pkg", "retry").Warn("page_close_failed", "error", cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			obs.From(ctx).With("pkg", "retry").Error("test_panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	for i, hook := range s.BeforeEach {
		if err := hook(ctx, t); err != nil {
			return fmt.Errorf("before_each hook %d: %w", i+1, err)
		}
	}
	return c.Body(ctx, t)
}

// failureKind returns the harness code carried by err, or test_failed for
// errors raised by the case itself.
func failureKind(err error) errs.Code {
	var coded *errs.Error
	var withCode interface{ Code() errs.Code }
	if errors.As(err, &coded) || errors.As(err, &withCode) {
		return errs.CodeOf(err)
	}
	return failureKindUncoded
}
