package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/intercept"
	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/scope"
	"github.com/kuitang/specrun/internal/waiter"
)

var (
	// ErrSkip ends an attempt as skipped. Wrap it to give a reason.
	ErrSkip = errors.New("skipped")
	// ErrPending ends an attempt as pending.
	ErrPending = errors.New("pending")
	// ErrNoBrowser is returned by T.Page when the run has no browser.
	ErrNoBrowser = errs.New(errs.Unavailable, "no browser configured for this run")
)

// Skip returns an error that marks the attempt as skipped.
func Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkip, reason)
}

// Page is a browser page bound to one attempt.
type Page interface {
	Visit(ctx context.Context, url string) error
	Close() error
}

// PageOpener opens browser pages whose network traffic is routed through a scope.
type PageOpener interface {
	OpenPage(ctx context.Context, s *scope.Scope) (Page, error)
}

// Hook runs before a case body.
type Hook func(ctx context.Context, t *T) error

// Case is one test case.
type Case struct {
	// ID identifies the case across attempts. Empty means "<suite>/<title>".
	ID    string
	Title string
	// Skip records the case as skipped without running it.
	Skip bool
	// Only restricts the suite to the cases that set it.
	Only bool
	// Pending records the case as pending without running it. A nil Body does the same.
	Pending bool
	Body    func(ctx context.Context, t *T) error
}

// Suite is one spec file.
type Suite struct {
	Name    string
	BaseURL string
	// Persistent rules are registered into every attempt's fresh scope.
	Persistent []intercept.MockRule
	BeforeEach []Hook
	Cases      []Case
}

func (s Suite) caseID(c Case) string {
	if c.ID != "" {
		return c.ID
	}
	return s.Name + "/" + c.Title
}

// selected returns the cases to run, honoring Only.
func (s Suite) selected() []Case {
	var only []Case
	for _, c := range s.Cases {
		if c.Only {
			only = append(only, c)
		}
	}
	if len(only) > 0 {
		return only
	}
	return s.Cases
}

func (s Suite) validate() error {
	seen := make(map[string]bool, len(s.Cases))
	for _, c := range s.Cases {
		id := s.caseID(c)
		if seen[id] {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("suite %s: duplicate test id %q", s.Name, id))
		}
		seen[id] = true
	}
	return nil
}

// T is the handle a case body uses during one attempt.
type T struct {
	ID      string
	Title   string
	Spec    string
	Attempt int

	scope *scope.Scope
	pages PageOpener
	page  Page
}

// Scope returns the attempt's interception scope.
func (t *T) Scope() *scope.Scope {
	return t.scope
}

// Intercept registers a mock or spy rule for the rest of the attempt.
func (t *T) Intercept(rule intercept.MockRule) (intercept.Handle, error) {
	return t.scope.Intercept(rule)
}

// Wait blocks until the next exchange of alias resolves.
func (t *T) Wait(ctx context.Context, alias string) (*waiter.Exchange, error) {
	return t.scope.Wait(ctx, alias)
}

// Client returns an HTTP client routed through the attempt's scope.
func (t *T) Client() *http.Client {
	return t.scope.Client()
}

// URL resolves ref against the suite base URL.
func (t *T) URL(ref string) string {
	return t.scope.URL(ref)
}

// Page opens the attempt's browser page on first use.
func (t *T) Page(ctx context.Context) (Page, error) {
	if t.page != nil {
		return t.page, nil
	}
	if t.pages == nil {
		return nil, ErrNoBrowser
	}
	p, err := t.pages.OpenPage(ctx, t.scope)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("open page: %v", err), err)
	}
	t.page = p
	return p, nil
}

// OpenedPage returns the attempt's page, or nil when none was opened yet.
func (t *T) OpenedPage() Page {
	return t.page
}

// Visit navigates the attempt's page to ref.
func (t *T) Visit(ctx context.Context, ref string) error {
	p, err := t.Page(ctx)
	if err != nil {
		return err
	}
	return p.Visit(ctx, t.URL(ref))
}

// screenshotter is implemented by pages that can save what they show.
type screenshotter interface {
	Screenshot(name string) (string, error)
}

func (t *T) captureFailure(ctx context.Context) {
	shot, ok := t.page.(screenshotter)
	if !ok {
		return
	}
	logger := obs.From(ctx).With("pkg", "retry")
	path, err := shot.Screenshot(fmt.Sprintf("%s-attempt-%d", t.ID, t.Attempt))
	if err != nil {
		logger.Warn("screenshot_failed", "error", err)
		return
	}
	if path != "" {
		logger.Info("screenshot_saved", "path", path)
	}
}

func (t *T) close() error {
	var err error
	if t.page != nil {
		err = t.page.Close()
		t.page = nil
	}
	t.scope.Close()
	return err
}
