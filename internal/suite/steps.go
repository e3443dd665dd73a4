package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/specrun/internal/config"
	"github.com/kuitang/specrun/internal/retry"
	"github.com/kuitang/specrun/internal/waiter"
)

// Step is one action of a test. Exactly one field is set.
type Step struct {
	Intercept    *RuleSpec    `json:"intercept,omitempty"`
	Unintercept  *string      `json:"unintercept,omitempty"`
	Visit        *string      `json:"visit,omitempty"`
	Request      *RequestStep `json:"request,omitempty"`
	Wait         *WaitStep    `json:"wait,omitempty"`
	ClearCookies bool         `json:"clear_cookies,omitempty"`
	// Viewport resizes the page to a preset such as "iphone-x" or to "WIDTHxHEIGHT".
	Viewport *string `json:"viewport,omitempty"`
}

// RequestStep sends an HTTP request through the attempt's scope.
type RequestStep struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	JSON    json.RawMessage   `json:"json,omitempty"`
	Body    *string           `json:"body,omitempty"`
	Expect  Expectation       `json:"expect,omitempty"`
}

// WaitStep waits for an aliased exchange.
type WaitStep struct {
	Alias     string `json:"alias"`
	Index     *int   `json:"index,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
	// Request checks the intercepted request body.
	Request *RequestExpectation `json:"request,omitempty"`
	Expect  Expectation         `json:"expect,omitempty"`
}

// RequestExpectation checks an intercepted request.
type RequestExpectation struct {
	Method string            `json:"method,omitempty"`
	JSON   map[string]any    `json:"json,omitempty"`
	Body   json.RawMessage   `json:"body,omitempty"`
	Header map[string]string `json:"headers,omitempty"`
}

// Expectation checks a response. JSON maps gjson paths to expected values;
// Body must be contained in the actual body.
type Expectation struct {
	Status int             `json:"status,omitempty"`
	JSON   map[string]any  `json:"json,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

func (s Step) validate() error {
	set := 0
	if s.Intercept != nil {
		set++
	}
	if s.Unintercept != nil {
		set++
	}
	if s.Visit != nil {
		set++
	}
	if s.Request != nil {
		set++
	}
	if s.Wait != nil {
		set++
	}
	if s.ClearCookies {
		set++
	}
	if s.Viewport != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("a step sets exactly one action, got %d", set)
	}
	switch {
	case s.Request != nil && strings.TrimSpace(s.Request.URL) == "":
		return errors.New("request needs a url")
	case s.Wait != nil && strings.TrimSpace(s.Wait.Alias) == "":
		return errors.New("wait needs an alias")
	case s.Wait != nil && s.Wait.Index != nil && *s.Wait.Index < 0:
		return errors.New("wait index must not be negative")
	case s.Viewport != nil:
		if _, err := parseViewport(*s.Viewport); err != nil {
			return err
		}
	}
	return nil
}

func (s Step) name() string {
	switch {
	case s.Intercept != nil:
		return "intercept " + s.Intercept.URL
	case s.Unintercept != nil:
		return "unintercept " + *s.Unintercept
	case s.Visit != nil:
		return "visit " + *s.Visit
	case s.Request != nil:
		return "request " + s.Request.URL
	case s.Wait != nil:
		return "wait " + s.Wait.Alias
	case s.Viewport != nil:
		return "viewport " + *s.Viewport
	default:
		return "clear_cookies"
	}
}

func runSteps(ctx context.Context, t *retry.T, steps []Step) error {
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runStep(ctx, t, s); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, s.name(), err)
		}
	}
	return nil
}

func runStep(ctx context.Context, t *retry.T, s Step) error {
	switch {
	case s.Intercept != nil:
		rule, err := s.Intercept.Rule()
		if err != nil {
			return err
		}
		_, err = t.Intercept(rule)
		return err
	case s.Unintercept != nil:
		if t.Scope().UninterceptAlias(*s.Unintercept) == 0 {
			return fmt.Errorf("no rule with alias %s", *s.Unintercept)
		}
		return nil
	case s.Visit != nil:
		return t.Visit(ctx, *s.Visit)
	case s.Request != nil:
		return doRequest(ctx, t, s.Request)
	case s.Wait != nil:
		return doWait(ctx, t, s.Wait)
	case s.Viewport != nil:
		return setViewport(ctx, t, *s.Viewport)
	default:
		return clearCookies(t)
	}
}

type cookieClearer interface {
	ClearCookies() error
}

// clearCookies empties the page's cookie jar. Without an open page there is
// nothing to clear, since every attempt starts with a fresh context.
func clearCookies(t *retry.T) error {
	if c, ok := t.OpenedPage().(cookieClearer); ok {
		return c.ClearCookies()
	}
	return nil
}

type viewportSetter interface {
	SetViewport(width, height int) error
}

// parseViewport accepts a preset name or "WIDTHxHEIGHT".
func parseViewport(v string) (config.Viewport, error) {
	v = strings.TrimSpace(v)
	if vp, ok := config.ViewportPresets[v]; ok {
		return vp, nil
	}
	w, h, ok := strings.Cut(strings.ToLower(v), "x")
	if ok {
		width, werr := strconv.Atoi(w)
		height, herr := strconv.Atoi(h)
		if werr == nil && herr == nil && width > 0 && height > 0 {
			return config.Viewport{Width: width, Height: height}, nil
		}
	}
	return config.Viewport{}, fmt.Errorf("viewport %q is neither WIDTHxHEIGHT nor a preset (%s)", v, strings.Join(config.PresetNames(), ", "))
}

// setViewport resizes the attempt's page, opening it if needed.
func setViewport(ctx context.Context, t *retry.T, v string) error {
	vp, err := parseViewport(v)
	if err != nil {
		return err
	}
	p, err := t.Page(ctx)
	if err != nil {
		return err
	}
	setter, ok := p.(viewportSetter)
	if !ok {
		return errors.New("page cannot change its viewport")
	}
	return setter.SetViewport(vp.Width, vp.Height)
}

func doRequest(ctx context.Context, t *retry.T, r *RequestStep) error {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	switch {
	case r.Body != nil:
		body = strings.NewReader(*r.Body)
	case len(r.JSON) > 0:
		body = bytes.NewReader(r.JSON)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL(r.URL), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if len(r.JSON) > 0 && r.Body == nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.Client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return r.Expect.check(resp.StatusCode, data)
}

func doWait(ctx context.Context, t *retry.T, w *WaitStep) error {
	opts := waiter.Options{Index: w.Index, Timeout: time.Duration(w.TimeoutMS) * time.Millisecond}
	ex, err := t.Scope().WaitWith(ctx, w.Alias, opts)
	if err != nil {
		return err
	}
	if w.Request != nil {
		if err := w.Request.check(ex); err != nil {
			return err
		}
	}
	body, err := exchangeBody(ex)
	if err != nil {
		return err
	}
	return w.Expect.check(ex.StatusCode(), body)
}

// exchangeBody returns the response body of ex as JSON or raw bytes.
func exchangeBody(ex *waiter.Exchange) ([]byte, error) {
	if ex.Response == nil || ex.Response.Body == nil {
		return nil, nil
	}
	switch b := ex.Response.Body.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode %s@%d body: %w", ex.Alias, ex.Seq, err)
		}
		return data, nil
	}
}
