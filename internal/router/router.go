// Package router decides, for every outgoing request of the driven browser,
// whether it is served from the mock registry or passed to the real network.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/intercept"
	"github.com/kuitang/specrun/internal/logutil"
	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/synth"
	"github.com/kuitang/specrun/internal/waiter"
)

// Decision is the router's verdict for one request.
type Decision int

const (
	// Stubbed requests are answered from a mock rule; the network is not touched.
	Stubbed Decision = iota
	// Spied requests go to the network; the caller reports the real response via Complete.
	Spied
	// Passed requests matched no rule and go to the network unobserved.
	Passed
)

func (d Decision) String() string {
	switch d {
	case Stubbed:
		return "stubbed"
	case Spied:
		return "spied"
	default:
		return "passthrough"
	}
}

// Routed is the outcome of Route.
type Routed struct {
	Decision Decision
	Rule     intercept.MockRule
	Response *synth.Response
	Ticket   waiter.Ticket

	req intercept.Request
}

// Passthrough reports whether the caller must let the request reach the network.
func (r *Routed) Passthrough() bool {
	return r.Decision != Stubbed
}

// Router connects a registry and a coordinator for one test case.
type Router struct {
	registry *intercept.Registry
	waiter   *waiter.Coordinator
}

// New creates a router over the given registry and coordinator.
func New(registry *intercept.Registry, w *waiter.Coordinator) *Router {
	return &Router{
		registry: registry,
		waiter:   w,
	}
}

// Route handles one outgoing request. It may be called concurrently. A stub
// delay suspends only the calling goroutine.
func (r *Router) Route(ctx context.Context, req intercept.Request) (*Routed, error) {
	return r.Serve(ctx, r.Open(ctx, req))
}

// Open decides how req is answered and opens its exchange, which fixes its
// sequence number. Adapters that receive requests in issue order call Open
// in that order and may then Serve concurrently.
func (r *Router) Open(ctx context.Context, req intercept.Request) *Routed {
	rule, matched := r.registry.Match(req)
	if !matched {
		ex := r.waiter.Record(req)
		r.logExchange(ctx, "exchange_passthrough", req, slog.String("exchange_id", ex.ID))
		return &Routed{Decision: Passed, req: req}
	}

	ticket := r.waiter.Begin(rule.Alias, req, rule.Response.Passthrough)
	if rule.Response.Passthrough {
		r.logExchange(ctx, "exchange_spied", req,
			slog.String("alias", ticket.Alias),
			slog.Int("seq", ticket.Seq),
		)
		return &Routed{Decision: Spied, Rule: rule, Ticket: ticket, req: req}
	}
	return &Routed{Decision: Stubbed, Rule: rule, Ticket: ticket, req: req}
}

// Serve synthesizes the response of an opened stub, honoring its delay, and
// resolves the exchange. Spied and passthrough decisions are returned unchanged.
func (r *Router) Serve(ctx context.Context, routed *Routed) (*Routed, error) {
	if routed.Decision != Stubbed || routed.Response != nil {
		return routed, nil
	}
	rule, ticket := routed.Rule, routed.Ticket

	resp, err := synth.Synthesize(ctx, rule.Response)
	if err != nil {
		if abortErr := r.waiter.Abort(ticket, err); abortErr != nil {
			return nil, abortErr
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, errs.Wrap(errs.InvalidRule, fmt.Sprintf("rule %s cannot be synthesized: %v", rule, err), err)
	}
	if err := r.waiter.Resolve(ticket, rule.Response); err != nil {
		return nil, err
	}

	r.logExchange(ctx, "exchange_stubbed", routed.req,
		slog.String("alias", ticket.Alias),
		slog.Int("seq", ticket.Seq),
		slog.Int("status", resp.StatusCode),
		slog.String("response_body", logutil.FormatBodyForLog(resp.ContentType(), resp.Body, logutil.DefaultBodyLimit)),
	)
	routed.Response = resp
	return routed, nil
}

// Complete records the real response of a spied request.
func (r *Router) Complete(ctx context.Context, t waiter.Ticket, status int, headers http.Header, body []byte) error {
	flat := make(map[string]string, len(headers))
	for k := range headers {
		flat[k] = headers.Get(k)
	}
	err := r.waiter.Resolve(t, intercept.ResponseSpec{
		StatusCode:  status,
		Headers:     flat,
		Body:        append([]byte(nil), body...),
		Passthrough: true,
	})
	if err != nil {
		return err
	}
	obs.From(ctx).With("pkg", "router").Debug("exchange_spy_resolved",
		"alias", t.Alias,
		"seq", t.Seq,
		"status", status,
		"response_body", logutil.FormatBodyForLog(headers.Get("Content-Type"), body, logutil.DefaultBodyLimit),
	)
	return nil
}

// Fail settles a spied request whose real network call failed.
func (r *Router) Fail(ctx context.Context, t waiter.Ticket, cause error) error {
	obs.From(ctx).With("pkg", "router").Debug("exchange_spy_failed", "alias", t.Alias, "seq", t.Seq, "error", cause)
	return r.waiter.Abort(t, cause)
}

func (r *Router) logExchange(ctx context.Context, msg string, req intercept.Request, attrs ...slog.Attr) {
	base := []any{
		"method", req.Method,
		"url", req.URL,
		"headers", logutil.FormatHeadersForLog(req.Headers),
	}
	if len(req.Body) > 0 {
		base = append(base, "request_body", logutil.FormatBodyForLog(req.Headers.Get("Content-Type"), req.Body, logutil.DefaultBodyLimit))
	}
	for _, a := range attrs {
		base = append(base, a)
	}
	obs.From(ctx).With("pkg", "router").Debug(msg, base...)
}
