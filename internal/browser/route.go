package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/intercept"
	"github.com/kuitang/specrun/internal/logutil"
	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/router"
)

// routeHandler answers Playwright route callbacks from a Router.
type routeHandler struct {
	ctx    context.Context
	router *router.Router

	mu  sync.Mutex
	err error
}

func newRouteHandler(ctx context.Context, r *router.Router) *routeHandler {
	return &routeHandler{ctx: ctx, router: r}
}

// Err returns the first fatal routing error seen by this page.
func (h *routeHandler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *routeHandler) fail(err error) {
	if !errs.Fatal(errs.CodeOf(err)) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// handle is called by Playwright serially, in the order the page issued its
// requests. The exchange is opened here so sequence numbers follow that
// order; answering moves to its own goroutine so a stub delay never holds up
// other requests.
func (h *routeHandler) handle(route playwright.Route) {
	pwReq := route.Request()
	req, err := requestOf(pwReq)
	if err != nil {
		obs.From(h.ctx).With("pkg", "browser").Warn("route_request_unreadable",
			"url", pwReq.URL(),
			"headers", logutil.FormatHeaderMapForLog(pwReq.Headers()),
			"error", err,
		)
		go func() { _ = route.Continue() }()
		return
	}
	routed := h.router.Open(h.ctx, req)
	go h.serve(route, routed)
}

func (h *routeHandler) serve(route playwright.Route, routed *router.Routed) {
	logger := obs.From(h.ctx).With("pkg", "browser")
	url := route.Request().URL()

	routed, err := h.router.Serve(h.ctx, routed)
	if err != nil {
		h.fail(err)
		logger.Warn("route_failed", "url", url, "error", err)
		_ = route.Abort("failed")
		return
	}

	switch routed.Decision {
	case router.Stubbed:
		err = route.Fulfill(playwright.RouteFulfillOptions{
			Status:  playwright.Int(routed.Response.StatusCode),
			Headers: routed.Response.HeaderMap(),
			Body:    routed.Response.Body,
		})
	case router.Passed:
		err = route.Continue()
	default:
		err = h.spy(route, routed)
	}
	if err != nil {
		logger.Warn("route_answer_failed", "url", url, "decision", routed.Decision.String(), "error", err)
	}
}

// spy performs the real request, records it, and hands the response to the page.
func (h *routeHandler) spy(route playwright.Route, routed *router.Routed) error {
	resp, err := route.Fetch()
	if err != nil {
		if ferr := h.router.Fail(h.ctx, routed.Ticket, err); ferr != nil {
			h.fail(ferr)
		}
		return route.Abort("failed")
	}
	body, err := resp.Body()
	if err != nil {
		if ferr := h.router.Fail(h.ctx, routed.Ticket, err); ferr != nil {
			h.fail(ferr)
		}
		return route.Abort("failed")
	}
	if err := h.router.Complete(h.ctx, routed.Ticket, resp.Status(), headerOf(resp.Headers()), body); err != nil {
		h.fail(err)
	}
	return route.Fulfill(playwright.RouteFulfillOptions{Response: resp})
}

func requestOf(r playwright.Request) (intercept.Request, error) {
	headers, err := r.AllHeaders()
	if err != nil {
		return intercept.Request{}, fmt.Errorf("read headers: %w", err)
	}
	body, err := r.PostDataBuffer()
	if err != nil {
		return intercept.Request{}, fmt.Errorf("read body: %w", err)
	}
	return intercept.Request{
		Method:  r.Method(),
		URL:     r.URL(),
		Headers: headerOf(headers),
		Body:    body,
	}, nil
}

func headerOf(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
