// Package scope bundles the interception state of one test case attempt.
//
// A scope is created fresh for every attempt so a retry never observes
// rules or exchanges left behind by the attempt before it.
package scope

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kuitang/specrun/internal/intercept"
	"github.com/kuitang/specrun/internal/router"
	"github.com/kuitang/specrun/internal/waiter"
)

// Options configure a new scope.
type Options struct {
	// BaseURL resolves relative request and visit paths.
	BaseURL string
	// CommandTimeout is the default wait timeout.
	CommandTimeout time.Duration
	// RequestTimeout bounds each request made with Client.
	RequestTimeout time.Duration
	// Upstream carries passthrough traffic. Nil uses http.DefaultTransport.
	Upstream http.RoundTripper
	// Persistent rules are registered before anything the test case adds.
	Persistent []intercept.MockRule
}

// Scope is the registry, coordinator and router of one attempt.
type Scope struct {
	opts     Options
	base     *url.URL
	registry *intercept.Registry
	waiter   *waiter.Coordinator
	router   *router.Router
	client   *http.Client
}

// New creates a scope and registers the persistent rules.
func New(opts Options) (*Scope, error) {
	var base *url.URL
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("scope: parse base url: %w", err)
		}
		base = u
	}

	reg := intercept.NewRegistry()
	for _, rule := range opts.Persistent {
		if _, err := reg.Register(rule); err != nil {
			return nil, err
		}
	}
	w := waiter.New(opts.CommandTimeout)
	rt := router.New(reg, w)

	return &Scope{
		opts:     opts,
		base:     base,
		registry: reg,
		waiter:   w,
		router:   rt,
		client: &http.Client{
			Transport: router.NewTransport(rt, opts.Upstream),
			Timeout:   opts.RequestTimeout,
		},
	}, nil
}

// Intercept registers a rule for the rest of the attempt.
func (s *Scope) Intercept(rule intercept.MockRule) (intercept.Handle, error) {
	return s.registry.Register(rule)
}

// Unintercept removes a rule registered by Intercept.
func (s *Scope) Unintercept(h intercept.Handle) bool {
	return s.registry.Unregister(h)
}

// UninterceptAlias removes every rule registered under alias.
func (s *Scope) UninterceptAlias(alias string) int {
	return s.registry.UnregisterAlias(waiter.NormalizeAlias(alias))
}

// Wait blocks until the next exchange of alias resolves.
func (s *Scope) Wait(ctx context.Context, alias string) (*waiter.Exchange, error) {
	return s.waiter.WaitFor(ctx, alias, waiter.Options{})
}

// WaitWith is Wait with an explicit index or timeout.
func (s *Scope) WaitWith(ctx context.Context, alias string, opts waiter.Options) (*waiter.Exchange, error) {
	return s.waiter.WaitFor(ctx, alias, opts)
}

// Client returns an HTTP client whose requests are routed through the scope.
func (s *Scope) Client() *http.Client {
	return s.client
}

// Router exposes the router for browser adapters.
func (s *Scope) Router() *router.Router {
	return s.router
}

// Waiter exposes the coordinator for diagnostics.
func (s *Scope) Waiter() *waiter.Coordinator {
	return s.waiter
}

// Registry exposes the rule registry for diagnostics.
func (s *Scope) Registry() *intercept.Registry {
	return s.registry
}

// URL resolves ref against the base URL. Absolute references are returned unchanged.
func (s *Scope) URL(ref string) string {
	if s.base == nil || strings.Contains(ref, "://") {
		return ref
	}
	u, err := s.base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// Close discards every rule and exchange.
func (s *Scope) Close() {
	s.registry.Reset()
	s.waiter.Reset()
	s.client.CloseIdleConnections()
}
