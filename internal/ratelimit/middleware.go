package ratelimit

import (
	"fmt"
	"net/http"
)

// Transport is an http.RoundTripper that waits for the per-host limiter
// before handing the request to Base.
type Transport struct {
	Limiter *Limiter
	Base    http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Limiter != nil {
		if err := t.Limiter.Wait(req.Context(), req.URL.Host); err != nil {
			return nil, fmt.Errorf("ratelimit: waiting for %s: %w", req.URL.Host, err)
		}
	}
	return base.RoundTrip(req)
}
