package router

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/kuitang/specrun/internal/intercept"
)

// Transport routes requests of a Go HTTP client through a Router. Stubbed
// requests never reach Base; passthrough and spied requests do.
type Transport struct {
	Router *Router
	// Base performs real network calls. Nil uses http.DefaultTransport.
	Base http.RoundTripper
}

// NewTransport wraps base so every request is routed by r.
func NewTransport(r *Router, base http.RoundTripper) *Transport {
	return &Transport{Router: r, Base: base}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := readRequestBody(req)
	if err != nil {
		return nil, err
	}

	routed, err := t.Router.Route(ctx, intercept.Request{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: req.Header.Clone(),
		Body:    body,
	})
	if err != nil {
		return nil, err
	}

	switch routed.Decision {
	case Stubbed:
		return routed.Response.HTTP(req), nil
	case Passed:
		return t.base().RoundTrip(forward(req, body))
	}

	resp, err := t.base().RoundTrip(forward(req, body))
	if err != nil {
		if failErr := t.Router.Fail(ctx, routed.Ticket, err); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	// The spied body is buffered so it can be recorded and still handed back.
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		if failErr := t.Router.Fail(ctx, routed.Ticket, err); failErr != nil {
			return nil, failErr
		}
		return nil, fmt.Errorf("router: read spied response: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err := t.Router.Complete(ctx, routed.Ticket, resp.StatusCode, resp.Header, data); err != nil {
		return nil, err
	}
	return resp, nil
}

func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("router: read request body: %w", err)
	}
	return data, nil
}

// forward clones req with a fresh body, since RoundTrip must not modify the caller's request.
func forward(req *http.Request, body []byte) *http.Request {
	out := req.Clone(req.Context())
	if body == nil {
		return out
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))
	return out
}
