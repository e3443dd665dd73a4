// Package synth turns a ResponseSpec into a concrete response.
//
// Output is a pure function of the spec: identical specs always produce
// byte-identical bodies and headers. Only the configured delay depends on time.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kuitang/specrun/internal/intercept"
)

const contentTypeJSON = "application/json"

// Response is a synthesized response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// ContentType returns the response content type.
func (r *Response) ContentType() string {
	return r.Headers.Get("Content-Type")
}

// HeaderMap flattens headers to the single-valued map browser engines expect.
func (r *Response) HeaderMap() map[string]string {
	out := make(map[string]string, len(r.Headers))
	for k := range r.Headers {
		out[k] = r.Headers.Get(k)
	}
	return out
}

// HTTP converts the response for an http.RoundTripper caller.
func (r *Response) HTTP(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Headers.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Encode renders the spec's status, headers and body without any delay.
func Encode(spec intercept.ResponseSpec) (*Response, error) {
	if spec.Passthrough {
		return nil, fmt.Errorf("synth: passthrough specs have no synthetic response")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("synth: %w", err)
	}

	body, isJSON, err := encodeBody(spec.Body)
	if err != nil {
		return nil, fmt.Errorf("synth: encode body: %w", err)
	}

	headers := make(http.Header, len(spec.Headers)+2)
	for k, v := range spec.Headers {
		headers.Set(k, v)
	}
	if isJSON && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", contentTypeJSON)
	}
	headers.Set("Content-Length", strconv.Itoa(len(body)))

	return &Response{
		StatusCode: spec.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// Synthesize renders the spec and holds the result back until spec.Delay has
// elapsed. It returns ctx.Err() if the context ends first.
func Synthesize(ctx context.Context, spec intercept.ResponseSpec) (*Response, error) {
	resp, err := Encode(spec)
	if err != nil {
		return nil, err
	}
	if spec.Delay <= 0 {
		return resp, nil
	}

	timer := time.NewTimer(spec.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func encodeBody(body any) ([]byte, bool, error) {
	switch b := body.(type) {
	case nil:
		return []byte{}, false, nil
	case []byte:
		return append([]byte(nil), b...), false, nil
	case string:
		return []byte(b), false, nil
	case json.RawMessage:
		return append([]byte(nil), b...), true, nil
	default:
		// encoding/json sorts map keys, which keeps the output deterministic.
		data, err := json.Marshal(b)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
}
