// Package intercept holds the mock rules a test registers for one test case
// and answers which rule, if any, serves an outgoing request.
package intercept

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/specrun/internal/errs"
)

// AnyMethod matches every HTTP method.
const AnyMethod = "*"

// Request is an outgoing request observed by the interception layer.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// ResponseSpec describes the canned response for a matched rule.
// A Passthrough spec lets the request reach the real network while the
// exchange is still recorded under the rule's alias.
type ResponseSpec struct {
	StatusCode  int
	Body        any
	Headers     map[string]string
	Delay       time.Duration
	Passthrough bool
}

// NormalizeAlias strips a leading "@", so "@createBatch" and "createBatch" name the same alias.
func NormalizeAlias(alias string) string {
	return strings.TrimPrefix(strings.TrimSpace(alias), "@")
}

// Passthrough returns a spec that spies on a request instead of stubbing it.
func Passthrough() ResponseSpec {
	return ResponseSpec{Passthrough: true}
}

// Validate checks the status code range and delay.
func (s ResponseSpec) Validate() error {
	if s.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", s.Delay)
	}
	if s.Passthrough {
		return nil
	}
	if s.StatusCode < 100 || s.StatusCode > 599 {
		return fmt.Errorf("status code %d is outside [100,599]", s.StatusCode)
	}
	return nil
}

// MockRule binds a method and URL pattern to a response, optionally under an alias.
type MockRule struct {
	Method   string
	URL      string
	Response ResponseSpec
	Alias    string
}

func (r MockRule) String() string {
	method := r.Method
	if method == "" {
		method = AnyMethod
	}
	if r.Alias != "" {
		return fmt.Sprintf("%s %s as @%s", method, r.URL, r.Alias)
	}
	return method + " " + r.URL
}

// Handle identifies one registration.
type Handle uint64

type entry struct {
	handle  Handle
	rule    MockRule
	method  string
	pattern *Pattern
}

// Registry stores mock rules in registration order. The newest matching rule wins.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	next    Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register validates and stores a rule.
func (r *Registry) Register(rule MockRule) (Handle, error) {
	method, err := normalizeMethod(rule.Method)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidRule, fmt.Sprintf("invalid rule %s: %v", rule, err), err)
	}
	pattern, err := CompilePattern(rule.URL)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidRule, fmt.Sprintf("invalid rule %s: %v", rule, err), err)
	}
	if err := rule.Response.Validate(); err != nil {
		return 0, errs.Wrap(errs.InvalidRule, fmt.Sprintf("invalid rule %s: %v", rule, err), err)
	}
	if strings.TrimSpace(rule.Alias) != rule.Alias {
		return 0, errs.New(errs.InvalidRule, fmt.Sprintf("invalid rule %s: alias has surrounding whitespace", rule))
	}
	rule.Alias = NormalizeAlias(rule.Alias)
	if rule.Alias == "" && rule.Response.Passthrough {
		return 0, errs.New(errs.InvalidRule, fmt.Sprintf("invalid rule %s: passthrough rules need an alias", rule))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, entry{
		handle:  r.next,
		rule:    rule,
		method:  method,
		pattern: pattern,
	})
	return r.next, nil
}

// Unregister removes a rule. It reports whether the handle was registered.
func (r *Registry) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterAlias removes every rule registered under alias and returns how many were removed.
func (r *Registry) UnregisterAlias(alias string) int {
	alias = NormalizeAlias(alias)
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	removed := 0
	for _, e := range r.entries {
		if e.rule.Alias == alias {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return removed
}

// Match returns the most recently registered rule matching the request.
func (r *Registry) Match(req Request) (MockRule, bool) {
	method := strings.ToUpper(req.Method)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.method != AnyMethod && e.method != method {
			continue
		}
		if e.pattern.Match(req.URL) {
			return e.rule, true
		}
	}
	return MockRule{}, false
}

// Reset removes every rule.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Rules returns the registered rules, oldest first.
func (r *Registry) Rules() []MockRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MockRule, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.rule
	}
	return out
}

func normalizeMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" || m == AnyMethod {
		return AnyMethod, nil
	}
	for _, c := range m {
		if c < 'A' || c > 'Z' {
			return "", fmt.Errorf("method %q is not a token", method)
		}
	}
	return m, nil
}
