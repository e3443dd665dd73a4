// Package suite loads JSON spec files and turns them into runnable suites.
package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/intercept"
	"github.com/kuitang/specrun/internal/retry"
)

// File is one spec file.
type File struct {
	Name                 string     `json:"name"`
	BaseURL              string     `json:"base_url,omitempty"`
	PersistentIntercepts []RuleSpec `json:"persistent_intercepts,omitempty"`
	BeforeEach           []Step     `json:"before_each,omitempty"`
	Tests                []TestSpec `json:"tests"`
}

// TestSpec is one test case of a spec file.
type TestSpec struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title"`
	Skip    bool   `json:"skip,omitempty"`
	Only    bool   `json:"only,omitempty"`
	Pending bool   `json:"pending,omitempty"`
	Steps   []Step `json:"steps"`
}

// RuleSpec is the JSON form of a mock rule.
type RuleSpec struct {
	Method   string       `json:"method,omitempty"`
	URL      string       `json:"url"`
	Alias    string       `json:"alias,omitempty"`
	Response ResponseJSON `json:"response"`
}

// ResponseJSON is the JSON form of a response spec. Body is any JSON value;
// BodyText is sent verbatim and wins over Body.
type ResponseJSON struct {
	Status      int               `json:"status,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	BodyText    *string           `json:"body_text,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	DelayMS     int               `json:"delay_ms,omitempty"`
	Passthrough bool              `json:"passthrough,omitempty"`
}

// Rule converts the spec to a mock rule. Registration validates it.
func (r RuleSpec) Rule() (intercept.MockRule, error) {
	resp := intercept.ResponseSpec{
		StatusCode:  r.Response.Status,
		Headers:     r.Response.Headers,
		Delay:       time.Duration(r.Response.DelayMS) * time.Millisecond,
		Passthrough: r.Response.Passthrough,
	}
	if resp.StatusCode == 0 && !resp.Passthrough {
		resp.StatusCode = 200
	}
	switch {
	case r.Response.BodyText != nil:
		resp.Body = []byte(*r.Response.BodyText)
	case len(r.Response.Body) > 0:
		v, err := decodeJSON(r.Response.Body)
		if err != nil {
			return intercept.MockRule{}, errs.Wrap(errs.InvalidRule, fmt.Sprintf("rule %s: response body: %v", r.URL, err), err)
		}
		resp.Body = v
	}
	return intercept.MockRule{Method: r.Method, URL: r.URL, Alias: r.Alias, Response: resp}, nil
}

// Parse decodes one spec file. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, fmt.Sprintf("invalid spec file: %v", err), err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses the spec file at path. A file without a name is
// named after its base name.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if f.Name == "" {
		f.Name = filepath.Base(path)
	}
	return f, nil
}

// LoadAll loads every path; directories contribute their *.json files in
// lexical order.
func LoadAll(paths []string) ([]*File, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("spec path %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.json"))
		if err != nil {
			return nil, fmt.Errorf("spec path %s: %w", p, err)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, errs.New(errs.InvalidArgument, "no spec files found")
	}

	out := make([]*File, 0, len(files))
	for _, path := range files {
		f, err := Load(path)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (f *File) validate() error {
	invalid := func(format string, args ...any) error {
		return errs.New(errs.InvalidArgument, fmt.Sprintf(format, args...))
	}
	if len(f.Tests) == 0 {
		return invalid("spec %q has no tests", f.Name)
	}
	for i, s := range f.BeforeEach {
		if err := s.validate(); err != nil {
			return invalid("before_each step %d: %v", i+1, err)
		}
	}
	for i, r := range f.PersistentIntercepts {
		if strings.TrimSpace(r.URL) == "" {
			return invalid("persistent intercept %d has no url", i+1)
		}
	}
	for _, tc := range f.Tests {
		if strings.TrimSpace(tc.Title) == "" {
			return invalid("spec %q has a test without a title", f.Name)
		}
		for i, s := range tc.Steps {
			if err := s.validate(); err != nil {
				return invalid("test %q step %d: %v", tc.Title, i+1, err)
			}
		}
	}
	return nil
}

// Suite compiles the file into a runnable suite.
func (f *File) Suite() (retry.Suite, error) {
	s := retry.Suite{Name: f.Name, BaseURL: f.BaseURL}
	for _, r := range f.PersistentIntercepts {
		rule, err := r.Rule()
		if err != nil {
			return retry.Suite{}, err
		}
		s.Persistent = append(s.Persistent, rule)
	}
	if len(f.BeforeEach) > 0 {
		steps := f.BeforeEach
		s.BeforeEach = []retry.Hook{func(ctx context.Context, t *retry.T) error {
			return runSteps(ctx, t, steps)
		}}
	}
	for _, tc := range f.Tests {
		c := retry.Case{ID: tc.ID, Title: tc.Title, Skip: tc.Skip, Only: tc.Only, Pending: tc.Pending}
		if len(tc.Steps) > 0 {
			steps := tc.Steps
			c.Body = func(ctx context.Context, t *retry.T) error {
				return runSteps(ctx, t, steps)
			}
		}
		s.Cases = append(s.Cases, c)
	}
	return s, nil
}

// Suites compiles every file.
func Suites(files []*File) ([]retry.Suite, error) {
	out := make([]retry.Suite, 0, len(files))
	for _, f := range files {
		s, err := f.Suite()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeJSON(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
