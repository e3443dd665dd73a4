package suite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/specrun/internal/config"
	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/report"
	"github.com/kuitang/specrun/internal/retry"
	"github.com/kuitang/specrun/internal/scope"
)

func runFile(t *testing.T, spec string, retries int) []report.Outcome {
	t.Helper()
	f, err := Parse([]byte(spec))
	require.NoError(t, err)
	s, err := f.Suite()
	require.NoError(t, err)

	o := retry.New(retry.Options{
		Policy:   retry.Policy{Mode: retry.ModeHeadless, RunModeRetries: retries},
		Reporter: report.NewReporter(),
		Scope:    scope.Options{CommandTimeout: 2 * time.Second, RequestTimeout: 5 * time.Second},
	})
	_, err = o.Run(context.Background(), report.RunDetails{}, []retry.Suite{s})
	require.NoError(t, err)
	return o.Reporter().Outcomes()
}

func TestSuite_StubbedRequestAndWait(t *testing.T) {
	spec := `{
	  "name": "certificates.json",
	  "base_url": "https://certs.example.com",
	  "tests": [{
	    "title": "creates a batch",
	    "steps": [
	      {"intercept": {"method": "POST", "url": "**/api/batches", "alias": "createBatch",
	                     "response": {"status": 201, "body": {"id": "b-1", "items": [{"n": 1}, {"n": 2}], "owner": "ops"}}}},
	      {"request": {"method": "POST", "url": "/api/batches", "json": {"name": "spring"},
	                   "expect": {"status": 201, "json": {"id": "b-1", "items.#": 2, "items.1.n": 2}}}},
	      {"wait": {"alias": "@createBatch", "index": 0,
	                "request": {"method": "post", "json": {"name": "spring"}, "headers": {"Content-Type": "application/json"}},
	                "expect": {"status": 201, "body": {"id": "b-1", "items": [{"n": 1}]}}}}
	    ]
	  }]
	}`
	outcomes := runFile(t, spec, 0)
	require.Len(t, outcomes, 1)
	assert.Equal(t, report.StatePassed, outcomes[0].State, outcomes[0].FailureDetail)
	assert.Equal(t, "certificates.json/creates a batch", outcomes[0].TestID)
}

func TestSuite_PassthroughSpyAgainstRealServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"echo": %s, "path": %q}`, body, r.URL.Path)
	}))
	defer srv.Close()

	spec := fmt.Sprintf(`{
	  "name": "echo.json",
	  "base_url": %q,
	  "persistent_intercepts": [{"method": "POST", "url": "**/echo", "alias": "echo", "response": {"passthrough": true}}],
	  "tests": [{
	    "title": "spies on echo",
	    "steps": [
	      {"request": {"method": "POST", "url": "/echo", "json": {"k": "v"}, "expect": {"status": 200, "json": {"echo.k": "v"}}}},
	      {"wait": {"alias": "echo", "expect": {"status": 200, "body": {"path": "/echo"}}}},
	      {"request": {"url": "/other", "expect": {"status": 200}}}
	    ]
	  }]
	}`, srv.URL)
	outcomes := runFile(t, spec, 0)
	require.Len(t, outcomes, 1)
	assert.Equal(t, report.StatePassed, outcomes[0].State, outcomes[0].FailureDetail)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSuite_FailuresAreReported(t *testing.T) {
	spec := `{
	  "name": "fail.json",
	  "base_url": "https://api.example.com",
	  "tests": [
	    {"title": "wrong status", "steps": [
	      {"intercept": {"url": "**/users", "response": {"status": 500}}},
	      {"request": {"url": "/users", "expect": {"status": 200}}}
	    ]},
	    {"title": "never requested", "steps": [
	      {"intercept": {"url": "**/users", "alias": "users", "response": {"status": 200}}},
	      {"wait": {"alias": "users", "timeout_ms": 50}}
	    ]},
	    {"title": "bad rule", "steps": [
	      {"intercept": {"url": "re:[", "response": {"status": 200}}}
	    ]},
	    {"title": "unknown alias", "steps": [{"unintercept": "ghost"}]}
	  ]
	}`
	outcomes := runFile(t, spec, 1)

	byTitle := map[string][]report.Outcome{}
	for _, o := range outcomes {
		byTitle[o.Title] = append(byTitle[o.Title], o)
	}
	require.Len(t, byTitle["wrong status"], 2, "assertion failures are retried")
	assert.Contains(t, byTitle["wrong status"][1].FailureDetail, "status 500, want 200")
	assert.Equal(t, errs.Code("test_failed"), byTitle["wrong status"][1].FailureKind)

	require.Len(t, byTitle["never requested"], 2)
	assert.Equal(t, errs.WaitTimeout, byTitle["never requested"][0].FailureKind)

	require.Len(t, byTitle["bad rule"], 1, "invalid rules are not retried")
	assert.Equal(t, errs.InvalidRule, byTitle["bad rule"][0].FailureKind)

	require.Len(t, byTitle["unknown alias"], 2)
	assert.Contains(t, byTitle["unknown alias"][0].FailureDetail, "no rule with alias ghost")
}

func TestSuite_BeforeEachAndFlags(t *testing.T) {
	spec := `{
	  "name": "flags.json",
	  "base_url": "https://api.example.com",
	  "before_each": [
	    {"clear_cookies": true},
	    {"intercept": {"url": "**/session", "alias": "session", "response": {"status": 200, "body": {"user": "ada"}}}}
	  ],
	  "tests": [
	    {"title": "uses hook rule", "steps": [
	      {"request": {"url": "/session", "expect": {"json": {"user": "ada"}}}}
	    ]},
	    {"title": "skipped", "skip": true, "steps": [{"visit": "/"}]},
	    {"title": "todo", "pending": true},
	    {"title": "empty"}
	  ]
	}`
	outcomes := runFile(t, spec, 0)
	require.Len(t, outcomes, 4)
	states := map[string]report.State{}
	for _, o := range outcomes {
		states[o.Title] = o.State
	}
	assert.Equal(t, report.StatePassed, states["uses hook rule"])
	assert.Equal(t, report.StateSkipped, states["skipped"])
	assert.Equal(t, report.StatePending, states["todo"])
	assert.Equal(t, report.StatePending, states["empty"])
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"unknown field": `{"name": "x", "tests": [{"title": "a"}], "retries": 3}`,
		"no tests":      `{"name": "x", "tests": []}`,
		"no title":      `{"name": "x", "tests": [{"title": " "}]}`,
		"two actions":   `{"name": "x", "tests": [{"title": "a", "steps": [{"visit": "/", "clear_cookies": true}]}]}`,
		"no action":     `{"name": "x", "tests": [{"title": "a", "steps": [{}]}]}`,
		"wait no alias": `{"name": "x", "tests": [{"title": "a", "steps": [{"wait": {"alias": ""}}]}]}`,
		"negative idx":  `{"name": "x", "tests": [{"title": "a", "steps": [{"wait": {"alias": "a", "index": -1}}]}]}`,
		"bad viewport":  `{"name": "x", "tests": [{"title": "a", "steps": [{"viewport": "pixel-99"}]}]}`,
		"zero viewport": `{"name": "x", "tests": [{"title": "a", "steps": [{"viewport": "0x600"}]}]}`,
		"bad hook":      `{"name": "x", "before_each": [{}], "tests": [{"title": "a"}]}`,
		"no rule url":   `{"name": "x", "persistent_intercepts": [{"url": ""}], "tests": [{"title": "a"}]}`,
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(spec))
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.InvalidArgument), "got %v", err)
		})
	}
}

func TestLoadAll_DirectoriesInOrder(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("b.json", `{"tests": [{"title": "b"}]}`)
	write("a.json", `{"name": "alpha", "tests": [{"title": "a"}]}`)
	write("notes.txt", `ignored`)

	files, err := LoadAll([]string{dir})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "alpha", files[0].Name)
	assert.Equal(t, "b.json", files[1].Name)

	suites, err := Suites(files)
	require.NoError(t, err)
	assert.Equal(t, "b.json", suites[1].Name)

	_, err = LoadAll([]string{t.TempDir()})
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	_, err = LoadAll([]string{filepath.Join(dir, "missing.json")})
	assert.Error(t, err)
}

func TestRuleSpec_Rule(t *testing.T) {
	text := "plain"
	rule, err := RuleSpec{URL: "**/a", Response: ResponseJSON{BodyText: &text, DelayMS: 20}}.Rule()
	require.NoError(t, err)
	assert.Equal(t, 200, rule.Response.StatusCode, "status defaults to 200")
	assert.Equal(t, []byte("plain"), rule.Response.Body)
	assert.Equal(t, 20*time.Millisecond, rule.Response.Delay)

	rule, err = RuleSpec{URL: "**/a", Response: ResponseJSON{Passthrough: true}}.Rule()
	require.NoError(t, err)
	assert.Zero(t, rule.Response.StatusCode)
}

// =============================================================================
// Property: a body always contains itself and anything it is extended with
// =============================================================================

func jsonObjectGenerator() *rapid.Generator[map[string]any] {
	return rapid.Custom(func(t *rapid.T) map[string]any {
		n := rapid.IntRange(0, 5).Draw(t, "n")
		out := make(map[string]any, n)
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "key")
			switch rapid.IntRange(0, 2).Draw(t, "kind") {
			case 0:
				out[key] = rapid.StringMatching(`[a-z0-9 ]{0,8}`).Draw(t, "s")
			case 1:
				out[key] = float64(rapid.IntRange(-1000, 1000).Draw(t, "n"))
			default:
				out[key] = rapid.Bool().Draw(t, "b")
			}
		}
		return out
	})
}

func testContainsJSON_Superset(t *rapid.T) {
	base := jsonObjectGenerator().Draw(t, "base")
	extra := jsonObjectGenerator().Draw(t, "extra")
	actual := map[string]any{}
	for k, v := range extra {
		actual[k] = v
	}
	for k, v := range base {
		actual[k] = v
	}
	want, _ := json.Marshal(base)
	got, _ := json.Marshal(actual)
	if msgs := containsJSON(want, got); len(msgs) != 0 {
		t.Fatalf("%s should contain %s: %v", got, want, msgs)
	}
}

func TestContainsJSON_Superset(t *testing.T) {
	rapid.Check(t, testContainsJSON_Superset)
}

func FuzzContainsJSON_Superset(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testContainsJSON_Superset))
}

func TestContainsJSON_Mismatch(t *testing.T) {
	msgs := containsJSON([]byte(`{"id": "b-1", "count": 2, "tags": ["a"]}`), []byte(`{"id": "b-2", "tags": ["a"]}`))
	joined := strings.Join(msgs, "; ")
	assert.Contains(t, joined, `/id = "b-2", want "b-1"`)
	assert.Contains(t, joined, "/count is missing")
	assert.NotEmpty(t, containsJSON([]byte(`{}`), []byte(`not json`)))
}

func TestCheckPaths(t *testing.T) {
	body := []byte(`{"user": {"name": "ada", "roles": ["admin", "ops"]}, "n": 3}`)
	assert.Empty(t, checkPaths(body, map[string]any{"user.name": "ada", "user.roles.#": 2, "n": 3, "user.roles.0": "admin"}))
	msgs := checkPaths(body, map[string]any{"user.name": "bob", "user.email": "x"})
	assert.Len(t, msgs, 2)
	assert.NotEmpty(t, checkPaths([]byte(`<html>`), map[string]any{"a": 1}))
}

type sizedPage struct {
	sizes []config.Viewport
}

func (p *sizedPage) Visit(context.Context, string) error { return nil }
func (p *sizedPage) Close() error                        { return nil }
func (p *sizedPage) SetViewport(width, height int) error {
	p.sizes = append(p.sizes, config.Viewport{Width: width, Height: height})
	return nil
}

type sizedPages struct {
	pages []*sizedPage
}

func (o *sizedPages) OpenPage(context.Context, *scope.Scope) (retry.Page, error) {
	p := &sizedPage{}
	o.pages = append(o.pages, p)
	return p, nil
}

func TestSuite_ViewportResizesPage(t *testing.T) {
	f, err := Parse([]byte(`{
	  "name": "viewport.json",
	  "tests": [{"title": "phone then desktop", "steps": [
	    {"viewport": "iphone-x"},
	    {"viewport": "1024X768"}
	  ]}]
	}`))
	require.NoError(t, err)
	s, err := f.Suite()
	require.NoError(t, err)

	pages := &sizedPages{}
	o := retry.New(retry.Options{
		Reporter: report.NewReporter(),
		Scope:    scope.Options{CommandTimeout: 2 * time.Second},
		Pages:    pages,
	})
	_, err = o.Run(context.Background(), report.RunDetails{}, []retry.Suite{s})
	require.NoError(t, err)

	outcomes := o.Reporter().Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, report.StatePassed, outcomes[0].State, outcomes[0].FailureDetail)
	require.Len(t, pages.pages, 1, "both steps share the attempt's page")
	assert.Equal(t, []config.Viewport{config.ViewportPresets["iphone-x"], {Width: 1024, Height: 768}}, pages.pages[0].sizes)
}

func TestSuite_ViewportWithoutBrowserFails(t *testing.T) {
	outcomes := runFile(t, `{
	  "name": "viewport.json",
	  "tests": [{"title": "resize", "steps": [{"viewport": "macbook-13"}]}]
	}`, 0)
	require.Len(t, outcomes, 1)
	assert.Equal(t, report.StateFailedFinal, outcomes[0].State)
}

func TestParseViewport(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		w := rapid.IntRange(1, 5000).Draw(t, "w")
		h := rapid.IntRange(1, 5000).Draw(t, "h")
		vp, err := parseViewport(fmt.Sprintf(" %dx%d ", w, h))
		if err != nil {
			t.Fatalf("parse %dx%d: %v", w, h, err)
		}
		if vp.Width != w || vp.Height != h {
			t.Fatalf("got %+v, want %dx%d", vp, w, h)
		}
	})

	for _, name := range config.PresetNames() {
		vp, err := parseViewport(name)
		require.NoError(t, err)
		assert.Equal(t, config.ViewportPresets[name], vp)
	}

	_, err := parseViewport("wide")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iphone-x")
}
