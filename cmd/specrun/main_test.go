package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/specrun/internal/config"
)

const testHistoryKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

const passingSpec = `{
  "name": "batches.json",
  "base_url": "https://certs.example.com",
  "tests": [{
    "title": "lists batches",
    "steps": [
      {"intercept": {"method": "GET", "url": "**/api/batches", "alias": "list",
                     "response": {"body": [{"id": "b-1"}]}}},
      {"request": {"url": "/api/batches", "expect": {"status": 200, "json": {"#": 1, "0.id": "b-1"}}}},
      {"wait": {"alias": "@list", "expect": {"status": 200}}}
    ]
  }]
}`

const failingSpec = `{
  "name": "broken.json",
  "base_url": "https://certs.example.com",
  "tests": [{
    "title": "expects the wrong status",
    "steps": [
      {"intercept": {"url": "**/api/broken", "response": {"status": 500}}},
      {"request": {"url": "/api/broken", "expect": {"status": 200}}}
    ]
  }]
}`

func writeSpec(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// isolateEnv clears the variables that would leak a developer's setup into the test.
func isolateEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, key := range []string{"BASE_URL", "API_URL", "BROWSER", "NOTIFY_ON", "VIEWPORT_WIDTH", "VIEWPORT_HEIGHT", "RETRIES_RUN_MODE"} {
		t.Setenv(key, "")
	}
	t.Setenv("HISTORY_DB_PATH", filepath.Join(dir, "history", "runs.db"))
	t.Setenv("HISTORY_KEY", testHistoryKey)
	t.Setenv("COMMAND_TIMEOUT", "2s")
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func testSplitCommand_Properties(t *rapid.T) {
	cmd := rapid.SampledFrom([]string{"run", "mcp", "history", "help"}).Draw(t, "cmd")
	rest := rapid.SliceOfN(rapid.StringMatching(`[a-z./-]{1,12}`), 0, 4).Draw(t, "rest")

	got, args := splitCommand(append([]string{cmd}, rest...))
	if got != cmd {
		t.Fatalf("expected %q, got %q", cmd, got)
	}
	if len(args) != len(rest) {
		t.Fatalf("expected %d args, got %d", len(rest), len(args))
	}

	flagArg := "--" + rapid.StringMatching(`[a-z-]{1,10}`).Draw(t, "flag")
	got, args = splitCommand(append([]string{flagArg}, rest...))
	if got != "run" || len(args) != len(rest)+1 {
		t.Fatalf("a leading flag must default to run with every arg kept, got %q %v", got, args)
	}

	path := rapid.StringMatching(`[a-z]{1,8}/[a-z]{1,8}\.json`).Draw(t, "path")
	got, args = splitCommand([]string{path})
	if got != "run" || len(args) != 1 || args[0] != path {
		t.Fatalf("a spec path must default to run, got %q %v", got, args)
	}
}

func TestSplitCommand_Properties(t *testing.T) {
	rapid.Check(t, testSplitCommand_Properties)
}

func FuzzSplitCommand_Properties(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(testSplitCommand_Properties))
}

func TestSplitCommand_Defaults(t *testing.T) {
	cmd, args := splitCommand(nil)
	assert.Equal(t, "run", cmd)
	assert.Empty(t, args)

	cmd, _ = splitCommand([]string{"--help"})
	assert.Equal(t, "help", cmd)

	cmd, args = splitCommand([]string{"deploy", "x"})
	assert.Equal(t, "deploy", cmd)
	assert.Equal(t, []string{"x"}, args)
}

func TestOneLine_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		got := oneLine(s)
		if strings.ContainsAny(got, "\n\r\t") {
			t.Fatalf("oneLine kept a line break or tab: %q", got)
		}
		if n := len([]rune(got)); n > 80 {
			t.Fatalf("oneLine returned %d runes", n)
		}
	})
}

func TestBrowserOptions_FollowsConfig(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := &config.Config{
			Browser:                rapid.SampledFrom([]string{"chromium", "firefox", "webkit"}).Draw(t, "browser"),
			Headless:               rapid.Bool().Draw(t, "headless"),
			Viewport:               config.Viewport{Width: rapid.IntRange(1, 4000).Draw(t, "w"), Height: rapid.IntRange(1, 4000).Draw(t, "h")},
			Video:                  rapid.Bool().Draw(t, "video"),
			VideosFolder:           "videos",
			ScreenshotOnRunFailure: rapid.Bool().Draw(t, "shots"),
			ScreenshotsFolder:      "shots",
			PageLoadTimeout:        30 * time.Second,
			CommandTimeout:         10 * time.Second,
		}
		opts := browserOptions(cfg)
		if opts.Name != cfg.Browser || opts.Headless != cfg.Headless {
			t.Fatalf("name/headless not carried over: %+v", opts)
		}
		if opts.Width != cfg.Viewport.Width || opts.Height != cfg.Viewport.Height {
			t.Fatalf("viewport not carried over: %+v", opts)
		}
		if (opts.VideosDir != "") != cfg.Video {
			t.Fatalf("VideosDir %q with Video=%t", opts.VideosDir, cfg.Video)
		}
		if (opts.ScreenshotsDir != "") != cfg.ScreenshotOnRunFailure {
			t.Fatalf("ScreenshotsDir %q with ScreenshotOnRunFailure=%t", opts.ScreenshotsDir, cfg.ScreenshotOnRunFailure)
		}
	})
}

func TestRun_PassingSpecExitsZero(t *testing.T) {
	dir := isolateEnv(t)
	path := writeSpec(t, dir, "batches.json", passingSpec)

	code, stdout, stderr := runCLI(t, "run", "--no-browser", "--test", path)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "passed")
	assert.Contains(t, stdout, "lists batches")
}

func TestRun_FailingSpecExitsOne(t *testing.T) {
	dir := isolateEnv(t)
	writeSpec(t, dir, "a.json", passingSpec)
	writeSpec(t, dir, "b.json", failingSpec)

	code, stdout, _ := runCLI(t, "--no-browser", "--test", dir)
	assert.Equal(t, exitFail, code)
	assert.Contains(t, stdout, "failed")
	assert.Contains(t, stdout, "expects the wrong status")
}

func TestRun_UsageErrors(t *testing.T) {
	dir := isolateEnv(t)

	code, _, _ := runCLI(t, "run", "--no-browser", "--test")
	assert.Equal(t, exitUsage, code, "no spec paths")

	code, _, stderr := runCLI(t, "run", "--no-browser", "--test", filepath.Join(dir, "missing.json"))
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "missing.json")

	code, _, stderr = runCLI(t, "deploy")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, `unknown command "deploy"`)

	code, stdout, _ := runCLI(t, "help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "specrun history")
}

func TestRun_RecordsHistory(t *testing.T) {
	dir := isolateEnv(t)
	t.Setenv("RETRIES_RUN_MODE", "1")
	writeSpec(t, dir, "a.json", passingSpec)
	writeSpec(t, dir, "b.json", failingSpec)

	code, _, stderr := runCLI(t, "run", "--no-browser", "--no-email", "--no-s3", dir)
	require.Equal(t, exitFail, code, stderr)

	code, stdout, stderr := runCLI(t, "history")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "RUN")
	assert.Contains(t, stdout, "1/2")

	code, stdout, stderr = runCLI(t, "history", "failures")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "FINGERPRINT")
	assert.Contains(t, stdout, "status")

	code, _, _ = runCLI(t, "history", "run-does-not-exist")
	assert.Equal(t, exitFail, code)

	code, _, stderr = runCLI(t, "history", "--no-history")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "--no-history")
}
