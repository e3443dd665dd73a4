// Package config provides centralized configuration management for specrun.
// It loads configuration from CLI flags and environment variables, validates
// required fields, and provides the defaults of the original e2e setup
// (10s command and request timeouts, 30s page loads, one retry in run mode).
//
// CLI flags control which sinks are mocked or disabled (--no-email, --no-s3,
// --no-history, --no-browser, --test). Environment variables provide secrets
// and service configuration.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/specrun/internal/ratelimit"
	"github.com/kuitang/specrun/internal/retry"
)

const (
	defaultS3Region = "auto"

	NotifyOnFailure = "failure"
	NotifyOnAlways  = "always"
)

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// ViewportPresets are the named device sizes accepted by --viewport.
var ViewportPresets = map[string]Viewport{
	"macbook-16":  {1536, 960},
	"macbook-15":  {1440, 900},
	"macbook-13":  {1280, 800},
	"macbook-11":  {1366, 768},
	"ipad-2":      {768, 1024},
	"ipad-mini":   {768, 1024},
	"iphone-xr":   {414, 896},
	"iphone-x":    {375, 812},
	"iphone-8":    {375, 667},
	"iphone-se2":  {375, 667},
	"samsung-s10": {360, 760},
}

// PresetNames lists the viewport presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(ViewportPresets))
	for name := range ViewportPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config holds all runner configuration. It is immutable after LoadConfig.
type Config struct {
	// Application under test
	BaseURL string
	APIURL  string

	// Timeouts
	CommandTimeout  time.Duration // default wait budget for aliased exchanges
	PageLoadTimeout time.Duration
	RequestTimeout  time.Duration

	// Retries
	RetryPolicy retry.Policy

	// Browser
	Browser                string // chromium, firefox or webkit
	Headless               bool
	Viewport               Viewport
	ViewportPreset         string
	ChromeWebSecurity      bool
	Video                  bool
	VideosFolder           string
	ScreenshotOnRunFailure bool
	ScreenshotsFolder      string

	// Passthrough throttling
	Passthrough ratelimit.Config

	// Sink flags (controlled by CLI flags, not env vars)
	NoBrowser bool // --no-browser: run without a browser; visit steps fail
	NoEmail   bool // --no-email: log notifications instead of sending
	NoS3      bool // --no-s3: keep artifacts in an in-memory bucket
	NoHistory bool // --no-history: do not persist runs

	// Run history (SQLCipher)
	HistoryDBPath string
	HistoryKey    string // 64 hex characters (32 bytes)

	// Resend notifications
	ResendAPIKey    string
	NotifyEmail     string
	NotifyFromEmail string
	NotifyOn        string // failure or always

	// S3 artifacts (uses AWS_ env vars)
	AWSEndpointS3      string // AWS_ENDPOINT_URL_S3
	AWSRegion          string // AWS_REGION
	AWSAccessKeyID     string // AWS_ACCESS_KEY_ID
	AWSSecretAccessKey string // AWS_SECRET_ACCESS_KEY
	AWSBucketName      string // BUCKET_NAME
	ArtifactsPrefix    string // ARTIFACTS_PREFIX

	// MCP history server
	MCPAddr string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Flags are the CLI flag values that feed LoadConfig.
type Flags struct {
	Interactive bool
	NoBrowser   bool
	NoEmail     bool
	NoS3        bool
	NoHistory   bool
	Browser     string
	Viewport    string
	Addr        string
}

// ParseFlags registers the runner flags on a new FlagSet, parses args and
// returns the flag values together with the remaining positional arguments.
func ParseFlags(name string, args []string) (*Flags, []string, error) {
	f := &Flags{}
	var testMode bool
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.BoolVar(&f.Interactive, "interactive", false, "Open mode: headed browser, RETRIES_OPEN_MODE retries")
	fs.BoolVar(&f.NoBrowser, "no-browser", false, "Run without a browser (visit steps fail)")
	fs.BoolVar(&f.NoEmail, "no-email", false, "Use mock email service (logs notifications)")
	fs.BoolVar(&f.NoS3, "no-s3", false, "Use in-memory S3 for artifacts")
	fs.BoolVar(&f.NoHistory, "no-history", false, "Do not persist run history")
	fs.BoolVar(&testMode, "test", false, "Shorthand for --no-email --no-s3 --no-history")
	fs.StringVar(&f.Browser, "browser", "", "Browser engine: chromium, firefox or webkit (overrides BROWSER)")
	fs.StringVar(&f.Viewport, "viewport", "", "Viewport preset, e.g. iphone-x (overrides VIEWPORT_WIDTH/HEIGHT)")
	fs.StringVar(&f.Addr, "addr", "", "MCP listen address (overrides MCP_ADDR)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if testMode {
		f.NoEmail = true
		f.NoS3 = true
		f.NoHistory = true
	}
	return f, fs.Args(), nil
}

// LoadConfig loads configuration from environment variables and CLI flag values.
func LoadConfig(f *Flags) (*Config, error) {
	if f == nil {
		f = &Flags{}
	}
	cfg := &Config{}

	// CLI flag values
	cfg.NoBrowser = f.NoBrowser
	cfg.NoEmail = f.NoEmail
	cfg.NoS3 = f.NoS3
	cfg.NoHistory = f.NoHistory

	// Application under test
	cfg.BaseURL = strings.TrimRight(getEnvOrDefault("BASE_URL", ""), "/")
	cfg.APIURL = getEnvOrDefault("API_URL", "")
	if cfg.APIURL == "" && cfg.BaseURL != "" {
		cfg.APIURL = cfg.BaseURL + "/api"
	}

	// Timeouts
	cfg.CommandTimeout = parseDurationOrDefault("COMMAND_TIMEOUT", 10*time.Second)
	cfg.PageLoadTimeout = parseDurationOrDefault("PAGE_LOAD_TIMEOUT", 30*time.Second)
	cfg.RequestTimeout = parseDurationOrDefault("REQUEST_TIMEOUT", 10*time.Second)

	// Retries
	cfg.RetryPolicy = retry.Policy{
		Mode:            retry.ModeHeadless,
		RunModeRetries:  parseIntOrDefault("RETRIES_RUN_MODE", 1),
		OpenModeRetries: parseIntOrDefault("RETRIES_OPEN_MODE", 0),
	}
	if f.Interactive {
		cfg.RetryPolicy.Mode = retry.ModeInteractive
	}

	// Browser
	cfg.Browser = getEnvOrDefault("BROWSER", "chromium")
	if f.Browser != "" {
		cfg.Browser = f.Browser
	}
	cfg.Headless = !f.Interactive
	cfg.Viewport = Viewport{
		Width:  parseIntOrDefault("VIEWPORT_WIDTH", 1280),
		Height: parseIntOrDefault("VIEWPORT_HEIGHT", 720),
	}
	if f.Viewport != "" {
		cfg.ViewportPreset = f.Viewport
		if vp, ok := ViewportPresets[f.Viewport]; ok {
			cfg.Viewport = vp
		}
	}
	cfg.ChromeWebSecurity = parseBoolOrDefault("CHROME_WEB_SECURITY", false)
	cfg.Video = parseBoolOrDefault("VIDEO", true)
	cfg.VideosFolder = getEnvOrDefault("VIDEOS_FOLDER", "specrun/videos")
	cfg.ScreenshotOnRunFailure = parseBoolOrDefault("SCREENSHOT_ON_RUN_FAILURE", true)
	cfg.ScreenshotsFolder = getEnvOrDefault("SCREENSHOTS_FOLDER", "specrun/screenshots")

	// Passthrough throttling
	cfg.Passthrough = ratelimit.Config{
		RPS:             parseFloat64OrDefault("PASSTHROUGH_RPS", ratelimit.DefaultConfig.RPS),
		Burst:           parseIntOrDefault("PASSTHROUGH_BURST", ratelimit.DefaultConfig.Burst),
		CleanupInterval: ratelimit.DefaultConfig.CleanupInterval,
	}

	// Run history
	cfg.HistoryDBPath = getEnvOrDefault("HISTORY_DB_PATH", "specrun/history.db")
	cfg.HistoryKey = getEnvOrDefault("HISTORY_KEY", "")

	// Resend notifications
	cfg.ResendAPIKey = getEnvOrDefault("RESEND_API_KEY", "")
	cfg.NotifyEmail = getEnvOrDefault("NOTIFY_EMAIL", "")
	cfg.NotifyFromEmail = getEnvOrDefault("NOTIFY_FROM_EMAIL", "specrun@common.ink")
	cfg.NotifyOn = getEnvOrDefault("NOTIFY_ON", NotifyOnFailure)

	// S3 artifacts
	cfg.AWSEndpointS3 = getEnvOrDefault("AWS_ENDPOINT_URL_S3", "")
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultS3Region)
	cfg.AWSAccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", "")
	cfg.AWSSecretAccessKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "")
	cfg.AWSBucketName = getEnvOrDefault("BUCKET_NAME", "")
	cfg.ArtifactsPrefix = getEnvOrDefault("ARTIFACTS_PREFIX", "runs")

	// MCP
	cfg.MCPAddr = getEnvOrDefault("MCP_ADDR", ":8090")
	if f.Addr != "" {
		cfg.MCPAddr = f.Addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
// When a sink is NOT disabled, the corresponding secrets are required.
func (c *Config) Validate() error {
	var errs []string

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "BASE_URL must be an absolute http(s) URL")
		}
	}

	if c.CommandTimeout <= 0 {
		errs = append(errs, "COMMAND_TIMEOUT must be positive")
	}
	if c.PageLoadTimeout <= 0 {
		errs = append(errs, "PAGE_LOAD_TIMEOUT must be positive")
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT must be positive")
	}

	if c.RetryPolicy.RunModeRetries < 0 {
		errs = append(errs, "RETRIES_RUN_MODE must not be negative")
	}
	if c.RetryPolicy.OpenModeRetries < 0 {
		errs = append(errs, "RETRIES_OPEN_MODE must not be negative")
	}

	if !c.NoBrowser {
		switch c.Browser {
		case "chromium", "firefox", "webkit":
		default:
			errs = append(errs, fmt.Sprintf("BROWSER must be chromium, firefox or webkit, got %q", c.Browser))
		}
	}
	if c.ViewportPreset != "" {
		if _, ok := ViewportPresets[c.ViewportPreset]; !ok {
			errs = append(errs, fmt.Sprintf("unknown viewport preset %q (known: %s)", c.ViewportPreset, strings.Join(PresetNames(), ", ")))
		}
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		errs = append(errs, "VIEWPORT_WIDTH and VIEWPORT_HEIGHT must be positive")
	}

	if c.Passthrough.RPS < 0 {
		errs = append(errs, "PASSTHROUGH_RPS must not be negative")
	}
	if c.Passthrough.RPS > 0 && c.Passthrough.Burst <= 0 {
		errs = append(errs, "PASSTHROUGH_BURST must be positive when PASSTHROUGH_RPS is set")
	}

	// History: require the SQLCipher key unless --no-history
	if !c.NoHistory {
		if c.HistoryKey == "" {
			errs = append(errs, "HISTORY_KEY is required (generate with: openssl rand -hex 32, or use --no-history)")
		} else if len(c.HistoryKey) != 64 {
			errs = append(errs, "HISTORY_KEY must be 64 hex characters (32 bytes)")
		}
	}

	// Email: require Resend API key and a recipient unless --no-email
	if !c.NoEmail {
		if c.ResendAPIKey == "" {
			errs = append(errs, "RESEND_API_KEY is required (set env var or use --no-email)")
		}
		if c.NotifyEmail == "" {
			errs = append(errs, "NOTIFY_EMAIL is required (set env var or use --no-email)")
		}
	}
	if c.NotifyOn != NotifyOnFailure && c.NotifyOn != NotifyOnAlways {
		errs = append(errs, fmt.Sprintf("NOTIFY_ON must be %q or %q", NotifyOnFailure, NotifyOnAlways))
	}

	// S3: require AWS credentials unless --no-s3
	if !c.NoS3 {
		if c.AWSBucketName == "" {
			errs = append(errs, "BUCKET_NAME is required (set env var or use --no-s3)")
		}
		if c.AWSAccessKeyID == "" {
			errs = append(errs, "AWS_ACCESS_KEY_ID is required (set env var or use --no-s3)")
		}
		if c.AWSSecretAccessKey == "" {
			errs = append(errs, "AWS_SECRET_ACCESS_KEY is required (set env var or use --no-s3)")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// PrintStartupSummary prints a human-readable summary of the configuration.
func (c *Config) PrintStartupSummary(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "specrun starting...")

	base := c.BaseURL
	if base == "" {
		base = "(per suite)"
	}
	fmt.Fprintf(w, "  Base:     %s\n", base)
	fmt.Fprintf(w, "  Mode:     %s (max retries %d)\n", c.RetryPolicy.Mode, c.RetryPolicy.MaxRetries())
	fmt.Fprintf(w, "  Timeouts: command %s, page load %s, request %s\n", c.CommandTimeout, c.PageLoadTimeout, c.RequestTimeout)

	if c.NoBrowser {
		fmt.Fprintln(w, "  Browser:  none (--no-browser)")
	} else {
		fmt.Fprintf(w, "  Browser:  %s %dx%d headless=%t\n", c.Browser, c.Viewport.Width, c.Viewport.Height, c.Headless)
	}

	if c.NoHistory {
		fmt.Fprintln(w, "  History:  disabled (--no-history)")
	} else {
		fmt.Fprintf(w, "  History:  %s\n", c.HistoryDBPath)
	}

	if c.NoEmail {
		fmt.Fprintln(w, "  Email:    Mock (--no-email)")
	} else {
		fmt.Fprintf(w, "  Email:    Resend to %s on %s\n", c.NotifyEmail, c.NotifyOn)
	}

	if c.NoS3 {
		fmt.Fprintln(w, "  Storage:  Mock S3 (--no-s3)")
	} else {
		fmt.Fprintf(w, "  Storage:  s3://%s/%s (endpoint: %s)\n", c.AWSBucketName, c.ArtifactsPrefix, c.AWSEndpointS3)
	}
	fmt.Fprintln(w, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationOrDefault accepts Go durations ("10s") and bare milliseconds ("10000").
func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoadConfig loads configuration and panics if validation fails.
func MustLoadConfig(f *Flags) *Config {
	cfg, err := LoadConfig(f)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
