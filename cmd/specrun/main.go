// specrun runs JSON spec files against a web application with every
// outgoing request of the driven browser routed through the interception core.
//
//	specrun [run] [flags] <spec files or directories>...
//	specrun mcp [flags]
//	specrun history [flags] [flaky | failures | <run-id>]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kuitang/specrun/internal/artifacts"
	"github.com/kuitang/specrun/internal/browser"
	"github.com/kuitang/specrun/internal/config"
	"github.com/kuitang/specrun/internal/history"
	"github.com/kuitang/specrun/internal/mcp"
	"github.com/kuitang/specrun/internal/notify"
	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/ratelimit"
	"github.com/kuitang/specrun/internal/report"
	"github.com/kuitang/specrun/internal/retry"
	"github.com/kuitang/specrun/internal/s3client"
	"github.com/kuitang/specrun/internal/scope"
	"github.com/kuitang/specrun/internal/suite"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

const usage = `usage:
  specrun [run] [flags] <spec files or directories>...
  specrun mcp [flags]
  specrun history [flags] [flaky | failures | <run-id>]

Run "specrun run -h" for the flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	command, rest := splitCommand(args)
	switch command {
	case "run":
		return runSpecs(ctx, rest, stdout, stderr)
	case "mcp":
		return serveMCP(ctx, rest, stderr)
	case "history":
		return showHistory(ctx, rest, stdout, stderr)
	case "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", command, usage)
		return exitUsage
	}
}

// splitCommand separates the subcommand from its arguments. Without a
// subcommand, or when the first argument is a flag or a spec path, it is "run".
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "run", nil
	}
	first := args[0]
	switch first {
	case "run", "mcp", "history", "help":
		return first, args[1:]
	case "-h", "--help", "-help":
		return "help", nil
	}
	if strings.HasPrefix(first, "-") || strings.ContainsAny(first, "./"+string(filepath.Separator)) {
		return "run", args
	}
	return first, args[1:]
}

// loadConfig parses flags and loads the configuration. force disables sinks
// a subcommand never uses, so their secrets are not required.
func loadConfig(name string, args []string, stderr io.Writer, force func(*config.Flags)) (*config.Config, []string, int) {
	flags, rest, err := config.ParseFlags(name, args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, nil, exitOK
	}
	if err != nil {
		return nil, nil, exitUsage
	}
	if force != nil {
		force(flags)
	}
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, nil, exitUsage
	}
	return cfg, rest, -1
}

func runSpecs(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, paths, code := loadConfig("specrun run", args, stderr, nil)
	if cfg == nil {
		return code
	}
	obs.Init()
	logger := obs.Pkg("main")
	cfg.PrintStartupSummary(stderr)

	if len(paths) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	files, err := suite.LoadAll(paths)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	suites, err := suite.Suites(files)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	listeners, closeListeners, err := buildListeners(ctx, cfg)
	if err != nil {
		logger.Error("listener_setup_failed", "error", err)
		return exitFail
	}
	defer closeListeners()

	limiter := ratelimit.NewLimiter(cfg.Passthrough)
	defer limiter.Stop()

	details := report.RunDetails{
		Mode:    string(cfg.RetryPolicy.Mode),
		BaseURL: cfg.BaseURL,
		Specs:   specNames(files),
	}
	var pages retry.PageOpener
	if !cfg.NoBrowser {
		b, err := browser.Launch(browserOptions(cfg))
		if err != nil {
			logger.Error("browser_launch_failed", "browser", cfg.Browser, "error", err)
			return exitFail
		}
		defer func() {
			if err := b.Close(); err != nil {
				logger.Warn("browser_close_failed", "error", err)
			}
		}()
		pages = b
		details.BrowserName = b.Name()
		details.BrowserVersion = b.Version()
	}

	reporter := report.NewReporter(listeners...)
	orch := retry.New(retry.Options{
		Policy:   cfg.RetryPolicy,
		Reporter: reporter,
		Scope: scope.Options{
			BaseURL:        cfg.BaseURL,
			CommandTimeout: cfg.CommandTimeout,
			RequestTimeout: cfg.RequestTimeout,
			Upstream:       &ratelimit.Transport{Limiter: limiter},
		},
		Pages: pages,
	})

	summary, runErr := orch.Run(ctx, details, suites)
	fmt.Fprint(stdout, report.RenderMarkdown(summary, reporter.Outcomes()))
	if runErr != nil {
		logger.Error("run_aborted", "run_id", summary.RunID, "error", runErr)
		return exitFail
	}
	return report.ExitCode(summary)
}

// buildListeners assembles the report listeners the configuration enables.
// The returned func releases what they hold.
func buildListeners(ctx context.Context, cfg *config.Config) ([]report.Listener, func(), error) {
	listeners := []report.Listener{report.LogListener{}}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if !cfg.NoHistory {
		if dir := filepath.Dir(cfg.HistoryDBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create history directory: %w", err)
			}
		}
		store, err := history.Open(cfg.HistoryDBPath, cfg.HistoryKey)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = store.Close() })
		listeners = append(listeners, store)
	}

	var bucket *s3client.Client
	if cfg.NoS3 {
		c, stop, err := s3client.NewMemory(ctx, "specrun-artifacts")
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("start in-memory S3: %w", err)
		}
		closers = append(closers, stop)
		bucket = c
	} else {
		c, err := s3client.New(ctx, s3client.Config{
			Endpoint:        cfg.AWSEndpointS3,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			BucketName:      cfg.AWSBucketName,
			UsePathStyle:    cfg.AWSEndpointS3 != "",
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		bucket = c
	}
	uploader := artifacts.NewUploader(bucket, cfg.ArtifactsPrefix)
	listeners = append(listeners, uploader)

	var sender notify.Sender
	if cfg.NoEmail {
		sender = notify.NewMockSender()
	} else {
		sender = notify.NewResendSender(cfg.ResendAPIKey, cfg.NotifyFromEmail)
	}
	notifier := notify.NewNotifier(sender, cfg.NotifyEmail, notify.When(cfg.NotifyOn))
	notifier.ReportURL = uploader.ReportURL
	listeners = append(listeners, notifier)

	return listeners, closeAll, nil
}

func browserOptions(cfg *config.Config) browser.Options {
	opts := browser.Options{
		Name:              cfg.Browser,
		Headless:          cfg.Headless,
		Width:             cfg.Viewport.Width,
		Height:            cfg.Viewport.Height,
		ChromeWebSecurity: cfg.ChromeWebSecurity,
		PageLoadTimeout:   cfg.PageLoadTimeout,
		CommandTimeout:    cfg.CommandTimeout,
	}
	if cfg.Video {
		opts.VideosDir = cfg.VideosFolder
	}
	if cfg.ScreenshotOnRunFailure {
		opts.ScreenshotsDir = cfg.ScreenshotsFolder
	}
	return opts
}

func specNames(files []*suite.File) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return names
}

// historyOnly is the flag override for subcommands that only read history.
func historyOnly(f *config.Flags) {
	f.NoBrowser = true
	f.NoEmail = true
	f.NoS3 = true
}

func openHistory(cfg *config.Config, stderr io.Writer) (*history.Store, int) {
	if cfg.NoHistory {
		fmt.Fprintln(stderr, "--no-history cannot be combined with this command")
		return nil, exitUsage
	}
	store, err := history.Open(cfg.HistoryDBPath, cfg.HistoryKey)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, exitFail
	}
	return store, exitOK
}

func serveMCP(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, _, code := loadConfig("specrun mcp", args, stderr, historyOnly)
	if cfg == nil {
		return code
	}
	obs.Init()
	store, code := openHistory(cfg, stderr)
	if store == nil {
		return code
	}
	defer store.Close()

	obs.Pkg("main").Info("mcp_listening", "addr", cfg.MCPAddr, "history", cfg.HistoryDBPath)
	if err := mcp.NewServer(store).ListenAndServe(ctx, cfg.MCPAddr); err != nil {
		obs.Pkg("main").Error("mcp_server_failed", "error", err)
		return exitFail
	}
	return exitOK
}

func showHistory(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, rest, code := loadConfig("specrun history", args, stderr, historyOnly)
	if cfg == nil {
		return code
	}
	store, code := openHistory(cfg, stderr)
	if store == nil {
		return code
	}
	defer store.Close()

	if err := printHistory(ctx, store, rest, stdout); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFail
	}
	return exitOK
}

func printHistory(ctx context.Context, store *history.Store, args []string, w io.Writer) error {
	if len(args) > 1 {
		return fmt.Errorf("history takes at most one argument, got %d", len(args))
	}
	what := ""
	if len(args) == 1 {
		what = args[0]
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch what {
	case "":
		runs, err := store.ListRuns(ctx, history.DefaultListLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "RUN\tSTARTED\tBROWSER\tPASSED\tFAILED\tATTEMPTS")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\n",
				r.RunID, r.StartedAt.Format(time.RFC3339), orDash(r.BrowserName),
				r.Summary.TotalPassed, r.Summary.TotalTests, r.Summary.TotalFailed, r.Summary.TotalAttempts)
		}
	case "flaky":
		flaky, err := store.FlakyTests(ctx, history.DefaultListLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "TEST\tFLAKY RUNS")
		for _, f := range flaky {
			fmt.Fprintf(tw, "%s\t%d\n", f.TestID, f.Runs)
		}
	case "failures":
		failures, err := store.TopFailures(ctx, history.DefaultListLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "FINGERPRINT\tKIND\tATTEMPTS\tTESTS\tEXAMPLE")
		for _, f := range failures {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
				f.Fingerprint, f.Kind, f.Attempts, f.Tests, oneLine(f.Example))
		}
	default:
		r, err := store.GetRun(ctx, what)
		if err != nil {
			return err
		}
		fmt.Fprint(w, report.RenderMarkdown(r.Summary, r.Outcomes))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// oneLine flattens s to a single line of at most 80 runes.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 80 {
		return string(r[:77]) + "..."
	}
	return s
}
