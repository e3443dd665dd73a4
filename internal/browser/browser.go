// Package browser drives a real browser with Playwright and routes every
// request it makes through an attempt's interception scope.
package browser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/obs"
	"github.com/kuitang/specrun/internal/retry"
	"github.com/kuitang/specrun/internal/scope"
)

// Supported browser names.
const (
	Chromium = "chromium"
	Firefox  = "firefox"
	WebKit   = "webkit"
)

// Options configure the launched browser and every page it opens.
type Options struct {
	Name     string
	Headless bool
	Width    int
	Height   int
	// ChromeWebSecurity false disables same-origin checks in Chromium.
	ChromeWebSecurity bool
	PageLoadTimeout   time.Duration
	CommandTimeout    time.Duration
	// VideosDir, when set, records one video per page.
	VideosDir string
	// ScreenshotsDir, when set, is where failure screenshots are written.
	ScreenshotsDir string
}

func (o Options) validate() error {
	switch o.Name {
	case Chromium, Firefox, WebKit:
	default:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unsupported browser %q", o.Name))
	}
	if o.Width <= 0 || o.Height <= 0 {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("viewport %dx%d must be positive", o.Width, o.Height))
	}
	return nil
}

// launchOptions returns the Playwright launch options for o.
func (o Options) launchOptions() playwright.BrowserTypeLaunchOptions {
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(o.Headless),
	}
	if o.Name == Chromium && !o.ChromeWebSecurity {
		opts.Args = []string{"--disable-web-security", "--disable-site-isolation-trials"}
	}
	return opts
}

// contextOptions returns the per-page browser context options for o.
func (o Options) contextOptions() playwright.BrowserNewContextOptions {
	size := &playwright.Size{Width: o.Width, Height: o.Height}
	opts := playwright.BrowserNewContextOptions{
		Viewport:          size,
		IgnoreHttpsErrors: playwright.Bool(!o.ChromeWebSecurity),
	}
	if o.VideosDir != "" {
		opts.RecordVideo = &playwright.RecordVideo{Dir: o.VideosDir, Size: size}
	}
	return opts
}

// Browser is a launched browser. It implements retry.PageOpener.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
}

// Launch starts Playwright and the configured browser.
func Launch(opts Options) (*Browser, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("playwright not available: %v", err), err)
	}

	var bt playwright.BrowserType
	switch opts.Name {
	case Firefox:
		bt = pw.Firefox
	case WebKit:
		bt = pw.WebKit
	default:
		bt = pw.Chromium
	}
	b, err := bt.Launch(opts.launchOptions())
	if err != nil {
		_ = pw.Stop()
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("could not launch %s: %v", opts.Name, err), err)
	}
	obs.Pkg("browser").Info("browser_launched", "browser", opts.Name, "version", b.Version(), "headless", opts.Headless)
	return &Browser{pw: pw, browser: b, opts: opts}, nil
}

// Name returns the browser name.
func (b *Browser) Name() string {
	return b.opts.Name
}

// Version returns the browser version.
func (b *Browser) Version() string {
	return b.browser.Version()
}

// Close shuts the browser and Playwright down.
func (b *Browser) Close() error {
	return errors.Join(b.browser.Close(), b.pw.Stop())
}

// OpenPage opens a page in a fresh browser context whose traffic is routed
// through s. Cookies and storage never leak between pages.
func (b *Browser) OpenPage(ctx context.Context, s *scope.Scope) (retry.Page, error) {
	bctx, err := b.browser.NewContext(b.opts.contextOptions())
	if err != nil {
		return nil, fmt.Errorf("could not create browser context: %w", err)
	}
	if b.opts.CommandTimeout > 0 {
		bctx.SetDefaultTimeout(float64(b.opts.CommandTimeout.Milliseconds()))
	}
	if b.opts.PageLoadTimeout > 0 {
		bctx.SetDefaultNavigationTimeout(float64(b.opts.PageLoadTimeout.Milliseconds()))
	}

	p := &Page{
		bctx:           bctx,
		opts:           b.opts,
		screenshotsDir: b.opts.ScreenshotsDir,
	}
	p.routes = newRouteHandler(ctx, s.Router())
	if err := bctx.Route("**/*", p.routes.handle); err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("could not install request routing: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("could not create page: %w", err)
	}
	p.page = page
	return p, nil
}

// Page is one attempt's browser page.
type Page struct {
	bctx           playwright.BrowserContext
	page           playwright.Page
	opts           Options
	routes         *routeHandler
	screenshotsDir string

	closeOnce sync.Once
	closeErr  error
}

// Visit navigates to url and waits for the DOM to load.
func (p *Page) Visit(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}
	if p.opts.PageLoadTimeout > 0 {
		opts.Timeout = playwright.Float(float64(p.opts.PageLoadTimeout.Milliseconds()))
	}
	_, err := p.page.Goto(url, opts)
	if rerr := p.routes.Err(); rerr != nil {
		return rerr
	}
	if err != nil {
		return fmt.Errorf("visit %s: %w", url, err)
	}
	return nil
}

// ClearCookies removes every cookie of the page's context.
func (p *Page) ClearCookies() error {
	return p.bctx.ClearCookies()
}

// SetViewport resizes the page.
func (p *Page) SetViewport(width, height int) error {
	return p.page.SetViewportSize(width, height)
}

// Screenshot saves a full page PNG named after name and returns its path.
func (p *Page) Screenshot(name string) (string, error) {
	if p.screenshotsDir == "" {
		return "", nil
	}
	path := filepath.Join(p.screenshotsDir, screenshotName(name))
	if _, err := p.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	}); err != nil {
		return "", fmt.Errorf("screenshot %s: %w", name, err)
	}
	return path, nil
}

// Close closes the page's context, which also finishes its video.
func (p *Page) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.bctx.Close()
	})
	return p.closeErr
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func screenshotName(name string) string {
	safe := strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if safe == "" {
		safe = "page"
	}
	return safe + ".png"
}
