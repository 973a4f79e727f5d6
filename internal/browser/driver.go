// Package browser is the playwright-backed implementation of the gateway
// Tool contract. It drives one headless (or headed) browser page and
// exposes exactly the three capabilities the engine may request: navigate,
// reload, capture.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/michalmatynia/geminitestapp-sub007/internal/gateway"
)

// Config holds the driver settings. Passed in explicitly; there is no
// process-global browser state.
type Config struct {
	Headless   bool
	NavTimeout time.Duration
	// MaxSnapshotChars truncates captures so a pathological page cannot
	// blow up checkpoint or prompt sizes. 0 means unlimited.
	MaxSnapshotChars int
}

// DefaultConfig returns the settings used when the config file supplies
// none.
func DefaultConfig() Config {
	return Config{
		Headless:         true,
		NavTimeout:       30 * time.Second,
		MaxSnapshotChars: 40000,
	}
}

// Driver owns one playwright instance, browser, and page.
type Driver struct {
	mu sync.Mutex

	cfg     Config
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	logger  *slog.Logger
	closed  bool
}

// Launch installs playwright if needed, starts it, and opens a chromium
// page.
func Launch(cfg Config) (*Driver, error) {
	if cfg.NavTimeout == 0 {
		cfg.NavTimeout = DefaultConfig().NavTimeout
	}

	if err := playwright.Install(); err != nil {
		return nil, fmt.Errorf("failed to install playwright browsers: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	page, err := b.NewPage()
	if err != nil {
		b.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	return &Driver{
		cfg:     cfg,
		pw:      pw,
		browser: b,
		page:    page,
		logger:  slog.Default().With("component", "browser"),
	}, nil
}

// Navigate opens a URL and reports the resulting page state.
func (d *Driver) Navigate(ctx context.Context, url string) (*gateway.PageState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("browser is closed")
	}

	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(d.cfg.NavTimeout.Milliseconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	return d.state()
}

// Reload reloads the current page.
func (d *Driver) Reload(ctx context.Context) (*gateway.PageState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("browser is closed")
	}

	_, err := d.page.Reload(playwright.PageReloadOptions{
		Timeout: playwright.Float(float64(d.cfg.NavTimeout.Milliseconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("reload failed: %w", err)
	}
	return d.state()
}

// Capture takes a full observation of the page: url, title, visible text,
// and an aria outline of interactive elements.
func (d *Driver) Capture(ctx context.Context) (*gateway.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("browser is closed")
	}

	state, err := d.state()
	if err != nil {
		return nil, err
	}

	text, err := d.page.Locator("body").InnerText()
	if err != nil {
		return nil, fmt.Errorf("text capture failed: %w", err)
	}

	// The aria outline is best-effort; a page without a body snapshot
	// still yields a usable text capture.
	elements, err := d.page.Locator("body").AriaSnapshot()
	if err != nil {
		d.logger.Warn("aria snapshot failed", "error", err)
		elements = ""
	}

	return &gateway.Capture{
		URL:      state.URL,
		Title:    state.Title,
		Content:  truncate(text, d.cfg.MaxSnapshotChars),
		Elements: truncate(elements, d.cfg.MaxSnapshotChars),
	}, nil
}

// Close tears down the page, browser, and playwright process.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.browser.Close(); err != nil {
		d.logger.Warn("browser close failed", "error", err)
	}
	return d.pw.Stop()
}

func (d *Driver) state() (*gateway.PageState, error) {
	title, err := d.page.Title()
	if err != nil {
		return nil, fmt.Errorf("failed to read page title: %w", err)
	}
	return &gateway.PageState{
		URL:   d.page.URL(),
		Title: title,
	}, nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
