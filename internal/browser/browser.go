package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultNavTimeout    = 30 * time.Second
	defaultActionTimeout = 10 * time.Second
	// minActionBudget keeps playwright from reading a spent budget as "no timeout".
	minActionBudget = 100 * time.Millisecond
)

// Options configures one browser launch.
type Options struct {
	ExecutablePath string
	Headless       bool
	NavTimeout     time.Duration
	ActionTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.NavTimeout <= 0 {
		o.NavTimeout = defaultNavTimeout
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = defaultActionTimeout
	}
	return o
}

// Launcher starts browser instances. One instance is scoped to one request.
type Launcher interface {
	Launch(ctx context.Context, opts Options) (Instance, error)
}

// Instance is a running browser. Close is idempotent.
type Instance interface {
	NewPage(ctx context.Context) (Controller, error)
	Close() error
}

// Controller exposes the page operations the explorer needs.
type Controller interface {
	URL() string
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Content(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, script string, args ...any) (any, error)
}

// PlaywrightLauncher owns the playwright driver for the process lifetime and
// launches a fresh chromium per request.
type PlaywrightLauncher struct {
	mu sync.Mutex
	pw *playwright.Playwright
}

func NewLauncher(ctx context.Context) (*PlaywrightLauncher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, &LaunchError{Err: fmt.Errorf("start playwright: %w", err)}
	}
	return &PlaywrightLauncher{pw: pw}, nil
}

func (l *PlaywrightLauncher) Launch(ctx context.Context, opts Options) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	pw := l.pw
	l.mu.Unlock()
	if pw == nil {
		return nil, &LaunchError{Err: errors.New("launcher closed")}
	}
	opts = opts.withDefaults()
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	}
	if p := strings.TrimSpace(opts.ExecutablePath); p != "" {
		if _, err := os.Stat(p); err != nil {
			return nil, &LaunchError{Err: fmt.Errorf("chromium executable: %w", err)}
		}
		launchOpts.ExecutablePath = playwright.String(p)
	}
	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, &LaunchError{Err: fmt.Errorf("launch chromium: %w", err)}
	}
	return &instance{browser: b, opts: opts}, nil
}

// Close stops the playwright driver.
func (l *PlaywrightLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

type instance struct {
	browser playwright.Browser
	opts    Options

	once     sync.Once
	closeErr error
}

func (i *instance) NewPage(ctx context.Context) (Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bctx, err := i.browser.NewContext(playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(false),
	})
	if err != nil {
		return nil, wrap(fmt.Errorf("new context: %w", err))
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, wrap(fmt.Errorf("new page: %w", err))
	}
	page.SetDefaultTimeout(float64(i.opts.ActionTimeout.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(i.opts.NavTimeout.Milliseconds()))
	return &controller{page: page, opts: i.opts}, nil
}

func (i *instance) Close() error {
	i.once.Do(func() {
		if i.browser != nil {
			i.closeErr = wrap(i.browser.Close())
		}
	})
	return i.closeErr
}

type controller struct {
	page playwright.Page
	opts Options
}

func (c *controller) URL() string {
	return c.page.URL()
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   ms(c.opts.NavTimeout),
	})
	if err != nil {
		return &NavigationError{URL: url, Err: wrap(err)}
	}
	return nil
}

func (c *controller) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	first, left, err := c.locate("click", selector)
	if err != nil {
		return err
	}
	if err := first.Click(playwright.LocatorClickOptions{Timeout: ms(left)}); err != nil {
		return c.classify("click", selector, err)
	}
	return nil
}

func (c *controller) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	first, left, err := c.locate("fill", selector)
	if err != nil {
		return err
	}
	if err := first.Fill(value, playwright.LocatorFillOptions{Timeout: ms(left)}); err != nil {
		return c.classify("fill", selector, err)
	}
	return nil
}

func (c *controller) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	png, err := c.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: ms(c.opts.ActionTimeout),
	})
	if err != nil {
		return nil, c.classify("screenshot", "", err)
	}
	return png, nil
}

func (c *controller) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := c.page.Content()
	return html, wrap(err)
}

func (c *controller) Evaluate(ctx context.Context, script string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := c.page.Evaluate(script, args...)
	return val, wrap(err)
}

// locate waits up to the action timeout for selector to attach and returns
// what is left of that budget for the operation itself.
func (c *controller) locate(op, selector string) (playwright.Locator, time.Duration, error) {
	start := time.Now()
	first := c.page.Locator(selector).First()
	err := first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: ms(c.opts.ActionTimeout),
	})
	if err == nil {
		return first, remaining(c.opts.ActionTimeout, time.Since(start)), nil
	}
	n, cerr := c.page.Locator(selector).Count()
	return nil, 0, attachError(op, selector, c.opts.ActionTimeout, err, n, cerr)
}

// attachError classifies a failed wait for selector: nothing matching after
// the full timeout is a missing element, anything else timed out.
func attachError(op, selector string, timeout time.Duration, waitErr error, count int, countErr error) error {
	if !errors.Is(waitErr, playwright.ErrTimeout) {
		return &ElementNotFoundError{Selector: selector, Err: wrap(waitErr)}
	}
	if countErr == nil && count == 0 {
		return &ElementNotFoundError{Selector: selector}
	}
	return &ActionTimeoutError{Op: op, Selector: selector, Timeout: timeout, Err: wrap(waitErr)}
}

func remaining(budget, elapsed time.Duration) time.Duration {
	return max(budget-elapsed, minActionBudget)
}

func (c *controller) classify(op, selector string, err error) error {
	if errors.Is(err, playwright.ErrTimeout) {
		return &ActionTimeoutError{Op: op, Selector: selector, Timeout: c.opts.ActionTimeout, Err: wrap(err)}
	}
	return wrap(fmt.Errorf("%s %s: %w", op, selector, err))
}

func ms(d time.Duration) *float64 {
	return playwright.Float(float64(d.Milliseconds()))
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
