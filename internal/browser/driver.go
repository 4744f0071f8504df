// File: internal/browser/driver.go
// Description: chromedp-backed implementation of the Browser capability. One
// Driver wraps one browser tab context; a Session owns its Driver exclusively
// for the session's lifetime.

package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/prismbot/prism/api/schemas"
	"github.com/prismbot/prism/internal/recovery"
)

// Options configures driver allocation.
type Options struct {
	// DriverURL points at a remote DevTools endpoint (ws://...). Empty means
	// launch a local Chrome via the exec allocator.
	DriverURL string
	Headless  bool
	// ExtraFlags are additional chrome switches, "key" or "key=value" form.
	ExtraFlags []string
	// NavigationTimeout bounds Navigate and WaitForLoad. Zero means 60s.
	NavigationTimeout time.Duration
}

// Driver is one live browser tab speaking CDP.
type Driver struct {
	logger *zap.Logger
	opts   Options

	taskCtx context.Context
	cancels []context.CancelFunc
}

var _ schemas.Browser = (*Driver)(nil)

// execOptions translates Options into chromedp allocator flags, the same way
// the config file's args slice is folded in.
func execOptions(opts Options) []chromedp.ExecAllocatorOption {
	out := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.Headless {
		out = append(out, chromedp.Headless)
	}
	for _, arg := range opts.ExtraFlags {
		if !strings.Contains(arg, "=") {
			out = append(out, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
			continue
		}
		parts := strings.SplitN(arg, "=", 2)
		out = append(out, chromedp.Flag(strings.TrimPrefix(parts[0], "--"), parts[1]))
	}
	return out
}

// NewDriver allocates a browser tab. The returned Driver must be closed.
func NewDriver(parent context.Context, opts Options, logger *zap.Logger) (*Driver, error) {
	d := &Driver{
		logger: logger.Named("browser"),
		opts:   opts,
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if opts.DriverURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(parent, opts.DriverURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(parent, execOptions(opts)...)
	}

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	d.taskCtx = taskCtx
	d.cancels = []context.CancelFunc{taskCancel, allocCancel}

	// Materialize the browser process now so allocation failures surface
	// here instead of on the first operation.
	if err := chromedp.Run(taskCtx); err != nil {
		d.Close(parent)
		return nil, &recovery.BrowserError{
			Message:     fmt.Sprintf("failed to start browser: %v", err),
			Recoverable: true,
		}
	}

	return d, nil
}

// run executes chromedp actions on the tab context, honoring the caller's
// context for cancellation and mapping failures into the core taxonomy.
func (d *Driver) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.taskCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	return mapError(op, ctx, err)
}

// mapError converts a chromedp failure into the typed taxonomy at the driver
// boundary.
func mapError(op string, ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		budget := int64(0)
		if deadline, ok := ctx.Deadline(); ok {
			budget = time.Until(deadline).Milliseconds()
			if budget < 0 {
				budget = -budget
			}
		}
		return &recovery.TimeoutError{Operation: op, BudgetMs: budget}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &recovery.BrowserError{
		Message:     fmt.Sprintf("%s: %v", op, err),
		Recoverable: connectionLost(err),
	}
}

// connectionLost reports whether the failure indicates a dead browser
// process, which a fresh browser would fix.
func connectionLost(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"websocket", "connection", "closed", "chrome failed to start"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	timeout := d.opts.NavigationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.logger.Debug("Navigating", zap.String("url", url))
	return d.run(navCtx, "navigate", chromedp.Navigate(url))
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := d.run(ctx, "current_url", chromedp.Location(&url))
	return url, err
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	var title string
	err := d.run(ctx, "title", chromedp.Title(&title))
	return title, err
}

func (d *Driver) Content(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, "content", chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (d *Driver) Click(ctx context.Context, selector string) error {
	return d.run(ctx, "click", chromedp.Click(selector, chromedp.ByQuery))
}

func (d *Driver) Type(ctx context.Context, selector, text string) error {
	return d.run(ctx, "type", chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (d *Driver) SelectOption(ctx context.Context, selector, value string) error {
	return d.run(ctx, "select_option", chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (d *Driver) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.run(waitCtx, "wait_for_selector", chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (d *Driver) GetText(ctx context.Context, selector string) (string, error) {
	var text string
	err := d.run(ctx, "get_text", chromedp.Text(selector, &text, chromedp.ByQuery))
	return text, err
}

func (d *Driver) Screenshot(ctx context.Context, opts schemas.ScreenshotOptions) ([]byte, error) {
	var buf []byte
	var action chromedp.Action
	if opts.FullPage {
		action = chromedp.FullScreenshot(&buf, 90)
	} else {
		action = chromedp.CaptureScreenshot(&buf)
	}
	if err := d.run(ctx, "screenshot", action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Driver) ExecuteScript(ctx context.Context, script string, out any) error {
	if out == nil {
		return d.run(ctx, "execute_script", chromedp.Evaluate(script, nil))
	}
	return d.run(ctx, "execute_script", chromedp.Evaluate(script, out))
}

// WaitForLoad blocks until the page fires its load event.
func (d *Driver) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.run(waitCtx, "wait_for_load", waitLoadEvent())
}

// waitLoadEvent listens for the Page.loadEventFired CDP event.
func waitLoadEvent() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ch := make(chan struct{}, 1)
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		chromedp.ListenTarget(lctx, func(ev any) {
			if _, ok := ev.(*page.EventLoadEventFired); ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		})
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Close tears down the tab and its allocator.
func (d *Driver) Close(ctx context.Context) error {
	for _, cancel := range d.cancels {
		cancel()
	}
	return nil
}
