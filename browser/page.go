package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// Page is the set of browser primitives the agent loop drives.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	// Text returns the visible text of the document body.
	Text(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
}

// Opener starts a fresh browser page. The returned func releases it.
type Opener func(ctx context.Context) (Page, func(), error)

// ChromeOptions configures the chromedp backed browser.
type ChromeOptions struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	// WaitTimeout bounds the wait for a selector to become visible.
	WaitTimeout time.Duration
}

// NewChromeOpener returns an Opener that launches a dedicated Chrome
// process per task.
func NewChromeOpener(optFns ...func(o *ChromeOptions)) Opener {
	opts := ChromeOptions{
		Headless:    true,
		WaitTimeout: 10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return func(ctx context.Context) (Page, func(), error) {
		allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}

		allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
		tabCtx, cancelTab := chromedp.NewContext(allocCtx)
		release := func() {
			cancelTab()
			cancelAlloc()
		}

		// The first Run starts the browser.
		if err := chromedp.Run(tabCtx); err != nil {
			release()
			return nil, nil, fmt.Errorf("start browser: %w", err)
		}

		return &chromePage{tab: tabCtx, waitTimeout: opts.WaitTimeout}, release, nil
	}
}

type chromePage struct {
	tab         context.Context
	waitTimeout time.Duration
}

// run executes actions on the tab, bounded by the caller's deadline and
// cancellation.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()

	if dl, ok := ctx.Deadline(); ok {
		var cancelDL context.CancelFunc
		runCtx, cancelDL = context.WithDeadline(runCtx, dl)
		defer cancelDL()
	}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	return p.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()
	return p.run(waitCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (p *chromePage) Type(ctx context.Context, selector, text string) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()
	return p.run(waitCtx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (p *chromePage) Text(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, chromedp.Text("body", &text, chromedp.ByQuery))
	return text, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}
