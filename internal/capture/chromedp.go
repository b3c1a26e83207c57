package capture

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/otto-de/jlineup-sub001/internal/imagediff"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// Chromedp captures units with headless Chrome sessions driven by chromedp.
// Every capture runs in its own browser unless RemoteURL points at a shared
// instance.
type Chromedp struct {
	opts      Options
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewChromedp constructs an engine with bounded concurrency.
func NewChromedp(opts Options) *Chromedp {
	opts = opts.withDefaults()
	return &Chromedp{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
		logger:    opts.Logger,
	}
}

func (c *Chromedp) ForJob(def job.Definition) Capturer {
	return &chromedpCapturer{engine: c, def: def}
}

func (c *Chromedp) Close() error { return nil }

type chromedpCapturer struct {
	engine *Chromedp
	def    job.Definition
}

// SingleSessionPerTarget is true for a shared remote browser, whose cookie
// jar and storage are common to all tabs.
func (c *chromedpCapturer) SingleSessionPerTarget() bool {
	return c.engine.opts.RemoteURL != ""
}

func (c *chromedpCapturer) Capture(parentCtx context.Context, unit types.CaptureUnit) ([]types.Slice, error) {
	e := c.engine
	p := newPlan(c.def, unit, e.opts)
	logger := e.logger.With(
		"unit", unit.String(),
		"timeout", p.timeout.String(),
		"wait_for_dom_ready", p.waitForDOMReady,
	)

	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, p.timeout)
	defer cancel()

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if e.opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, e.opts.RemoteURL)
	} else {
		execOpts := []chromedp.ExecAllocatorOption{
			chromedp.Flag("headless", !e.opts.DisableHeadless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.WindowSize(p.width, p.height),
			chromedp.UserAgent(selectUserAgent(p.userAgent)),
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, execOpts...)
	}
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	start := time.Now()
	if err := chromedp.Run(chromeCtx, c.prepare(p, logger)...); err != nil {
		logger.Error("chromedp prepare failed", "error", err)
		return nil, Wrap(unit, "prepare", err)
	}

	var pageHeight int
	if err := chromedp.Run(chromeCtx, chromedp.Evaluate(iife(pageHeightBody), &pageHeight)); err != nil {
		return nil, Wrap(unit, "measure", err)
	}

	offsets := sliceOffsets(pageHeight, p.height, p.maxScroll)
	slices := make([]types.Slice, 0, len(offsets))
	for _, off := range offsets {
		var actual int
		var buf []byte
		actions := []chromedp.Action{chromedp.Evaluate(iife(scrollBody(off)), &actual)}
		if p.waitAfterScroll > 0 {
			actions = append(actions, chromedp.Sleep(p.waitAfterScroll))
		}
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormat(p.format)).
				Do(ctx)
			return err
		}))
		if err := chromedp.Run(chromeCtx, actions...); err != nil {
			return nil, Wrap(unit, "screenshot", err)
		}
		img, err := imagediff.DecodeBytes(buf)
		if err != nil {
			return nil, Wrap(unit, "decode", err)
		}
		slices = append(slices, types.Slice{Offset: off, Image: sliceAt(img, off, actual, pageHeight, p.height, p.scale)})
	}

	logger.Debug("chromedp capture complete",
		"latency_ms", time.Since(start).Milliseconds(),
		"page_height", pageHeight,
		"slices", len(slices),
	)
	return slices, nil
}

// prepare emulates the viewport, injects state, loads the page and applies
// the page manipulations of the job.
func (c *chromedpCapturer) prepare(p plan, logger *slog.Logger) []chromedp.Action {
	actions := []chromedp.Action{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(p.width), int64(p.height), p.scale, p.mobile),
	}
	if p.touch {
		actions = append(actions, emulation.SetTouchEmulationEnabled(true))
	}
	if p.userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(p.userAgent))
	}
	for _, ck := range p.cookies {
		params := network.SetCookie(ck.Name, ck.Value).
			WithSecure(ck.Secure).
			WithHTTPOnly(ck.HTTPOnly)
		if ck.Domain != "" {
			path := ck.Path
			if path == "" {
				path = "/"
			}
			params = params.WithDomain(ck.Domain).WithPath(path)
		} else {
			params = params.WithURL(p.url)
		}
		actions = append(actions, params)
	}

	actions = append(actions, chromedp.Navigate(p.url))
	if len(p.localStorage) > 0 || len(p.sessionStorage) > 0 {
		if len(p.localStorage) > 0 {
			actions = append(actions, chromedp.Evaluate(iife(storageBody("localStorage", p.localStorage)), nil))
		}
		if len(p.sessionStorage) > 0 {
			actions = append(actions, chromedp.Evaluate(iife(storageBody("sessionStorage", p.sessionStorage)), nil))
		}
		actions = append(actions, chromedp.Reload())
	}

	waitMode := "delay"
	if p.waitForDOMReady {
		waitMode = "dom_ready"
		actions = append(actions, waitForDocumentReady(logger))
	}
	for _, sel := range p.waitSelectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			waitMode = "selector"
			actions = append(actions, chromedp.WaitVisible(sel, chromedp.ByQuery))
		}
	}
	if p.waitAfterLoad > 0 {
		actions = append(actions, chromedp.Sleep(p.waitAfterLoad))
	}
	logger.Debug("chromedp starting capture", "wait_mode", waitMode)

	if p.javascript != "" {
		actions = append(actions, chromedp.Evaluate(iife(p.javascript), nil))
	}
	if len(p.removeSelectors) > 0 {
		actions = append(actions, chromedp.Evaluate(iife(removeSelectorsBody(p.removeSelectors)), nil))
	}
	if p.hideImages {
		actions = append(actions, chromedp.Evaluate(iife(hideImagesBody), nil))
	}
	return actions
}

func selectUserAgent(base string) string {
	if strings.TrimSpace(base) != "" {
		return base
	}
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36"
}

func waitForDocumentReady(logger *slog.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(iife(readyStateBody), &readyState).Do(ctx); err != nil {
				logger.Warn("waitForDocumentReady evaluate failed", "error", err)
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				logger.Warn("waitForDocumentReady cancelled", "error", ctx.Err())
				return ctx.Err()
			}
		}
	})
}
