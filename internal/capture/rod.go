package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/otto-de/jlineup-sub001/internal/imagediff"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// Rod captures units in tabs of one long lived browser driven by go-rod.
// The browser is launched (or connected to) on first use.
type Rod struct {
	opts      Options
	semaphore chan struct{}
	logger    *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewRod constructs a rod engine with bounded concurrency.
func NewRod(opts Options) *Rod {
	opts = opts.withDefaults()
	return &Rod{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
		logger:    opts.Logger,
	}
}

func (r *Rod) ForJob(def job.Definition) Capturer {
	return &rodCapturer{engine: r, def: def}
}

// Close shuts the browser down.
func (r *Rod) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
	return err
}

func (r *Rod) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("rod engine is closed")
	}
	if r.browser != nil {
		return r.browser, nil
	}

	wsURL := r.opts.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(!r.opts.DisableHeadless).
			Set("disable-blink-features", "AutomationControlled").
			Set("hide-scrollbars")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		wsURL = u
		r.lnch = l
		r.logger.Info("rod launched local chrome", "url", wsURL, "stealth", r.opts.Stealth)
	} else {
		r.logger.Info("rod connecting to remote browser", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		r.logger.Warn("rod ignore cert errors failed", "error", err)
	}
	r.browser = b
	return b, nil
}

type rodCapturer struct {
	engine *Rod
	def    job.Definition
}

// SingleSessionPerTarget is always true: all tabs share the browser's
// cookie jar and storage.
func (c *rodCapturer) SingleSessionPerTarget() bool { return true }

func (c *rodCapturer) Capture(parentCtx context.Context, unit types.CaptureUnit) ([]types.Slice, error) {
	e := c.engine
	p := newPlan(c.def, unit, e.opts)
	logger := e.logger.With("unit", unit.String(), "timeout", p.timeout.String())

	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	b, err := e.connect()
	if err != nil {
		return nil, Wrap(unit, "browser", err)
	}

	ctx, cancel := context.WithTimeout(parentCtx, p.timeout)
	defer cancel()

	var pg *rod.Page
	if e.opts.Stealth {
		pg, err = stealth.Page(b)
	} else {
		pg, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, Wrap(unit, "open tab", err)
	}
	defer pg.Close()
	pg = pg.Context(ctx)

	start := time.Now()
	if err := c.prepare(ctx, pg, p); err != nil {
		logger.Error("rod prepare failed", "error", err)
		return nil, Wrap(unit, "prepare", err)
	}

	res, err := pg.Eval(asFunc(pageHeightBody))
	if err != nil {
		return nil, Wrap(unit, "measure", err)
	}
	pageHeight := res.Value.Int()

	offsets := sliceOffsets(pageHeight, p.height, p.maxScroll)
	slices := make([]types.Slice, 0, len(offsets))
	for _, off := range offsets {
		res, err := pg.Eval(asFunc(scrollBody(off)))
		if err != nil {
			return nil, Wrap(unit, "scroll", err)
		}
		actual := res.Value.Int()
		if err := sleepCtx(ctx, p.waitAfterScroll); err != nil {
			return nil, Wrap(unit, "scroll", err)
		}
		buf, err := pg.Screenshot(false, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormat(p.format)})
		if err != nil {
			return nil, Wrap(unit, "screenshot", err)
		}
		img, err := imagediff.DecodeBytes(buf)
		if err != nil {
			return nil, Wrap(unit, "decode", err)
		}
		slices = append(slices, types.Slice{Offset: off, Image: sliceAt(img, off, actual, pageHeight, p.height, p.scale)})
	}

	logger.Debug("rod capture complete",
		"latency_ms", time.Since(start).Milliseconds(),
		"page_height", pageHeight,
		"slices", len(slices),
	)
	return slices, nil
}

func (c *rodCapturer) prepare(ctx context.Context, pg *rod.Page, p plan) error {
	if err := pg.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             p.width,
		Height:            p.height,
		DeviceScaleFactor: p.scale,
		Mobile:            p.mobile,
	}); err != nil {
		return fmt.Errorf("viewport: %w", err)
	}
	if p.touch {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(pg); err != nil {
			return fmt.Errorf("touch emulation: %w", err)
		}
	}
	if p.userAgent != "" {
		if err := pg.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: p.userAgent}); err != nil {
			return fmt.Errorf("user agent: %w", err)
		}
	}
	if len(p.cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(p.cookies))
		for _, ck := range p.cookies {
			param := &proto.NetworkCookieParam{
				Name:     ck.Name,
				Value:    ck.Value,
				Secure:   ck.Secure,
				HTTPOnly: ck.HTTPOnly,
			}
			if ck.Domain != "" {
				param.Domain = ck.Domain
				param.Path = ck.Path
				if param.Path == "" {
					param.Path = "/"
				}
			} else {
				param.URL = p.url
			}
			params = append(params, param)
		}
		if err := pg.SetCookies(params); err != nil {
			return fmt.Errorf("cookies: %w", err)
		}
	}

	if err := pg.Navigate(p.url); err != nil {
		return fmt.Errorf("navigate %s: %w", p.url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	if len(p.localStorage) > 0 || len(p.sessionStorage) > 0 {
		if len(p.localStorage) > 0 {
			if _, err := pg.Eval(asFunc(storageBody("localStorage", p.localStorage))); err != nil {
				return fmt.Errorf("local storage: %w", err)
			}
		}
		if len(p.sessionStorage) > 0 {
			if _, err := pg.Eval(asFunc(storageBody("sessionStorage", p.sessionStorage))); err != nil {
				return fmt.Errorf("session storage: %w", err)
			}
		}
		if err := pg.Reload(); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		if err := pg.WaitLoad(); err != nil {
			return fmt.Errorf("wait load: %w", err)
		}
	}

	for _, sel := range p.waitSelectors {
		if sel = strings.TrimSpace(sel); sel == "" {
			continue
		}
		el, err := pg.Element(sel)
		if err != nil {
			return fmt.Errorf("wait for %q: %w", sel, err)
		}
		if err := el.WaitVisible(); err != nil {
			return fmt.Errorf("wait for %q: %w", sel, err)
		}
	}
	if err := sleepCtx(ctx, p.waitAfterLoad); err != nil {
		return err
	}

	if p.javascript != "" {
		if _, err := pg.Eval(asFunc(p.javascript)); err != nil {
			return fmt.Errorf("javascript: %w", err)
		}
	}
	if len(p.removeSelectors) > 0 {
		if _, err := pg.Eval(asFunc(removeSelectorsBody(p.removeSelectors))); err != nil {
			return fmt.Errorf("remove selectors: %w", err)
		}
	}
	if p.hideImages {
		if _, err := pg.Eval(asFunc(hideImagesBody)); err != nil {
			return fmt.Errorf("hide images: %w", err)
		}
	}
	return nil
}
