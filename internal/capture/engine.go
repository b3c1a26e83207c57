package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/config"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// Engine builds the capturer used for the units of one job. Engines own
// long lived browser resources and are shared by all runs.
type Engine interface {
	ForJob(def job.Definition) Capturer
	Close() error
}

// EngineFunc adapts a function to Engine. Close is a no-op.
type EngineFunc func(def job.Definition) Capturer

// ForJob calls f.
func (f EngineFunc) ForJob(def job.Definition) Capturer { return f(def) }

// Close does nothing.
func (f EngineFunc) Close() error { return nil }

// Fixed returns an engine handing out c for every job.
func Fixed(c Capturer) Engine {
	return EngineFunc(func(job.Definition) Capturer { return c })
}

// Options configures the browser engines.
type Options struct {
	Timeout            time.Duration
	UserAgent          string
	DisableHeadless    bool
	Stealth            bool
	RemoteURL          string
	WaitForDOMReady    bool
	CaptureDelay       time.Duration
	ConcurrentSessions int
	Format             string
	MaxScrollHeight    int
	Logger             *slog.Logger
}

// OptionsFromConfig maps the rendering section onto engine options.
func OptionsFromConfig(cfg config.RenderingConfig) Options {
	return Options{
		Timeout:            cfg.Timeout.Duration,
		UserAgent:          cfg.UserAgent,
		DisableHeadless:    cfg.DisableHeadless,
		Stealth:            cfg.Stealth,
		RemoteURL:          cfg.RemoteURL,
		WaitForDOMReady:    cfg.WaitForDOMReady,
		CaptureDelay:       cfg.CaptureDelay.Duration,
		ConcurrentSessions: cfg.ConcurrentSessions,
		Format:             cfg.Format,
		MaxScrollHeight:    cfg.MaxScrollHeight,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.ConcurrentSessions <= 0 {
		o.ConcurrentSessions = 1
	}
	if o.Format == "" {
		o.Format = "png"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NewEngine builds the engine selected by cfg.Rendering.Engine wrapped in
// the HTTP pre-flight check. Jobs may enable the check even when the
// service configuration does not, so the wrapper is always present.
func NewEngine(cfg config.Config, logger *slog.Logger) (Engine, error) {
	opts := OptionsFromConfig(cfg.Rendering)
	opts.Logger = logger
	var inner Engine
	switch cfg.Rendering.Engine {
	case "chromedp", "":
		inner = NewChromedp(opts)
	case "rod":
		inner = NewRod(opts)
	case "none":
		// status checks only; every unit is a zero height capture
		inner = Fixed(CaptureFunc(func(ctx context.Context, _ types.CaptureUnit) ([]types.Slice, error) {
			return nil, ctx.Err()
		}))
	default:
		return nil, fmt.Errorf("unsupported rendering engine %q", cfg.Rendering.Engine)
	}
	check := HTTPCheckOptionsFromConfig(cfg.HTTPCheck)
	check.Logger = logger
	return NewHTTPChecker(check, inner), nil
}
