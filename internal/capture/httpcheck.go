package capture

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/otto-de/jlineup-sub001/internal/config"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// HTTPCheckOptions controls the status pre-flight done before a capture.
type HTTPCheckOptions struct {
	Enabled      bool
	AllowedCodes []int
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// HTTPCheckOptionsFromConfig maps the http_check section onto options.
func HTTPCheckOptionsFromConfig(cfg config.HTTPCheckConfig) HTTPCheckOptions {
	return HTTPCheckOptions{
		Enabled:      cfg.Enabled,
		AllowedCodes: append([]int(nil), cfg.AllowedCodes...),
		UserAgent:    cfg.UserAgent,
		Timeout:      cfg.Timeout.Duration,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
}

// HTTPChecker wraps an engine so every capture is preceded by a plain GET of
// the page whose status code must be allowed. Jobs override the service
// settings through their http_check block.
type HTTPChecker struct {
	next   Engine
	opts   HTTPCheckOptions
	client *http.Client
	logger *slog.Logger
}

// NewHTTPChecker constructs the wrapper around next.
func NewHTTPChecker(opts HTTPCheckOptions, next Engine) *HTTPChecker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	if len(opts.AllowedCodes) == 0 {
		opts.AllowedCodes = []int{http.StatusOK}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTPChecker{
		next:   next,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout, Transport: transport},
		logger: opts.Logger,
	}
}

func (h *HTTPChecker) ForJob(def job.Definition) Capturer {
	inner := h.next.ForJob(def)
	enabled, codes := h.opts.Enabled, h.opts.AllowedCodes
	if def.HTTPCheck != nil {
		enabled = def.HTTPCheck.Enabled
		if len(def.HTTPCheck.AllowedCodes) > 0 {
			codes = def.HTTPCheck.AllowedCodes
		}
	}
	if !enabled {
		return inner
	}
	return &checkedCapturer{checker: h, inner: inner, codes: codes}
}

func (h *HTTPChecker) Close() error { return h.next.Close() }

// Check fetches rawURL and returns its status code, failing when the code is
// not one of allowed.
func (h *HTTPChecker) Check(ctx context.Context, rawURL string, allowed []int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if h.opts.UserAgent != "" {
		req.Header.Set("User-Agent", h.opts.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http check failed: %w", err)
	}
	n, err := h.drainBody(resp)
	if err != nil {
		return resp.StatusCode, err
	}
	h.logger.Debug("http check",
		"url", rawURL,
		"status", resp.StatusCode,
		"body_bytes", n,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	for _, code := range allowed {
		if resp.StatusCode == code {
			return resp.StatusCode, nil
		}
	}
	return resp.StatusCode, fmt.Errorf("status %d not in allowed codes %v", resp.StatusCode, allowed)
}

// drainBody decodes the body up to the configured limit so that broken
// encodings surface and the connection can be reused.
func (h *HTTPChecker) drainBody(resp *http.Response) (int64, error) {
	if resp == nil || resp.Body == nil {
		return 0, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return 0, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	n, err := io.Copy(io.Discard, io.LimitReader(reader, h.opts.MaxBodyBytes))
	if err != nil {
		return n, fmt.Errorf("read body: %w", err)
	}
	return n, nil
}

type checkedCapturer struct {
	checker *HTTPChecker
	inner   Capturer
	codes   []int
}

func (c *checkedCapturer) SingleSessionPerTarget() bool {
	return IsSessionBound(c.inner)
}

func (c *checkedCapturer) Capture(ctx context.Context, unit types.CaptureUnit) ([]types.Slice, error) {
	if _, err := c.checker.Check(ctx, unit.FullURL(), c.codes); err != nil {
		return nil, Wrap(unit, "http check", err)
	}
	return c.inner.Capture(ctx, unit)
}
