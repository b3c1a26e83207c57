package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"math"
	"strings"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// plan is one capture resolved against its job, independent of the engine.
type plan struct {
	unit            types.CaptureUnit
	url             string
	width           int
	height          int
	scale           float64
	mobile          bool
	touch           bool
	userAgent       string
	format          string
	cookies         []job.Cookie
	localStorage    map[string]string
	sessionStorage  map[string]string
	waitForDOMReady bool
	waitSelectors   []string
	waitAfterLoad   time.Duration
	waitAfterScroll time.Duration
	maxScroll       int
	javascript      string
	removeSelectors []string
	hideImages      bool
	timeout         time.Duration
}

func newPlan(def job.Definition, unit types.CaptureUnit, opts Options) plan {
	cfg, _ := def.URLConfigFor(unit.URL)
	p := plan{
		unit:            unit,
		url:             unit.FullURL(),
		width:           unit.Viewport.EffectiveWidth(),
		height:          unit.Viewport.EffectiveHeight(),
		scale:           1,
		userAgent:       opts.UserAgent,
		format:          opts.Format,
		cookies:         cfg.Cookies,
		localStorage:    cfg.LocalStorage,
		sessionStorage:  cfg.SessionStorage,
		waitForDOMReady: opts.WaitForDOMReady,
		waitSelectors:   cfg.WaitForSelectors,
		waitAfterLoad:   cfg.WaitAfterPageLoad.Or(def.WaitAfterPageLoad.Or(opts.CaptureDelay)),
		waitAfterScroll: cfg.WaitAfterScroll.Duration,
		maxScroll:       opts.MaxScrollHeight,
		javascript:      strings.TrimSpace(cfg.JavaScript),
		removeSelectors: cfg.RemoveSelectors,
		hideImages:      cfg.HideImages,
		timeout:         def.PageLoadTimeout.Or(opts.Timeout),
	}
	if p.height <= 0 {
		p.height = job.DefaultWindowHeight
	}
	if cfg.MaxScrollHeight > 0 {
		p.maxScroll = cfg.MaxScrollHeight
	}
	if d := unit.Viewport.Device; d != nil {
		if d.PixelRatio > 0 {
			p.scale = d.PixelRatio
		}
		p.mobile = d.Mobile
		p.touch = d.Touch
		if d.UserAgent != "" {
			p.userAgent = d.UserAgent
		}
	}
	return p
}

// sliceOffsets returns the scroll positions covering a page of pageHeight
// CSS pixels with viewports of viewHeight. maxScroll caps the covered
// height; zero means no cap.
func sliceOffsets(pageHeight, viewHeight, maxScroll int) []int {
	if viewHeight <= 0 {
		return nil
	}
	limit := pageHeight
	if maxScroll > 0 && maxScroll < limit {
		limit = maxScroll
	}
	var offsets []int
	for off := 0; off < limit; off += viewHeight {
		offsets = append(offsets, off)
	}
	return offsets
}

// sliceAt cuts the part of a viewport screenshot that belongs to offset.
// The browser clamps scrolling at the page bottom, so the last screenshot
// may start above offset (actual < offset) and show rows already covered.
func sliceAt(img image.Image, offset, actual, pageHeight, viewHeight int, scale float64) image.Image {
	skip := offset - actual
	if skip < 0 {
		skip = 0
	}
	visible := viewHeight - skip
	if rest := pageHeight - offset; rest < visible {
		visible = rest
	}
	if skip == 0 && visible >= viewHeight {
		return img
	}
	b := img.Bounds()
	top := int(math.Round(float64(skip) * scale))
	rows := int(math.Round(float64(visible) * scale))
	if top > b.Dy() {
		top = b.Dy()
	}
	if top+rows > b.Dy() {
		rows = b.Dy() - top
	}
	if rows < 0 {
		rows = 0
	}
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), rows))
	draw.Draw(out, out.Bounds(), img, image.Pt(b.Min.X, b.Min.Y+top), draw.Src)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Page scripts are written as function bodies. Engines wrap them with iife
// (expression evaluation) or asFunc (rod's function evaluation).

const pageHeightBody = `const b = document.body, e = document.documentElement;
return Math.max(b ? b.scrollHeight : 0, b ? b.offsetHeight : 0, e.scrollHeight, e.offsetHeight);`

const readyStateBody = `return document.readyState;`

const hideImagesBody = `document.querySelectorAll('img').forEach(function (img) { img.style.visibility = 'hidden'; });
const style = document.createElement('style');
style.textContent = '* { background-image: none !important; }';
document.head.appendChild(style);
return true;`

func scrollBody(y int) string {
	return fmt.Sprintf(`window.scrollTo(0, %d);
return Math.round(window.scrollY || window.pageYOffset || 0);`, y)
}

func storageBody(kind string, entries map[string]string) string {
	data, _ := json.Marshal(entries)
	return fmt.Sprintf(`const s = window.%s, e = %s;
for (const k in e) { s.setItem(k, e[k]); }
return true;`, kind, data)
}

func removeSelectorsBody(selectors []string) string {
	data, _ := json.Marshal(selectors)
	return fmt.Sprintf(`for (const sel of %s) { document.querySelectorAll(sel).forEach(function (el) { el.remove(); }); }
return true;`, data)
}

func iife(body string) string {
	return "(() => {\n" + body + "\n})()"
}

func asFunc(body string) string {
	return "() => {\n" + body + "\n}"
}
