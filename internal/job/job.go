// Package job describes what a regression run captures: the URLs, paths,
// viewports and per-URL thresholds, and how they expand into capture units.
package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/otto-de/jlineup-sub001/internal/config"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

const (
	DefaultWindowWidth  = 800
	DefaultWindowHeight = 800
)

// ErrInvalidDefinition marks job definitions rejected by Validate.
var ErrInvalidDefinition = errors.New("invalid job definition")

// Definition is the immutable description of one regression job.
type Definition struct {
	Name              string          `json:"name,omitempty" yaml:"name"`
	URLs              []URLConfig     `json:"urls" yaml:"urls"`
	WindowHeight      int             `json:"window_height,omitempty" yaml:"window_height"`
	Threads           int             `json:"threads,omitempty" yaml:"threads"`
	ScreenshotRetries int             `json:"screenshot_retries,omitempty" yaml:"screenshot_retries"`
	PageLoadTimeout   config.Duration `json:"page_load_timeout,omitempty" yaml:"page_load_timeout"`
	WaitAfterPageLoad config.Duration `json:"wait_after_page_load,omitempty" yaml:"wait_after_page_load"`
	HTTPCheck         *HTTPCheck      `json:"http_check,omitempty" yaml:"http_check"`
}

// HTTPCheck overrides the service wide pre-flight check.
type HTTPCheck struct {
	Enabled      bool  `json:"enabled" yaml:"enabled"`
	AllowedCodes []int `json:"allowed_codes,omitempty" yaml:"allowed_codes"`
}

// Cookie is injected into the browser before navigation.
type Cookie struct {
	Name     string `json:"name" yaml:"name"`
	Value    string `json:"value" yaml:"value"`
	Domain   string `json:"domain,omitempty" yaml:"domain"`
	Path     string `json:"path,omitempty" yaml:"path"`
	Secure   bool   `json:"secure,omitempty" yaml:"secure"`
	HTTPOnly bool   `json:"http_only,omitempty" yaml:"http_only"`
}

// URLConfig configures one base URL of the job.
type URLConfig struct {
	URL               string            `json:"url" yaml:"url"`
	Paths             []string          `json:"paths,omitempty" yaml:"paths"`
	MaxDiff           float64           `json:"max_diff" yaml:"max_diff"`
	WindowWidths      []int             `json:"window_widths,omitempty" yaml:"window_widths"`
	Devices           []types.Device    `json:"devices,omitempty" yaml:"devices"`
	Cookies           []Cookie          `json:"cookies,omitempty" yaml:"cookies"`
	LocalStorage      map[string]string `json:"local_storage,omitempty" yaml:"local_storage"`
	SessionStorage    map[string]string `json:"session_storage,omitempty" yaml:"session_storage"`
	WaitAfterPageLoad config.Duration   `json:"wait_after_page_load,omitempty" yaml:"wait_after_page_load"`
	WaitAfterScroll   config.Duration   `json:"wait_after_scroll,omitempty" yaml:"wait_after_scroll"`
	MaxScrollHeight   int               `json:"max_scroll_height,omitempty" yaml:"max_scroll_height"`
	JavaScript        string            `json:"javascript,omitempty" yaml:"javascript"`
	RemoveSelectors   []string          `json:"remove_selectors,omitempty" yaml:"remove_selectors"`
	WaitForSelectors  []string          `json:"wait_for_selectors,omitempty" yaml:"wait_for_selectors"`
	HideImages        bool              `json:"hide_images,omitempty" yaml:"hide_images"`
}

// Load reads a job definition from a YAML or JSON file.
func Load(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read job: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return DecodeJSON(bytes.NewReader(data))
	}
	return DecodeYAML(bytes.NewReader(data))
}

// DecodeYAML decodes, normalises and validates a YAML job definition.
func DecodeYAML(r io.Reader) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("decode job: %w", err)
	}
	return def.Prepare()
}

// DecodeJSON decodes, normalises and validates a JSON job definition.
func DecodeJSON(r io.Reader) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("decode job: %w", err)
	}
	return def.Prepare()
}

// Prepare returns the normalised copy of d after validating it.
func (d Definition) Prepare() (Definition, error) {
	n := d.Normalise()
	if err := n.Validate(); err != nil {
		return Definition{}, err
	}
	return n, nil
}

// Normalise returns a copy with defaults filled in. The receiver is untouched.
func (d Definition) Normalise() Definition {
	out := d.Clone()
	out.Name = strings.TrimSpace(out.Name)
	if out.WindowHeight <= 0 {
		out.WindowHeight = DefaultWindowHeight
	}
	for i := range out.URLs {
		u := &out.URLs[i]
		u.URL = strings.TrimSpace(u.URL)
		if len(u.Paths) == 0 {
			u.Paths = []string{""}
		}
		for j := range u.Paths {
			u.Paths[j] = strings.TrimSpace(u.Paths[j])
		}
		if len(u.WindowWidths) == 0 && len(u.Devices) == 0 {
			u.WindowWidths = []int{DefaultWindowWidth}
		}
	}
	return out
}

// Validate enforces the structural rules of a job definition.
func (d Definition) Validate() error {
	if len(d.URLs) == 0 {
		return invalidf("at least one url must be configured")
	}
	if d.Threads < 0 {
		return invalidf("threads must be >= 0 (got %d)", d.Threads)
	}
	if d.ScreenshotRetries < 0 {
		return invalidf("screenshot_retries must be >= 0 (got %d)", d.ScreenshotRetries)
	}
	if d.WindowHeight < 0 {
		return invalidf("window_height must be >= 0 (got %d)", d.WindowHeight)
	}
	seen := make(map[string]struct{}, len(d.URLs))
	for i, u := range d.URLs {
		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return invalidf("url %d (%q) must be absolute", i, u.URL)
		}
		if _, dup := seen[u.URL]; dup {
			return invalidf("url %q configured twice", u.URL)
		}
		seen[u.URL] = struct{}{}
		if u.MaxDiff < 0 || u.MaxDiff > 1 {
			return invalidf("url %q: max_diff must be within [0,1] (got %g)", u.URL, u.MaxDiff)
		}
		if len(u.WindowWidths) > 0 && len(u.Devices) > 0 {
			return invalidf("url %q: window_widths and devices are mutually exclusive", u.URL)
		}
		widths := make(map[int]struct{}, len(u.WindowWidths))
		for _, w := range u.WindowWidths {
			if w <= 0 {
				return invalidf("url %q: window width must be > 0 (got %d)", u.URL, w)
			}
			if _, dup := widths[w]; dup {
				return invalidf("url %q: window width %d configured twice", u.URL, w)
			}
			widths[w] = struct{}{}
		}
		paths := make(map[string]struct{}, len(u.Paths))
		for _, p := range u.Paths {
			if _, dup := paths[p]; dup {
				return invalidf("url %q: path %q configured twice", u.URL, p)
			}
			paths[p] = struct{}{}
		}
		labels := make(map[string]struct{}, len(u.Devices))
		for _, dev := range u.Devices {
			if dev.Width <= 0 || dev.Height <= 0 {
				return invalidf("url %q: device %q needs positive width and height", u.URL, dev.Name)
			}
			label := types.Viewport{Device: &dev}.Label()
			if _, dup := labels[label]; dup {
				return invalidf("url %q: device %q configured twice", u.URL, dev.Name)
			}
			labels[label] = struct{}{}
		}
		if u.MaxScrollHeight < 0 {
			return invalidf("url %q: max_scroll_height must be >= 0", u.URL)
		}
	}
	return nil
}

// Expand turns the definition into the ordered capture units for a phase:
// urls × paths × (window widths ∪ devices), in definition order.
func (d Definition) Expand(phase types.Phase) []types.CaptureUnit {
	height := d.WindowHeight
	if height <= 0 {
		height = DefaultWindowHeight
	}
	var units []types.CaptureUnit
	for _, u := range d.URLs {
		paths := u.Paths
		if len(paths) == 0 {
			paths = []string{""}
		}
		for _, p := range paths {
			for _, w := range u.WindowWidths {
				units = append(units, types.CaptureUnit{
					URL:      u.URL,
					Path:     p,
					Viewport: types.Viewport{Width: w, Height: height},
					Phase:    phase,
				})
			}
			for i := range u.Devices {
				dev := u.Devices[i]
				units = append(units, types.CaptureUnit{
					URL:      u.URL,
					Path:     p,
					Viewport: types.Viewport{Width: dev.Width, Height: dev.Height, Device: &dev},
					Phase:    phase,
				})
			}
		}
	}
	return units
}

// URLConfigFor returns the configuration of the base URL of a unit.
func (d Definition) URLConfigFor(rawURL string) (URLConfig, bool) {
	for _, u := range d.URLs {
		if u.URL == rawURL {
			return u, true
		}
	}
	return URLConfig{}, false
}

// WithThreads returns a copy using n capture threads.
func (d Definition) WithThreads(n int) Definition {
	out := d.Clone()
	out.Threads = n
	return out
}

// WithRetries returns a copy allowing n retries per capture unit.
func (d Definition) WithRetries(n int) Definition {
	out := d.Clone()
	out.ScreenshotRetries = n
	return out
}

// WithURL returns a copy with u appended.
func (d Definition) WithURL(u URLConfig) Definition {
	out := d.Clone()
	out.URLs = append(out.URLs, u.clone())
	return out
}

// EffectiveThreads caps the requested thread count at max.
func (d Definition) EffectiveThreads(max int) int {
	n := d.Threads
	if n <= 0 || n > max {
		n = max
	}
	if n <= 0 {
		n = 1
	}
	return n
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	out := d
	out.URLs = make([]URLConfig, len(d.URLs))
	for i, u := range d.URLs {
		out.URLs[i] = u.clone()
	}
	if d.HTTPCheck != nil {
		hc := *d.HTTPCheck
		hc.AllowedCodes = append([]int(nil), d.HTTPCheck.AllowedCodes...)
		out.HTTPCheck = &hc
	}
	return out
}

func (u URLConfig) clone() URLConfig {
	out := u
	out.Paths = append([]string(nil), u.Paths...)
	out.WindowWidths = append([]int(nil), u.WindowWidths...)
	out.Devices = append([]types.Device(nil), u.Devices...)
	out.Cookies = append([]Cookie(nil), u.Cookies...)
	out.RemoveSelectors = append([]string(nil), u.RemoveSelectors...)
	out.WaitForSelectors = append([]string(nil), u.WaitForSelectors...)
	out.LocalStorage = cloneMap(u.LocalStorage)
	out.SessionStorage = cloneMap(u.SessionStorage)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}
