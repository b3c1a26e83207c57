package job

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otto-de/jlineup-sub001/pkg/types"
)

const sampleYAML = `
name: shop
window_height: 600
urls:
  - url: https://www.example.com
    paths: ["/", "cart"]
    max_diff: 0.05
    window_widths: [600, 1200]
    wait_after_page_load: 2s
  - url: https://m.example.com
    devices:
      - name: iPhone 12
        width: 390
        height: 844
        pixel_ratio: 3
        mobile: true
`

func TestDecodeYAMLExpand(t *testing.T) {
	def, err := DecodeYAML(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if def.URLs[0].WaitAfterPageLoad.Duration != 2*time.Second {
		t.Fatalf("expected wait_after_page_load 2s, got %s", def.URLs[0].WaitAfterPageLoad)
	}
	units := def.Expand(types.PhaseBefore)
	if len(units) != 5 {
		t.Fatalf("expected 5 units, got %d", len(units))
	}
	want := []string{
		"https://www.example.com/@600/before",
		"https://www.example.com/@1200/before",
		"https://www.example.com/cart@600/before",
		"https://www.example.com/cart@1200/before",
		"https://m.example.com@iphone-12/before",
	}
	for i, u := range units {
		if u.String() != want[i] {
			t.Fatalf("unit %d: want %s, got %s", i, want[i], u.String())
		}
	}
	if units[0].Viewport.Height != 600 {
		t.Fatalf("expected window height 600, got %d", units[0].Viewport.Height)
	}
	if units[4].Viewport.EffectiveHeight() != 844 {
		t.Fatalf("expected device height, got %d", units[4].Viewport.EffectiveHeight())
	}
}

func TestExpandKeysArePhaseIndependent(t *testing.T) {
	def, err := DecodeYAML(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	before := def.Expand(types.PhaseBefore)
	after := def.Expand(types.PhaseAfter)
	keys := make(map[string]struct{})
	for i := range before {
		if before[i].Key() != after[i].Key() {
			t.Fatalf("unit %d: keys differ across phases", i)
		}
		keys[before[i].Key()] = struct{}{}
	}
	if len(keys) != len(before) {
		t.Fatalf("expected distinct keys per unit, got %d for %d units", len(keys), len(before))
	}
}

func TestNormaliseDefaults(t *testing.T) {
	def := Definition{URLs: []URLConfig{{URL: " https://example.com "}}}
	n := def.Normalise()
	if n.WindowHeight != DefaultWindowHeight {
		t.Fatalf("expected default window height, got %d", n.WindowHeight)
	}
	if got := n.URLs[0]; got.URL != "https://example.com" || len(got.Paths) != 1 || got.WindowWidths[0] != DefaultWindowWidth {
		t.Fatalf("unexpected normalised url config: %+v", got)
	}
	if def.URLs[0].Paths != nil {
		t.Fatal("normalise must not mutate the receiver")
	}
}

func withDevices(devices ...types.Device) func(*Definition) {
	return func(d *Definition) {
		d.URLs[0].WindowWidths = nil
		d.URLs[0].Devices = devices
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Definition {
		return Definition{URLs: []URLConfig{{URL: "https://example.com", WindowWidths: []int{800}}}}
	}
	cases := map[string]func(*Definition){
		"no urls":         func(d *Definition) { d.URLs = nil },
		"relative url":    func(d *Definition) { d.URLs[0].URL = "/relative" },
		"duplicate url":   func(d *Definition) { d.URLs = append(d.URLs, d.URLs[0]) },
		"max diff":        func(d *Definition) { d.URLs[0].MaxDiff = 1.5 },
		"width":           func(d *Definition) { d.URLs[0].WindowWidths = []int{0} },
		"duplicate width": func(d *Definition) { d.URLs[0].WindowWidths = []int{800, 1200, 800} },
		"duplicate path":  func(d *Definition) { d.URLs[0].Paths = []string{"shop", "cart", "shop"} },
		"exclusive":       func(d *Definition) { d.URLs[0].Devices = []types.Device{{Name: "x", Width: 1, Height: 1}} },
		"device size":     withDevices(types.Device{Name: "x"}),
		"retries":         func(d *Definition) { d.ScreenshotRetries = -1 },
		"threads":         func(d *Definition) { d.Threads = -2 },
		"duplicate dev":   withDevices(types.Device{Name: "a", Width: 1, Height: 1}, types.Device{Name: "A", Width: 2, Height: 2}),
		"scroll height":   func(d *Definition) { d.URLs[0].MaxScrollHeight = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := base()
			mutate(&d)
			err := d.Validate()
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestCopyHelpersDoNotAlias(t *testing.T) {
	def := Definition{URLs: []URLConfig{{URL: "https://example.com", Paths: []string{"a"}, LocalStorage: map[string]string{"k": "v"}}}}
	more := def.WithThreads(3).WithRetries(2).WithURL(URLConfig{URL: "https://other.example.com"})
	more.URLs[0].Paths[0] = "changed"
	more.URLs[0].LocalStorage["k"] = "changed"
	if def.URLs[0].Paths[0] != "a" || def.URLs[0].LocalStorage["k"] != "v" {
		t.Fatal("copy helpers must deep copy")
	}
	if more.Threads != 3 || more.ScreenshotRetries != 2 || len(more.URLs) != 2 || def.Threads != 0 {
		t.Fatalf("unexpected copy state: %+v", more)
	}
}

func TestEffectiveThreads(t *testing.T) {
	if got := (Definition{}).EffectiveThreads(4); got != 4 {
		t.Fatalf("expected default to max, got %d", got)
	}
	if got := (Definition{Threads: 2}).EffectiveThreads(4); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := (Definition{Threads: 9}).EffectiveThreads(4); got != 4 {
		t.Fatalf("expected cap at 4, got %d", got)
	}
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.json")
	body := `{"urls":[{"url":"https://example.com","max_diff":0.1,"window_widths":[1024]}],"screenshot_retries":2}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	def, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.ScreenshotRetries != 2 || def.URLs[0].MaxDiff != 0.1 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if _, err := DecodeJSON(strings.NewReader(`{"urls":[],"bogus":1}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
}
