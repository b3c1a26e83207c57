package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

// Phase names one side of a before/after comparison.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Valid reports whether the phase is one of the two known phases.
func (p Phase) Valid() bool {
	return p == PhaseBefore || p == PhaseAfter
}

// Device describes an emulated device profile.
type Device struct {
	Name       string  `json:"name" yaml:"name"`
	Width      int     `json:"width" yaml:"width"`
	Height     int     `json:"height" yaml:"height"`
	PixelRatio float64 `json:"pixel_ratio,omitempty" yaml:"pixel_ratio"`
	UserAgent  string  `json:"user_agent,omitempty" yaml:"user_agent"`
	Mobile     bool    `json:"mobile,omitempty" yaml:"mobile"`
	Touch      bool    `json:"touch,omitempty" yaml:"touch"`
}

// Viewport is either a plain window width or a device profile, never both.
type Viewport struct {
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
	Device *Device `json:"device,omitempty"`
}

// Label returns a file-name safe identifier for the viewport.
func (v Viewport) Label() string {
	if v.Device != nil {
		name := strings.ToLower(strings.TrimSpace(v.Device.Name))
		if name == "" {
			name = fmt.Sprintf("device-%dx%d", v.Device.Width, v.Device.Height)
		}
		return sanitize(name)
	}
	return strconv.Itoa(v.Width)
}

// EffectiveWidth returns the CSS width the page is rendered at.
func (v Viewport) EffectiveWidth() int {
	if v.Device != nil {
		return v.Device.Width
	}
	return v.Width
}

// EffectiveHeight returns the height of one visible viewport.
func (v Viewport) EffectiveHeight() int {
	if v.Device != nil && v.Device.Height > 0 {
		return v.Device.Height
	}
	return v.Height
}

// CaptureUnit is one (url, path, viewport, phase) screenshot target.
type CaptureUnit struct {
	URL      string   `json:"url"`
	Path     string   `json:"path"`
	Viewport Viewport `json:"viewport"`
	Phase    Phase    `json:"phase"`
}

// Key identifies the unit independently of its phase so the before and after
// captures of the same target pair up.
func (u CaptureUnit) Key() string {
	var b strings.Builder
	b.WriteString(u.URL)
	b.WriteByte('|')
	b.WriteString(u.Path)
	b.WriteByte('|')
	if u.Viewport.Device != nil {
		d := u.Viewport.Device
		fmt.Fprintf(&b, "device:%s:%dx%d@%g:%t:%t:%s", d.Name, d.Width, d.Height, d.PixelRatio, d.Mobile, d.Touch, d.UserAgent)
	} else {
		fmt.Fprintf(&b, "width:%d", u.Viewport.Width)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Target identifies the (url, path) page regardless of viewport.
func (u CaptureUnit) Target() string {
	return u.URL + "|" + u.Path
}

// FullURL joins base URL and path.
func (u CaptureUnit) FullURL() string {
	return JoinURL(u.URL, u.Path)
}

// WithPhase returns a copy of the unit for another phase.
func (u CaptureUnit) WithPhase(p Phase) CaptureUnit {
	u.Phase = p
	return u
}

// String is used in logs.
func (u CaptureUnit) String() string {
	return fmt.Sprintf("%s@%s/%s", u.FullURL(), u.Viewport.Label(), u.Phase)
}

// JoinURL appends path to base without doubling slashes.
func JoinURL(base, path string) string {
	if path == "" || path == "/" {
		if path == "/" && !strings.HasSuffix(base, "/") {
			return base + "/"
		}
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Slice is one vertically scrolled segment of a full page capture.
type Slice struct {
	Offset int
	Image  image.Image
}

// SliceRef points at a stored slice image.
type SliceRef struct {
	Offset int    `json:"offset"`
	Ref    string `json:"ref"`
}

// UnitStatus is the terminal outcome of one capture unit.
type UnitStatus string

const (
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
	UnitSkipped   UnitStatus = "skipped"
)

// UnitOutcome records what happened to a capture unit during a phase.
type UnitOutcome struct {
	Key        string        `json:"key"`
	Unit       CaptureUnit   `json:"unit"`
	Status     UnitStatus    `json:"status"`
	Attempts   int           `json:"attempts"`
	Slices     []SliceRef    `json:"slices,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Sanitize maps s onto the file-name safe alphabet used for artifacts.
func Sanitize(s string) string {
	return sanitize(s)
}
