package artifact

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/otto-de/jlineup-sub001/pkg/types"
)

const (
	imageExt      = ".png"
	compareSuffix = "compare"
	maxSlugLength = 96
)

// Name is the decoded form of an artifact file name.
type Name struct {
	Slug     string
	Viewport string
	Offset   int
	Key      string
	// Kind is "before", "after" or "compare".
	Kind string
}

// SliceName returns the deterministic file name of one captured slice:
// {slug}_{viewport}_{offset}_{key}_{phase}.png. The same unit, offset and
// phase always map to the same name.
func SliceName(unit types.CaptureUnit, offset int, phase types.Phase) string {
	return formatName(unit, offset, string(phase))
}

// DiffName returns the file name of the difference image of one offset.
func DiffName(unit types.CaptureUnit, offset int) string {
	return formatName(unit, offset, compareSuffix)
}

func formatName(unit types.CaptureUnit, offset int, kind string) string {
	return fmt.Sprintf("%s_%s_%d_%s_%s%s", Slug(unit.FullURL()), unit.Viewport.Label(), offset, unit.Key(), kind, imageExt)
}

// Slug turns a URL into a readable file name prefix without separators.
func Slug(raw string) string {
	s := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		s = u.Host + u.EscapedPath()
		if u.RawQuery != "" {
			s += "-" + u.RawQuery
		}
	}
	s = strings.Trim(types.Sanitize(strings.ToLower(s)), "-.")
	if s == "" {
		s = "root"
	}
	if len(s) > maxSlugLength {
		s = s[:maxSlugLength]
	}
	return s
}

// ParseName decodes a file name produced by SliceName or DiffName.
func ParseName(name string) (Name, bool) {
	if !strings.HasSuffix(name, imageExt) {
		return Name{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, imageExt), "_")
	if len(parts) != 5 {
		return Name{}, false
	}
	offset, err := strconv.Atoi(parts[2])
	if err != nil || offset < 0 {
		return Name{}, false
	}
	kind := parts[4]
	if kind != compareSuffix && !types.Phase(kind).Valid() {
		return Name{}, false
	}
	if parts[0] == "" || parts[1] == "" || parts[3] == "" {
		return Name{}, false
	}
	return Name{Slug: parts[0], Viewport: parts[1], Offset: offset, Key: parts[3], Kind: kind}, true
}

// Phase returns the capture phase of the name; ok is false for diff images.
func (n Name) Phase() (types.Phase, bool) {
	p := types.Phase(n.Kind)
	return p, p.Valid()
}
