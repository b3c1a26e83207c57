// Package imagediff compares two screenshots pixel by pixel and renders a
// three colour difference image.
package imagediff

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// ErrInvalidInput marks images that cannot be compared.
var ErrInvalidInput = errors.New("invalid image input")

// InputError reports which argument was rejected.
type InputError struct {
	Arg string
	Msg string
}

func (e *InputError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidInput.Error(), e.Arg, e.Msg)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// Colours of the difference image.
var (
	SameColor         = color.NRGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff}
	HighlightColor    = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	SizeMismatchColor = color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
)

// Result is the outcome of comparing two images.
type Result struct {
	// Ratio is DifferentPixels normalised to [0,1].
	Ratio           float64
	DifferentPixels int
	Width           int
	Height          int
	// Diff is nil when both images are identical.
	Diff *image.NRGBA
}

// Identical reports whether the exact equality fast path applied.
func (r Result) Identical() bool {
	return r.Diff == nil && r.DifferentPixels == 0
}

// Compare computes the difference between a and b. referenceHeight caps the
// normalisation at one viewport worth of rows; values <= 0 disable the cap.
func Compare(a, b image.Image, referenceHeight int) (Result, error) {
	if a == nil {
		return Result{}, &InputError{Arg: "image a", Msg: "missing"}
	}
	if b == nil {
		return Result{}, &InputError{Arg: "image b", Msg: "missing"}
	}
	img1 := normalize(a)
	img2 := normalize(b)
	w1, h1 := img1.Rect.Dx(), img1.Rect.Dy()
	w2, h2 := img2.Rect.Dx(), img2.Rect.Dy()

	if w1 == w2 && h1 == h2 && bytes.Equal(img1.Pix, img2.Pix) {
		return Result{Width: w1, Height: h1}, nil
	}

	width, height := max(w1, w2), max(h1, h2)
	narrow := min(w1, w2)
	out := image.NewNRGBA(image.Rect(0, 0, width, height))

	different := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var c color.NRGBA
			switch {
			case y >= h1 || y >= h2:
				// Past the shorter image: only columns the narrower image
				// covers can still hold content.
				if x < narrow {
					c = SizeMismatchColor
				} else {
					c = SameColor
				}
			case x < w1 && x < w2:
				p1, p2 := (y*w1+x)*4, (y*w2+x)*4
				if pixelDistance(img1.Pix[p1:p1+4], img2.Pix[p2:p2+4]) > 0 {
					c = HighlightColor
				} else {
					c = SameColor
				}
			default:
				c = SizeMismatchColor
			}
			if c != SameColor {
				different++
			}
			o := (y*width + x) * 4
			out.Pix[o], out.Pix[o+1], out.Pix[o+2], out.Pix[o+3] = c.R, c.G, c.B, c.A
		}
	}

	return Result{
		Ratio:           Ratio(different, width, height, referenceHeight),
		DifferentPixels: different,
		Width:           width,
		Height:          height,
		Diff:            out,
	}, nil
}

// Ratio normalises a different pixel count by min(width*height,
// width*referenceHeight), clamped to [0,1].
func Ratio(different, width, height, referenceHeight int) float64 {
	denominator := width * height
	if referenceHeight > 0 && width*referenceHeight < denominator {
		denominator = width * referenceHeight
	}
	if denominator <= 0 || different <= 0 {
		return 0
	}
	r := float64(different) / float64(denominator)
	if r > 1 {
		return 1
	}
	return r
}

// pixelDistance is the summed absolute difference over alpha, red, green and blue.
func pixelDistance(p, q []uint8) int {
	d := 0
	for i := 0; i < 4; i++ {
		v := int(p[i]) - int(q[i])
		if v < 0 {
			v = -v
		}
		d += v
	}
	return d
}

// normalize returns img as a tightly packed NRGBA anchored at the origin.
func normalize(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == 4*n.Rect.Dx() {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}
