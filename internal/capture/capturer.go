// Package capture drives browsers to produce the screenshot slices of a
// capture unit.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// ErrCapture marks failures raised while capturing a unit. They are always
// retryable.
var ErrCapture = errors.New("capture failed")

// Capturer produces the ordered slices of one capture unit. An empty result
// is a valid capture of a zero height page.
type Capturer interface {
	Capture(ctx context.Context, unit types.CaptureUnit) ([]types.Slice, error)
}

// CaptureFunc adapts a function to Capturer.
type CaptureFunc func(ctx context.Context, unit types.CaptureUnit) ([]types.Slice, error)

// Capture calls f.
func (f CaptureFunc) Capture(ctx context.Context, unit types.CaptureUnit) ([]types.Slice, error) {
	return f(ctx, unit)
}

// SessionBound is implemented by capturers that can only hold one browser
// session per (url, path) target at a time.
type SessionBound interface {
	SingleSessionPerTarget() bool
}

// IsSessionBound reports whether c asks for per-target serialisation.
func IsSessionBound(c Capturer) bool {
	sb, ok := c.(SessionBound)
	return ok && sb.SingleSessionPerTarget()
}

// CaptureError wraps a failure of one capture step.
type CaptureError struct {
	Unit string
	Op   string
	Err  error
}

// Errorf builds a CaptureError for unit.
func Errorf(unit types.CaptureUnit, op, format string, args ...any) *CaptureError {
	return &CaptureError{Unit: unit.String(), Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap returns err as a CaptureError unless it already is one.
func Wrap(unit types.CaptureUnit, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return err
	}
	return &CaptureError{Unit: unit.String(), Op: op, Err: err}
}

func (e *CaptureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("capture %s: %v", e.Unit, e.Err)
	}
	return fmt.Sprintf("capture %s: %s: %v", e.Unit, e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Is matches ErrCapture.
func (e *CaptureError) Is(target error) bool { return target == ErrCapture }

// Retryable is always true: the collaborator cannot tell transient from
// permanent failures.
func (e *CaptureError) Retryable() bool { return true }
