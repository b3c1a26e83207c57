package scheduler

import (
	"context"
	"time"
)

// Attempt is the tagged result of Retry. Exactly one of the following holds:
// Err is nil and Value is the successful result; Exhausted is true and Err is
// the last failure; or Err is the context error that interrupted retrying.
type Attempt[T any] struct {
	Value     T
	Attempts  int
	Err       error
	Exhausted bool
}

// Succeeded reports whether an attempt returned without error.
func (a Attempt[T]) Succeeded() bool {
	return a.Err == nil
}

// Retry calls fn up to attempts times, waiting backoff between calls. The
// attempt number passed to fn starts at 1.
func Retry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context, attempt int) (T, error)) Attempt[T] {
	if attempts <= 0 {
		attempts = 1
	}
	var result Attempt[T]
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}
		result.Attempts = n
		value, err := fn(ctx, n)
		if err == nil {
			result.Value = value
			result.Err = nil
			return result
		}
		result.Err = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.Err = ctxErr
			return result
		}
		if n < attempts && backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				result.Err = ctx.Err()
				return result
			}
		}
	}
	result.Exhausted = true
	return result
}
