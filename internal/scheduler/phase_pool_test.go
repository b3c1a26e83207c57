package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otto-de/jlineup-sub001/pkg/types"
)

func TestPhasePoolRunsEveryQueuedUnit(t *testing.T) {
	var ran [8]atomic.Bool
	pool, err := newPhasePool(context.Background(), 2, 3, func(ctx context.Context, unit int) {
		time.Sleep(time.Millisecond)
		ran[unit].Store(true)
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	for i := range ran {
		if err := pool.enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if aborted := pool.drain(); aborted != nil {
		t.Fatalf("unexpected abort %v", aborted)
	}
	for i := range ran {
		if !ran[i].Load() {
			t.Fatalf("unit %d never ran", i)
		}
	}
}

func TestPhasePoolAbortLeavesQueuedUnitsUnstarted(t *testing.T) {
	block := make(chan struct{})
	var started atomic.Int32
	var pool *phasePool
	pool, err := newPhasePool(context.Background(), 1, 4, func(ctx context.Context, unit int) {
		started.Add(1)
		if unit == 0 {
			<-block
			pool.abort(&UnitError{Unit: types.CaptureUnit{URL: "https://example.com"}, Attempts: 1, Err: errors.New("timeout")})
		}
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := pool.enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	close(block)
	aborted := pool.drain()
	if aborted == nil || aborted.Err.Error() != "timeout" {
		t.Fatalf("expected the aborting unit, got %v", aborted)
	}
	if got := started.Load(); got != 1 {
		t.Fatalf("expected only the aborting unit to start, got %d", got)
	}
	if pool.abort(&UnitError{Err: errors.New("late")}) {
		t.Fatal("a second abort must not replace the first")
	}
	if err := pool.enqueue(5); err == nil {
		t.Fatal("enqueue after abort must fail")
	}
}

func TestPhasePoolAbortCancelsUnitsInFlight(t *testing.T) {
	inFlight := make(chan struct{})
	var cause atomic.Value
	var pool *phasePool
	pool, err := newPhasePool(context.Background(), 2, 2, func(ctx context.Context, unit int) {
		if unit == 0 {
			<-inFlight
			pool.abort(&UnitError{Err: errors.New("navigation failed")})
			return
		}
		close(inFlight)
		<-ctx.Done()
		cause.Store(context.Cause(ctx))
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	_ = pool.enqueue(0)
	_ = pool.enqueue(1)
	pool.drain()

	var unitErr *UnitError
	if err, _ := cause.Load().(error); !errors.As(err, &unitErr) {
		t.Fatalf("expected the running unit to see the abort as cause, got %v", cause.Load())
	}
}

func TestPhasePoolRejectsEmptySizes(t *testing.T) {
	run := func(context.Context, int) {}
	if _, err := newPhasePool(context.Background(), 0, 1, run); err == nil {
		t.Fatal("expected error for zero workers")
	}
	if _, err := newPhasePool(context.Background(), 1, 0, run); err == nil {
		t.Fatal("expected error for zero queue size")
	}
}
