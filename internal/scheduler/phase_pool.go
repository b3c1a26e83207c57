package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// phasePool executes the units of one capture phase, addressed by their
// index in expansion order, on a fixed number of workers. The first abort
// cancels the units in flight and leaves the queued ones unstarted.
type phasePool struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	queue   chan int
	run     func(ctx context.Context, unit int)
	wg      sync.WaitGroup
	aborted atomic.Pointer[UnitError]
	drained sync.Once
}

func newPhasePool(parent context.Context, workers, queueSize int, run func(ctx context.Context, unit int)) (*phasePool, error) {
	if workers <= 0 || queueSize <= 0 {
		return nil, errors.New("phase pool requires positive workers and queue size")
	}
	ctx, cancel := context.WithCancelCause(parent)
	p := &phasePool{
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan int, queueSize),
		run:    run,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p, nil
}

func (p *phasePool) work() {
	defer p.wg.Done()
	for unit := range p.queue {
		// keep receiving so enqueue never blocks on a stopped phase
		if p.ctx.Err() != nil {
			continue
		}
		p.run(p.ctx, unit)
	}
}

// enqueue hands a unit to the workers, blocking while the queue is full. It
// fails once the phase is aborted or its parent context ends.
func (p *phasePool) enqueue(unit int) error {
	if p.ctx.Err() != nil {
		return context.Cause(p.ctx)
	}
	select {
	case <-p.ctx.Done():
		return context.Cause(p.ctx)
	case p.queue <- unit:
		return nil
	}
}

// abort stops the phase on behalf of the failed unit. Only the first abort
// is kept; the result reports whether this call was it.
func (p *phasePool) abort(cause *UnitError) bool {
	if !p.aborted.CompareAndSwap(nil, cause) {
		return false
	}
	p.cancel(cause)
	return true
}

// drain closes the queue and waits for the workers. It returns the unit
// that aborted the phase, if any. Must not be called concurrently with
// enqueue.
func (p *phasePool) drain() *UnitError {
	p.drained.Do(func() {
		close(p.queue)
		p.wg.Wait()
		p.cancel(nil)
	})
	return p.aborted.Load()
}
