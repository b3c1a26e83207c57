// Package scheduler expands a job into capture units and executes them on a
// bounded worker pool with per-unit retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/artifact"
	"github.com/otto-de/jlineup-sub001/internal/capture"
	"github.com/otto-de/jlineup-sub001/internal/config"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

// Sink persists one captured slice and returns its ref.
type Sink interface {
	SaveSlice(ctx context.Context, unit types.CaptureUnit, offset int, img image.Image) (string, error)
}

// remover is implemented by sinks that can delete refs left behind by an
// earlier attempt.
type remover interface {
	Remove(ref string) error
}

// Options tunes the scheduler.
type Options struct {
	// Threads caps the worker count of a run; jobs may ask for fewer.
	Threads   int
	QueueSize int
	// Retries applies when the job does not set screenshot_retries.
	Retries          int
	Backoff          time.Duration
	SerializeTargets bool
	RateLimit        RateLimit
	// StopOnFailure cancels the remaining units once one is exhausted.
	StopOnFailure bool
	// OnOutcome is called from the worker once a unit finishes.
	OnOutcome func(types.UnitOutcome)
	Logger    *slog.Logger
	Now       func() time.Time
}

// OptionsFromConfig maps the worker section onto scheduler options.
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		Threads:          cfg.MaxThreadsPerJob,
		QueueSize:        cfg.QueueSize,
		Retries:          cfg.Retries,
		Backoff:          cfg.RetryBackoff.Duration,
		SerializeTargets: cfg.SerializeTargets,
		RateLimit:        RateLimit{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window.Duration},
	}
}

// UnitError reports the unit whose failure stopped a run.
type UnitError struct {
	Unit     types.CaptureUnit
	Attempts int
	Err      error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %s failed after %d attempt(s): %v", e.Unit, e.Attempts, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Scheduler runs capture phases. It is safe for concurrent use by several
// runs; the per-target gate is shared between them.
type Scheduler struct {
	opts   Options
	gate   *targetGate
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{opts: opts, gate: newTargetGate(opts.RateLimit), logger: logger, now: now}
}

// WithStopOnFailure returns a scheduler sharing this one's gate with the
// fail policy replaced.
func (s *Scheduler) WithStopOnFailure(stop bool) *Scheduler {
	clone := *s
	clone.opts.StopOnFailure = stop
	return &clone
}

// WithOnOutcome returns a scheduler sharing this one's gate that reports
// finished units to fn.
func (s *Scheduler) WithOnOutcome(fn func(types.UnitOutcome)) *Scheduler {
	clone := *s
	clone.opts.OnOutcome = fn
	return &clone
}

// Run captures every unit def expands to for phase. The returned outcomes
// follow expansion order; units never started are reported as skipped. The
// error is non-nil when ctx ends early or when StopOnFailure aborted the run.
func (s *Scheduler) Run(ctx context.Context, def job.Definition, phase types.Phase, capturer capture.Capturer, sink Sink, tracker *artifact.Tracker) ([]types.UnitOutcome, error) {
	if capturer == nil || sink == nil || tracker == nil {
		return nil, errors.New("scheduler requires a capturer, a sink and a tracker")
	}
	if !phase.Valid() {
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	units := def.Expand(phase)
	outcomes := make([]types.UnitOutcome, len(units))
	for i, u := range units {
		outcomes[i] = types.UnitOutcome{Key: u.Key(), Unit: u, Status: types.UnitSkipped}
	}
	if len(units) == 0 {
		return outcomes, nil
	}

	threads := min(def.EffectiveThreads(s.opts.Threads), len(units))
	queueSize := s.opts.QueueSize
	if queueSize <= 0 {
		queueSize = len(units)
	}
	retries := s.opts.Retries
	if def.ScreenshotRetries > 0 {
		retries = def.ScreenshotRetries
	}
	serialize := s.opts.SerializeTargets || capture.IsSessionBound(capturer)
	logger := s.logger.With("phase", string(phase), "units", len(units), "threads", threads)

	var pool *phasePool
	pool, err := newPhasePool(ctx, threads, queueSize, func(unitCtx context.Context, i int) {
		out, panicked := s.safeRunUnit(unitCtx, units[i], retries, serialize, capturer, sink, tracker)
		outcomes[i] = out
		if out.Status == types.UnitFailed && (s.opts.StopOnFailure || panicked) {
			if pool.abort(&UnitError{Unit: units[i], Attempts: out.Attempts, Err: errors.New(out.Error)}) {
				logger.Warn("stopping phase after unit failure", "unit", units[i].String())
			}
		}
		if s.opts.OnOutcome != nil {
			s.opts.OnOutcome(out)
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Info("capture phase started", "retries", retries, "serialize_targets", serialize)

	for i := range units {
		if err := pool.enqueue(i); err != nil {
			break
		}
	}
	aborted := pool.drain()

	counts := map[types.UnitStatus]int{}
	for _, o := range outcomes {
		counts[o.Status]++
	}
	logger.Info("capture phase finished",
		"succeeded", counts[types.UnitSucceeded],
		"failed", counts[types.UnitFailed],
		"skipped", counts[types.UnitSkipped],
	)

	if aborted != nil {
		return outcomes, aborted
	}
	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// safeRunUnit turns a panicking capture into a failed unit. Panics always
// stop the phase.
func (s *Scheduler) safeRunUnit(ctx context.Context, unit types.CaptureUnit, retries int, serialize bool, capturer capture.Capturer, sink Sink, tracker *artifact.Tracker) (out types.UnitOutcome, panicked bool) {
	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("capture panicked", "unit", unit.String(), "panic", r, "stack", string(debug.Stack()))
			finished := s.now()
			out = types.UnitOutcome{
				Key:        unit.Key(),
				Unit:       unit,
				Status:     types.UnitFailed,
				Attempts:   1,
				Error:      fmt.Sprintf("capture panicked: %v", r),
				StartedAt:  started,
				FinishedAt: finished,
				Duration:   finished.Sub(started),
			}
			panicked = true
		}
	}()
	return s.runUnit(ctx, unit, retries, serialize, capturer, sink, tracker), false
}

func (s *Scheduler) runUnit(ctx context.Context, unit types.CaptureUnit, retries int, serialize bool, capturer capture.Capturer, sink Sink, tracker *artifact.Tracker) types.UnitOutcome {
	out := types.UnitOutcome{Key: unit.Key(), Unit: unit, StartedAt: s.now()}
	logger := s.logger.With("unit", unit.String(), "phase", string(unit.Phase))
	finish := func(status types.UnitStatus, err error) types.UnitOutcome {
		out.Status = status
		if err != nil {
			out.Error = err.Error()
		}
		out.FinishedAt = s.now()
		out.Duration = out.FinishedAt.Sub(out.StartedAt)
		return out
	}

	if err := ctx.Err(); err != nil {
		return finish(types.UnitSkipped, err)
	}
	if serialize {
		release, err := s.gate.Lock(ctx, unit.Target())
		if err != nil {
			return finish(types.UnitSkipped, err)
		}
		defer release()
	}

	result := Retry(ctx, retries+1, s.opts.Backoff, func(ctx context.Context, attempt int) ([]types.SliceRef, error) {
		if err := s.gate.Wait(ctx, unit.Target()); err != nil {
			return nil, err
		}
		refs, err := s.attempt(ctx, unit, capturer, sink, tracker)
		if err != nil {
			logger.Warn("capture attempt failed", "attempt", attempt, "error", err)
		}
		return refs, err
	})
	out.Attempts = result.Attempts

	switch {
	case result.Succeeded():
		out.Slices = result.Value
		logger.Debug("unit captured", "attempts", result.Attempts, "slices", len(result.Value))
		return finish(types.UnitSucceeded, nil)
	case result.Exhausted:
		// A unit that ends in failure holds no artifacts at all.
		s.discard(unit, sink, tracker, nil)
		logger.Error("unit failed", "attempts", result.Attempts, "error", result.Err)
		return finish(types.UnitFailed, result.Err)
	default:
		return finish(types.UnitSkipped, result.Err)
	}
}

// attempt runs one capture and records its slices. Only a successful capture
// touches the tracker, and it first drops whatever an earlier attempt left.
func (s *Scheduler) attempt(ctx context.Context, unit types.CaptureUnit, capturer capture.Capturer, sink Sink, tracker *artifact.Tracker) ([]types.SliceRef, error) {
	slices, err := capturer.Capture(ctx, unit)
	if err != nil {
		return nil, capture.Wrap(unit, "", err)
	}
	seen := make(map[int]struct{}, len(slices))
	for _, sl := range slices {
		if sl.Image == nil {
			return nil, capture.Errorf(unit, "validate", "slice at offset %d has no image", sl.Offset)
		}
		if sl.Offset < 0 {
			return nil, capture.Errorf(unit, "validate", "negative offset %d", sl.Offset)
		}
		if _, dup := seen[sl.Offset]; dup {
			return nil, capture.Errorf(unit, "validate", "offset %d captured twice", sl.Offset)
		}
		seen[sl.Offset] = struct{}{}
	}

	key := unit.Key()
	written := make(map[string]struct{}, len(slices))
	refs := make([]types.SliceRef, 0, len(slices))
	for _, sl := range slices {
		ref, err := sink.SaveSlice(ctx, unit, sl.Offset, sl.Image)
		if err != nil {
			s.removeAll(sink, refs)
			return nil, fmt.Errorf("store slice %d: %w", sl.Offset, err)
		}
		written[ref] = struct{}{}
		refs = append(refs, types.SliceRef{Offset: sl.Offset, Ref: ref})
	}
	s.discard(unit, sink, tracker, written)
	for _, r := range refs {
		if err := tracker.Record(key, r.Offset, unit.Phase, r.Ref); err != nil {
			return nil, fmt.Errorf("record slice %d: %w", r.Offset, err)
		}
	}
	if err := tracker.Touch(key, unit.Phase); err != nil {
		return nil, fmt.Errorf("record unit: %w", err)
	}
	return refs, nil
}

// discard clears the unit's phase in the tracker and removes stale files that
// are not part of keep.
func (s *Scheduler) discard(unit types.CaptureUnit, sink Sink, tracker *artifact.Tracker, keep map[string]struct{}) {
	key := unit.Key()
	stale := tracker.Refs(key, unit.Phase)
	if err := tracker.Discard(key, unit.Phase); err != nil {
		s.logger.Warn("discard failed", "unit", unit.String(), "error", err)
		return
	}
	rm, ok := sink.(remover)
	if !ok {
		return
	}
	for _, r := range stale {
		if _, reused := keep[r.Ref]; reused {
			continue
		}
		if err := rm.Remove(r.Ref); err != nil {
			s.logger.Warn("remove stale slice failed", "ref", r.Ref, "error", err)
		}
	}
}

func (s *Scheduler) removeAll(sink Sink, refs []types.SliceRef) {
	rm, ok := sink.(remover)
	if !ok {
		return
	}
	for _, r := range refs {
		if err := rm.Remove(r.Ref); err != nil {
			s.logger.Warn("remove partial slice failed", "ref", r.Ref, "error", err)
		}
	}
}
