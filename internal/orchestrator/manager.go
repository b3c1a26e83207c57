// Package orchestrator drives runs through their lifecycle: it admits
// phases, executes them asynchronously and publishes every transition as a
// new record through the run store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/artifact"
	"github.com/otto-de/jlineup-sub001/internal/capture"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/internal/report"
	"github.com/otto-de/jlineup-sub001/internal/runstate"
	"github.com/otto-de/jlineup-sub001/internal/scheduler"
	"github.com/otto-de/jlineup-sub001/pkg/types"
)

var (
	// ErrMaxParallelRuns signals that the global phase limit has been reached.
	ErrMaxParallelRuns = errors.New("maximum parallel runs reached")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("manager is shutting down")
	// ErrPhaseTimeout is recorded when a phase exceeds its deadline.
	ErrPhaseTimeout = errors.New("phase timed out")
	// ErrBeforeArtifactsMissing is recorded when a BEFORE_DONE run lost
	// screenshots it needs for the comparison.
	ErrBeforeArtifactsMissing = errors.New("before artifacts missing")
)

// Options wires the collaborators of a Manager.
type Options struct {
	Store      runstate.Store
	Files      *artifact.FileStore
	Engine     capture.Engine
	Scheduler  *scheduler.Scheduler
	Aggregator *report.Aggregator
	// MaxParallelRuns bounds the phases executing at once.
	MaxParallelRuns int
	// PhaseTimeout applies when a start call passes no WithTimeout.
	PhaseTimeout time.Duration
	// FailFast aborts a phase on the first unit that exhausts its retries.
	FailFast bool
	NewID    IDGenerator
	Logger   *slog.Logger
	Now      func() time.Time
}

// StartOption customises one phase start.
type StartOption func(*startConfig)

type startConfig struct {
	timeout time.Duration
}

// WithTimeout bounds the phase; when it elapses the run moves to ERROR even
// if the capture collaborator does not return.
func WithTimeout(d time.Duration) StartOption {
	return func(c *startConfig) { c.timeout = d }
}

// Manager coordinates runs keyed by run id.
type Manager struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	running  int
	closed   bool
	trackers map[string]*artifact.Tracker

	subMu       sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
}

// NewManager constructs a manager. Store, Files and Engine are required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Files == nil || opts.Engine == nil {
		return nil, errors.New("manager requires a store, a file store and a capture engine")
	}
	if opts.MaxParallelRuns <= 0 {
		opts.MaxParallelRuns = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = UUIDv7()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(scheduler.Options{Logger: opts.Logger})
	}
	if opts.Aggregator == nil {
		opts.Aggregator = report.NewAggregator(opts.Logger)
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:        opts,
		logger:      opts.Logger,
		now:         opts.Now,
		rootCtx:     rootCtx,
		rootCancel:  cancel,
		trackers:    make(map[string]*artifact.Tracker),
		subscribers: make(map[string]map[chan Event]struct{}),
	}, nil
}

// CreateRun validates def and registers a new run in state CREATED.
func (m *Manager) CreateRun(ctx context.Context, def job.Definition) (runstate.RunRecord, error) {
	prepared, err := def.Prepare()
	if err != nil {
		return runstate.RunRecord{}, err
	}
	if m.isClosed() {
		return runstate.RunRecord{}, ErrShuttingDown
	}
	rec := runstate.NewRecord(m.opts.NewID(), prepared, m.now())
	if _, err := m.opts.Files.Run(rec.ID); err != nil {
		return runstate.RunRecord{}, err
	}
	if err := m.opts.Store.Create(ctx, rec); err != nil {
		return runstate.RunRecord{}, err
	}
	m.mu.Lock()
	m.trackers[rec.ID] = artifact.NewTracker()
	m.mu.Unlock()

	m.logger.Info("run created", "run_id", rec.ID, "name", prepared.Name, "units", len(prepared.Expand(types.PhaseBefore)))
	m.broadcast(Event{Type: EventCreated, Run: rec})
	return rec, nil
}

// StartBefore moves a CREATED run to BEFORE_RUNNING and captures the before
// phase asynchronously.
func (m *Manager) StartBefore(ctx context.Context, id string, opts ...StartOption) (runstate.RunRecord, error) {
	return m.start(ctx, id, types.PhaseBefore, opts)
}

// StartAfter moves a BEFORE_DONE run to AFTER_RUNNING, captures the after
// phase and builds the report asynchronously.
func (m *Manager) StartAfter(ctx context.Context, id string, opts ...StartOption) (runstate.RunRecord, error) {
	return m.start(ctx, id, types.PhaseAfter, opts)
}

func (m *Manager) start(ctx context.Context, id string, phase types.Phase, opts []StartOption) (runstate.RunRecord, error) {
	cfg := startConfig{timeout: m.opts.PhaseTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	from, to := runstate.StateCreated, runstate.StateBeforeRunning
	if phase == types.PhaseAfter {
		from, to = runstate.StateBeforeDone, runstate.StateAfterRunning
	}

	rec, err := m.opts.Store.Get(ctx, id)
	if err != nil {
		return runstate.RunRecord{}, err
	}
	next, err := rec.Transition(to, m.now())
	if err != nil {
		return runstate.RunRecord{}, err
	}
	if phase == types.PhaseAfter {
		if err := m.checkBefore(rec); err != nil {
			m.abandon(ctx, rec, err)
			return runstate.RunRecord{}, err
		}
	}
	if err := m.admit(); err != nil {
		return runstate.RunRecord{}, err
	}
	if err := m.opts.Store.CompareAndSwap(ctx, rec.Version, next); err != nil {
		m.release()
		if errors.Is(err, runstate.ErrVersionConflict) {
			current := rec.State
			if cur, gerr := m.opts.Store.Get(ctx, id); gerr == nil {
				current = cur.State
			}
			return runstate.RunRecord{}, &runstate.InvalidRunStateError{RunID: id, Current: current, Expected: []runstate.State{from}}
		}
		return runstate.RunRecord{}, err
	}

	m.logger.Info("phase started", "run_id", id, "phase", string(phase), "timeout", cfg.timeout.String())
	m.broadcast(Event{Type: EventTransition, Run: next})

	m.wg.Add(1)
	go m.runPhase(next, phase, cfg)
	return next, nil
}

// checkBefore verifies that every before slice of rec is still on disk.
func (m *Manager) checkBefore(rec runstate.RunRecord) error {
	files, err := m.opts.Files.Run(rec.ID)
	if err != nil {
		return err
	}
	for _, o := range rec.Before {
		for _, ref := range o.Slices {
			if !files.Exists(ref.Ref) {
				return fmt.Errorf("%w: %s", ErrBeforeArtifactsMissing, ref.Ref)
			}
		}
	}
	return nil
}

// abandon moves a BEFORE_DONE run that can no longer be compared to ERROR.
// A lost race leaves the record to whoever moved it.
func (m *Manager) abandon(ctx context.Context, rec runstate.RunRecord, cause error) {
	failed, err := rec.Transition(runstate.StateError, m.now())
	if err != nil {
		return
	}
	failed = failed.WithError(cause)
	if err := m.opts.Store.CompareAndSwap(ctx, rec.Version, failed); err != nil {
		m.logger.Warn("abandon run failed", "run_id", rec.ID, "error", err)
		return
	}
	m.mu.Lock()
	delete(m.trackers, rec.ID)
	m.mu.Unlock()
	m.logger.Error("run abandoned", "run_id", rec.ID, "error", cause)
	m.broadcast(Event{Type: EventTransition, Run: failed})
}

func (m *Manager) admit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	if m.running >= m.opts.MaxParallelRuns {
		return ErrMaxParallelRuns
	}
	m.running++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	if m.running > 0 {
		m.running--
	}
	m.mu.Unlock()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type phaseResult struct {
	outcomes []types.UnitOutcome
	report   *report.Report
	err      error
}

// runPhase executes the phase and publishes its terminal transition. The
// deadline is enforced here rather than trusted to the collaborators, so a
// hanging capture cannot keep the run in a running state.
func (m *Manager) runPhase(rec runstate.RunRecord, phase types.Phase, cfg startConfig) {
	defer m.wg.Done()

	var ctx context.Context
	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		ctx, cancel = context.WithTimeout(m.rootCtx, cfg.timeout)
	} else {
		ctx, cancel = context.WithCancel(m.rootCtx)
	}
	defer cancel()

	logger := m.logger.With("run_id", rec.ID, "phase", string(phase))
	done := make(chan phaseResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("phase panicked", "panic", r, "stack", string(debug.Stack()))
				done <- phaseResult{err: fmt.Errorf("phase panicked: %v", r)}
			}
		}()
		done <- m.execute(ctx, rec, phase)
	}()

	var res phaseResult
	select {
	case res = <-done:
	case <-ctx.Done():
		select {
		case res = <-done:
		default:
			res = phaseResult{err: m.deadlineError(ctx)}
		}
	}
	if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, ErrPhaseTimeout) {
		res.err = fmt.Errorf("%w: %v", m.deadlineError(ctx), res.err)
	}
	// the slot is free before the terminal state becomes visible
	m.release()
	m.finish(rec.ID, phase, res, logger)
}

func (m *Manager) deadlineError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrPhaseTimeout
	}
	return ErrShuttingDown
}

func (m *Manager) execute(ctx context.Context, rec runstate.RunRecord, phase types.Phase) phaseResult {
	files, err := m.opts.Files.Run(rec.ID)
	if err != nil {
		return phaseResult{err: err}
	}
	tracker, err := m.tracker(rec, files)
	if err != nil {
		return phaseResult{err: err}
	}

	sched := m.opts.Scheduler.
		WithStopOnFailure(m.opts.FailFast).
		WithOnOutcome(func(o types.UnitOutcome) {
			m.broadcast(Event{Type: EventUnit, Run: rec, Outcome: &o})
		})
	capturer := m.opts.Engine.ForJob(rec.Job)
	outcomes, err := sched.Run(ctx, rec.Job, phase, capturer, files, tracker)
	if err != nil {
		return phaseResult{outcomes: outcomes, err: err}
	}
	if phase == types.PhaseBefore {
		return phaseResult{outcomes: outcomes}
	}

	tracker.Seal()
	rep, err := m.opts.Aggregator.Aggregate(ctx, rec.ID, rec.Job, tracker, files)
	if err != nil {
		return phaseResult{outcomes: outcomes, err: fmt.Errorf("aggregate report: %w", err)}
	}
	return phaseResult{outcomes: outcomes, report: rep}
}

// tracker returns the in-memory tracker of a run. After a restart it is
// rebuilt from the files on disk plus the zero-slice units recorded in the
// before outcomes.
func (m *Manager) tracker(rec runstate.RunRecord, files *artifact.RunFiles) (*artifact.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[rec.ID]; ok {
		return t, nil
	}
	var t *artifact.Tracker
	if rec.State == runstate.StateAfterRunning {
		rebuilt, err := files.Rebuild()
		if err != nil {
			return nil, fmt.Errorf("rebuild tracker: %w", err)
		}
		for _, o := range rec.Before {
			if o.Status == types.UnitSucceeded {
				_ = rebuilt.Touch(o.Key, types.PhaseBefore)
			}
		}
		t = rebuilt
		m.logger.Info("tracker rebuilt from disk", "run_id", rec.ID, "units", len(t.Keys()))
	} else {
		t = artifact.NewTracker()
	}
	m.trackers[rec.ID] = t
	return t, nil
}

// finish publishes the terminal transition of a phase. The store write uses
// its own context so that shutdown still records the ERROR state.
func (m *Manager) finish(id string, phase types.Phase, res phaseResult, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	to := runstate.StateBeforeDone
	if phase == types.PhaseAfter {
		to = runstate.StateFinished
	}
	if res.err != nil {
		to = runstate.StateError
	}

	for attempt := 0; attempt < 3; attempt++ {
		cur, err := m.opts.Store.Get(ctx, id)
		if err != nil {
			logger.Error("load run for completion failed", "error", err)
			return
		}
		next, err := cur.Transition(to, m.now())
		if err != nil {
			logger.Error("complete phase failed", "error", err)
			return
		}
		next = next.WithOutcomes(phase, res.outcomes).WithError(res.err)
		if res.report != nil {
			next = next.WithReport(res.report)
		}
		err = m.opts.Store.CompareAndSwap(ctx, cur.Version, next)
		if errors.Is(err, runstate.ErrVersionConflict) {
			continue
		}
		if err != nil {
			logger.Error("publish phase completion failed", "error", err)
			return
		}
		if to == runstate.StateFinished || to == runstate.StateError {
			m.mu.Lock()
			delete(m.trackers, id)
			m.mu.Unlock()
		}
		if res.err != nil {
			logger.Error("phase failed", "state", string(to), "error", res.err)
		} else {
			logger.Info("phase completed", "state", string(to))
		}
		m.broadcast(Event{Type: EventTransition, Run: next})
		return
	}
	logger.Error("phase completion lost to concurrent updates", "state", string(to))
}

// Status returns the current record of a run.
func (m *Manager) Status(ctx context.Context, id string) (runstate.RunRecord, error) {
	return m.opts.Store.Get(ctx, id)
}

// Report returns the report of a FINISHED run.
func (m *Manager) Report(ctx context.Context, id string) (*report.Report, error) {
	rec, err := m.opts.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != runstate.StateFinished || rec.Report == nil {
		return nil, &runstate.InvalidRunStateError{RunID: id, Current: rec.State, Expected: []runstate.State{runstate.StateFinished}}
	}
	return rec.Report, nil
}

// List returns all runs, oldest first.
func (m *Manager) List(ctx context.Context) ([]runstate.RunRecord, error) {
	return m.opts.Store.List(ctx)
}

// Wait blocks until the run is no longer executing a phase and returns its
// record.
func (m *Manager) Wait(ctx context.Context, id string) (runstate.RunRecord, error) {
	events, unsubscribe, err := m.Subscribe(ctx, id)
	if err != nil {
		return runstate.RunRecord{}, err
	}
	defer unsubscribe()

	// events may be dropped for slow readers, so the store is polled as well
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case evt, open := <-events:
			if !open {
				return m.opts.Store.Get(ctx, id)
			}
			if evt.Type != EventUnit && !evt.Run.State.Running() {
				return evt.Run, nil
			}
		case <-ticker.C:
			rec, err := m.opts.Store.Get(ctx, id)
			if err != nil {
				return runstate.RunRecord{}, err
			}
			if !rec.State.Running() {
				return rec, nil
			}
		case <-ctx.Done():
			return runstate.RunRecord{}, ctx.Err()
		}
	}
}

// Shutdown cancels executing phases, which end in ERROR, and waits for them
// to be recorded.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.rootCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.subMu.Lock()
	for id, subs := range m.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(m.subscribers, id)
	}
	m.subMu.Unlock()
	return err
}
