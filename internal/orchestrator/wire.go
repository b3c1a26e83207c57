package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/otto-de/jlineup-sub001/internal/artifact"
	"github.com/otto-de/jlineup-sub001/internal/capture"
	"github.com/otto-de/jlineup-sub001/internal/config"
	"github.com/otto-de/jlineup-sub001/internal/report"
	"github.com/otto-de/jlineup-sub001/internal/runstate"
	"github.com/otto-de/jlineup-sub001/internal/scheduler"
)

// Service bundles a manager with the resources it owns.
type Service struct {
	*Manager
	store  runstate.Store
	engine capture.Engine
}

// NewService builds the store, file store, capture engine and scheduler
// described by cfg and wires them into a manager.
func NewService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := runstate.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("run store: %w", err)
	}
	files, err := artifact.NewFileStore(cfg.Artifacts.Directory)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	engine, err := capture.NewEngine(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("capture engine: %w", err)
	}
	schedOpts := scheduler.OptionsFromConfig(cfg.Worker)
	schedOpts.Logger = logger

	manager, err := NewManager(Options{
		Store:           store,
		Files:           files,
		Engine:          engine,
		Scheduler:       scheduler.New(schedOpts),
		Aggregator:      report.NewAggregator(logger),
		MaxParallelRuns: cfg.Runs.MaxParallelRuns,
		PhaseTimeout:    cfg.Runs.PhaseTimeout.Duration,
		FailFast:        cfg.Runs.FailFast,
		Logger:          logger,
	})
	if err != nil {
		_ = engine.Close()
		_ = store.Close()
		return nil, err
	}
	logger.Info("run service ready",
		"store", cfg.Store.Driver,
		"engine", cfg.Rendering.Engine,
		"artifacts", files.BaseDir(),
		"max_parallel_runs", cfg.Runs.MaxParallelRuns,
	)
	return &Service{Manager: manager, store: store, engine: engine}, nil
}

// Close shuts the manager down and releases the engine and store.
func (s *Service) Close(ctx context.Context) error {
	err := s.Manager.Shutdown(ctx)
	return errors.Join(err, s.engine.Close(), s.store.Close())
}
