package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/otto-de/jlineup-sub001/internal/api"
	"github.com/otto-de/jlineup-sub001/internal/config"
	"github.com/otto-de/jlineup-sub001/internal/orchestrator"
)

func main() {
	cfgPath := flag.String("config", "", "Path to service configuration (defaults apply when empty)")
	addr := flag.String("addr", "", "HTTP listen address, overrides server.addr")
	maxRuns := flag.Int("max-parallel-runs", 0, "Maximum phases executing at once, overrides runs.max_parallel_runs")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *maxRuns > 0 {
		cfg.Runs.MaxParallelRuns = *maxRuns
	}

	logger, err := config.BuildLogger(cfg.Logging, os.Stdout)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting api server", "addr", cfg.Server.Addr, "max_parallel_runs", cfg.Runs.MaxParallelRuns)

	svc, err := orchestrator.NewService(ctx, *cfg, logger)
	if err != nil {
		logger.Error("initialise run service failed", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(svc, logger),
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		if err := svc.Close(shutdownCtx); err != nil {
			logger.Error("run service shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", cfg.Server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	<-stopped
	logger.Info("api server stopped")
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		def := config.Default()
		cfg = &def
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
