package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/otto-de/jlineup-sub001/internal/config"
	"github.com/otto-de/jlineup-sub001/internal/job"
	"github.com/otto-de/jlineup-sub001/internal/orchestrator"
	"github.com/otto-de/jlineup-sub001/internal/report"
	"github.com/otto-de/jlineup-sub001/internal/runstate"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("visreg", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "Path to service configuration (defaults apply when empty)")
	jobPath := fs.String("job", "visreg.yaml", "Path to the job definition (YAML or JSON)")
	step := fs.String("step", "before", "Step to execute: before, after or compare")
	runID := fs.String("run", "", "Run id for after and compare; defaults to the latest matching run")
	timeout := fs.Duration("timeout", 0, "Phase deadline, overrides runs.phase_timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 2
	}
	logger, err := config.BuildLogger(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to build logger: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.NewService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialise: %v\n", err)
		return 2
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	var opts []orchestrator.StartOption
	if *timeout > 0 {
		opts = append(opts, orchestrator.WithTimeout(*timeout))
	}

	var rec runstate.RunRecord
	switch *step {
	case "before":
		def, err := job.Load(*jobPath)
		if err != nil {
			fmt.Fprintf(stderr, "failed to load job: %v\n", err)
			return 2
		}
		created, err := svc.CreateRun(ctx, def)
		if err != nil {
			fmt.Fprintf(stderr, "failed to create run: %v\n", err)
			return 2
		}
		rec, err = startAndWait(ctx, svc, created.ID, svc.StartBefore, opts)
		if err != nil {
			fmt.Fprintf(stderr, "before step failed: %v\n", err)
			return 1
		}
	case "after":
		id, err := resolveRun(ctx, svc, *runID, runstate.StateBeforeDone)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 2
		}
		rec, err = startAndWait(ctx, svc, id, svc.StartAfter, opts)
		if err != nil {
			fmt.Fprintf(stderr, "after step failed: %v\n", err)
			return 1
		}
	case "compare":
		id, err := resolveRun(ctx, svc, *runID, runstate.StateFinished)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 2
		}
		rep, err := svc.Report(ctx, id)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 2
		}
		fmt.Fprintf(stdout, "run %s: %s\n", id, runstate.StateFinished)
		return printReport(stdout, rep)
	default:
		fmt.Fprintf(stderr, "unknown step %q, expected before, after or compare\n", *step)
		return 2
	}

	return printResult(stdout, rec)
}

type starter func(ctx context.Context, id string, opts ...orchestrator.StartOption) (runstate.RunRecord, error)

func startAndWait(ctx context.Context, svc *orchestrator.Service, id string, start starter, opts []orchestrator.StartOption) (runstate.RunRecord, error) {
	if _, err := start(ctx, id, opts...); err != nil {
		return runstate.RunRecord{}, err
	}
	return svc.Wait(ctx, id)
}

// resolveRun returns id or, when empty, the newest run in state want.
func resolveRun(ctx context.Context, svc *orchestrator.Service, id string, want runstate.State) (string, error) {
	if id != "" {
		return id, nil
	}
	runs, err := svc.List(ctx)
	if err != nil {
		return "", err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].State == want {
			return runs[i].ID, nil
		}
	}
	return "", fmt.Errorf("no run in state %s found, pass -run", want)
}

func printResult(w io.Writer, rec runstate.RunRecord) int {
	fmt.Fprintf(w, "run %s: %s\n", rec.ID, rec.State)
	switch rec.State {
	case runstate.StateError:
		fmt.Fprintf(w, "error: %s\n", rec.Error)
		return 1
	case runstate.StateBeforeDone:
		return 0
	case runstate.StateFinished:
		return printReport(w, rec.Report)
	default:
		return 1
	}
}

func printReport(w io.Writer, rep *report.Report) int {
	if rep == nil {
		fmt.Fprintln(w, "no report recorded")
		return 1
	}
	fmt.Fprintf(w, "comparisons: %d, max difference: %.4f\n", rep.Summary.Comparisons, rep.Summary.DifferenceMax)
	if rep.Passed {
		fmt.Fprintln(w, "result: passed")
		return 0
	}
	for _, failed := range rep.Failed() {
		fmt.Fprintf(w, "  exceeded: %s\n", failed)
	}
	fmt.Fprintln(w, "result: failed")
	return 1
}

// loadConfig applies the environment and, since the CLI spans several
// processes, swaps the in-memory store for a sqlite file next to the
// artifacts.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = *loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	if cfg.Store.Driver == "" || cfg.Store.Driver == "memory" {
		if err := os.MkdirAll(cfg.Artifacts.Directory, 0o755); err != nil {
			return config.Config{}, fmt.Errorf("create artifacts directory: %w", err)
		}
		cfg.Store.Driver = "sqlite"
		cfg.Store.DSN = filepath.Join(cfg.Artifacts.Directory, "runs.db")
		cfg.Store.CreateIfMissing = true
	}
	if cfg.Server.ShutdownTimeout.Duration <= 0 {
		cfg.Server.ShutdownTimeout = config.DurationFrom(15 * time.Second)
	}
	return cfg, nil
}
