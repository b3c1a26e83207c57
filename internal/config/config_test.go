package config

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
worker:
  max_threads_per_job: 8
  retry_backoff: 2
runs:
  phase_timeout: 90s
rendering:
  engine: Chrome
  format: JPG
http_check:
  enabled: true
  allowed_codes: [301, 200, 200, 0]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.MaxThreadsPerJob != 8 {
		t.Fatalf("expected 8 threads, got %d", cfg.Worker.MaxThreadsPerJob)
	}
	if cfg.Worker.RetryBackoff.Duration != 2*time.Second {
		t.Fatalf("expected numeric seconds to decode, got %s", cfg.Worker.RetryBackoff)
	}
	if cfg.Runs.PhaseTimeout.Duration != 90*time.Second {
		t.Fatalf("expected 90s phase timeout, got %s", cfg.Runs.PhaseTimeout)
	}
	if cfg.Rendering.Engine != "chromedp" || cfg.Rendering.Format != "jpeg" {
		t.Fatalf("expected normalised engine/format, got %q/%q", cfg.Rendering.Engine, cfg.Rendering.Format)
	}
	if got := cfg.HTTPCheck.AllowedCodes; len(got) != 2 || got[0] != 200 || got[1] != 301 {
		t.Fatalf("expected deduped sorted codes, got %v", got)
	}
	if cfg.Runs.MaxParallelRuns != 2 || !cfg.Runs.FailFast {
		t.Fatalf("expected run defaults to survive, got %+v", cfg.Runs)
	}
}

func TestLoadFromReaderEmptyDocument(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store default, got %q", cfg.Store.Driver)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("worker:\n  threads: 3\n")); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"threads":    func(c *Config) { c.Worker.MaxThreadsPerJob = 0 },
		"retries":    func(c *Config) { c.Worker.Retries = -1 },
		"parallel":   func(c *Config) { c.Runs.MaxParallelRuns = 0 },
		"engine":     func(c *Config) { c.Rendering.Engine = "gecko" },
		"format":     func(c *Config) { c.Rendering.Format = "bmp" },
		"sqlite dsn": func(c *Config) { c.Store.Driver = "sqlite" },
		"redis host": func(c *Config) { c.Store.Driver = "redis" },
		"store":      func(c *Config) { c.Store.Driver = "mongo" },
		"log level":  func(c *Config) { c.Logging.Level = "loud" },
		"http codes": func(c *Config) { c.HTTPCheck.Enabled = true; c.HTTPCheck.AllowedCodes = nil },
		"artifacts":  func(c *Config) { c.Artifacts.Directory = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache.local")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("VISREG_MAX_PARALLEL_RUNS", "7")
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.Redis.Host != "cache.local" || cfg.Store.Redis.DB != 3 {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Runs.MaxParallelRuns != 7 {
		t.Fatalf("expected 7 parallel runs, got %d", cfg.Runs.MaxParallelRuns)
	}
}

func TestBuildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := BuildLogger(LoggingConfig{Level: "warn", Structured: true}, &buf)
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"run_id":"r1"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
	if _, err := BuildLogger(LoggingConfig{Level: "verbose"}, &buf); err == nil {
		t.Fatal("expected unsupported level error")
	}
}
