package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to run the regression service.
type Config struct {
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
	Runs      RunsConfig      `yaml:"runs" json:"runs"`
	Rendering RenderingConfig `yaml:"rendering" json:"rendering"`
	HTTPCheck HTTPCheckConfig `yaml:"http_check" json:"http_check"`
	Artifacts ArtifactsConfig `yaml:"artifacts" json:"artifacts"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Server    ServerConfig    `yaml:"server" json:"server"`
}

// WorkerConfig controls capture concurrency and retry behaviour.
type WorkerConfig struct {
	MaxThreadsPerJob int             `yaml:"max_threads_per_job" json:"max_threads_per_job"`
	QueueSize        int             `yaml:"queue_size" json:"queue_size"`
	Retries          int             `yaml:"retries" json:"retries"`
	RetryBackoff     Duration        `yaml:"retry_backoff" json:"retry_backoff"`
	SerializeTargets bool            `yaml:"serialize_targets" json:"serialize_targets"`
	RateLimit        RateLimitConfig `yaml:"rate_limit_per_target" json:"rate_limit_per_target"`
}

// RateLimitConfig applies a token bucket per (url, path) target.
type RateLimitConfig struct {
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`
}

// RunsConfig controls run admission and phase bounds.
type RunsConfig struct {
	MaxParallelRuns int      `yaml:"max_parallel_runs" json:"max_parallel_runs"`
	PhaseTimeout    Duration `yaml:"phase_timeout" json:"phase_timeout"`
	FailFast        bool     `yaml:"fail_fast" json:"fail_fast"`
}

// RenderingConfig selects and tunes the browser capture engine.
type RenderingConfig struct {
	Engine             string   `yaml:"engine" json:"engine"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	DisableHeadless    bool     `yaml:"disable_headless" json:"disable_headless"`
	Stealth            bool     `yaml:"stealth" json:"stealth"`
	RemoteURL          string   `yaml:"remote_url" json:"remote_url"`
	UserAgent          string   `yaml:"user_agent" json:"user_agent"`
	WaitForDOMReady    bool     `yaml:"wait_for_dom_ready" json:"wait_for_dom_ready"`
	CaptureDelay       Duration `yaml:"capture_delay" json:"capture_delay"`
	ConcurrentSessions int      `yaml:"concurrent_sessions" json:"concurrent_sessions"`
	Format             string   `yaml:"format" json:"format"`
	MaxScrollHeight    int      `yaml:"max_scroll_height" json:"max_scroll_height"`
}

// HTTPCheckConfig configures the pre-flight status check done before a capture.
type HTTPCheckConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	AllowedCodes []int    `yaml:"allowed_codes" json:"allowed_codes"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
	UserAgent    string   `yaml:"user_agent" json:"user_agent"`
	MaxBodyBytes int64    `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// ArtifactsConfig controls where screenshots and diffs are written.
type ArtifactsConfig struct {
	Directory string `yaml:"directory" json:"directory"`
}

// StoreConfig selects the durable run state backend.
type StoreConfig struct {
	Driver          string      `yaml:"driver" json:"driver"`
	DSN             string      `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int         `yaml:"max_open_conns" json:"max_open_conns"`
	CreateIfMissing bool        `yaml:"create_if_missing" json:"create_if_missing"`
	Redis           RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures the Redis backed store.
type RedisConfig struct {
	Host     string   `yaml:"host" json:"host"`
	Port     string   `yaml:"port" json:"port"`
	DB       int      `yaml:"db" json:"db"`
	Password string   `yaml:"password" json:"-"`
	Key      string   `yaml:"key" json:"key"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Structured bool   `yaml:"structured" json:"structured"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `yaml:"addr" json:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			MaxThreadsPerJob: 4,
			QueueSize:        1024,
			Retries:          1,
		},
		Runs: RunsConfig{
			MaxParallelRuns: 2,
			PhaseTimeout:    DurationFrom(30 * time.Minute),
			FailFast:        true,
		},
		Rendering: RenderingConfig{
			Engine:             "chromedp",
			Timeout:            DurationFrom(60 * time.Second),
			CaptureDelay:       DurationFrom(500 * time.Millisecond),
			ConcurrentSessions: 4,
			Format:             "png",
			MaxScrollHeight:    100000,
		},
		HTTPCheck: HTTPCheckConfig{
			Enabled:      false,
			AllowedCodes: []int{200},
			Timeout:      DurationFrom(10 * time.Second),
			MaxBodyBytes: 6 * 1024 * 1024,
		},
		Artifacts: ArtifactsConfig{
			Directory: "visreg-runs",
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: DurationFrom(15 * time.Second),
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overlays well-known environment variables onto the configuration.
func (c *Config) ApplyEnv() error {
	if host := strings.TrimSpace(os.Getenv("REDIS_HOST")); host != "" {
		c.Store.Driver = "redis"
		c.Store.Redis.Host = host
		if port := strings.TrimSpace(os.Getenv("REDIS_PORT")); port != "" {
			c.Store.Redis.Port = port
		}
		if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
			db, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("REDIS_DB: %w", err)
			}
			c.Store.Redis.DB = db
		}
		if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
			c.Store.Redis.Password = pw
		}
	}
	if raw := strings.TrimSpace(os.Getenv("VISREG_MAX_PARALLEL_RUNS")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("VISREG_MAX_PARALLEL_RUNS: %w", err)
		}
		c.Runs.MaxParallelRuns = v
	}
	c.normalise()
	return c.Validate()
}

// Validate enforces required invariants for the configuration.
func (c Config) Validate() error {
	if c.Worker.MaxThreadsPerJob <= 0 {
		return fmt.Errorf("worker.max_threads_per_job must be > 0 (got %d)", c.Worker.MaxThreadsPerJob)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be > 0 (got %d)", c.Worker.QueueSize)
	}
	if c.Worker.Retries < 0 {
		return fmt.Errorf("worker.retries must be >= 0 (got %d)", c.Worker.Retries)
	}
	if rl := c.Worker.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("worker.rate_limit_per_target.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Runs.MaxParallelRuns <= 0 {
		return fmt.Errorf("runs.max_parallel_runs must be > 0 (got %d)", c.Runs.MaxParallelRuns)
	}
	if c.Runs.PhaseTimeout.Duration < 0 {
		return fmt.Errorf("runs.phase_timeout must be >= 0 (got %s)", c.Runs.PhaseTimeout)
	}
	switch c.Rendering.Engine {
	case "chromedp", "rod", "none":
	default:
		return fmt.Errorf("unsupported rendering engine %q", c.Rendering.Engine)
	}
	switch c.Rendering.Format {
	case "png", "jpeg", "webp":
	default:
		return fmt.Errorf("unsupported screenshot format %q", c.Rendering.Format)
	}
	if c.Rendering.MaxScrollHeight < 0 {
		return fmt.Errorf("rendering.max_scroll_height must be >= 0 (got %d)", c.Rendering.MaxScrollHeight)
	}
	if c.HTTPCheck.Enabled && len(c.HTTPCheck.AllowedCodes) == 0 {
		return errors.New("http_check.allowed_codes must include at least one code when enabled")
	}
	if strings.TrimSpace(c.Artifacts.Directory) == "" {
		return errors.New("artifacts.directory must be set")
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for driver %q", c.Store.Driver)
		}
	case "redis":
		if c.Store.Redis.Host == "" {
			return errors.New("store.redis.host must be set for driver \"redis\"")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalise() {
	c.Rendering.Engine = strings.ToLower(strings.TrimSpace(c.Rendering.Engine))
	if c.Rendering.Engine == "chrome" {
		c.Rendering.Engine = "chromedp"
	}
	c.Rendering.Format = strings.ToLower(strings.TrimSpace(c.Rendering.Format))
	if c.Rendering.Format == "jpg" {
		c.Rendering.Format = "jpeg"
	}
	c.Rendering.UserAgent = strings.TrimSpace(c.Rendering.UserAgent)
	c.Rendering.RemoteURL = strings.TrimSpace(c.Rendering.RemoteURL)
	c.Artifacts.Directory = strings.TrimSpace(c.Artifacts.Directory)
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "postgresql" {
		c.Store.Driver = "postgres"
	}
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	c.Store.Redis.Host = strings.TrimSpace(c.Store.Redis.Host)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if len(c.HTTPCheck.AllowedCodes) > 0 {
		c.HTTPCheck.AllowedCodes = dedupeCodes(c.HTTPCheck.AllowedCodes)
	}
}

func dedupeCodes(values []int) []int {
	unique := make(map[int]struct{}, len(values))
	cleaned := make([]int, 0, len(values))
	for _, v := range values {
		if v <= 0 {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Ints(cleaned)
	return cleaned
}

// Enabled reports whether per-target rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// ParseLevel maps a textual level onto slog levels.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", raw)
	}
}

// BuildLogger constructs the process logger from configuration.
func BuildLogger(cfg LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}
