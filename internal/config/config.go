// Package config loads and validates the control plane's configuration from
// YAML with environment-variable overrides, following the teacher's viper
// wiring.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Queue configures the Queue Store: stream key, consumer group, and
// redelivery/reclaim behavior (spec §4.1).
type Queue struct {
	Stream          string        `mapstructure:"stream"`
	Group           string        `mapstructure:"group"`
	BlockTimeout    time.Duration `mapstructure:"block_timeout"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	ReclaimMinIdle  time.Duration `mapstructure:"reclaim_min_idle"`
	ReclaimCount    int64         `mapstructure:"reclaim_count"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Worker configures the reservation loop (spec §4.6).
type Worker struct {
	Concurrency int     `mapstructure:"concurrency"`
	Backoff     Backoff `mapstructure:"backoff"`
}

// Pipeline configures Build Pipeline timeouts and the reference step set
// (spec §4.7).
type Pipeline struct {
	Steps            []string          `mapstructure:"steps"`
	StepCommands     map[string]string `mapstructure:"step_commands"`
	StepTimeout      time.Duration     `mapstructure:"step_timeout"`
	PipelineTimeout  time.Duration     `mapstructure:"pipeline_timeout"`
	OutputCaptureCap int               `mapstructure:"output_capture_cap_bytes"`
	WorkspaceRoot    string            `mapstructure:"workspace_root"`
	ArtifactGlobs    []string          `mapstructure:"artifact_globs"`
	RegistryEnabled  bool              `mapstructure:"registry_enabled"`
	RegistrySteps    []string          `mapstructure:"registry_steps"`
}

// API configures the HTTP surface (Intake + Job API + Log Tail).
type API struct {
	ListenAddr        string            `mapstructure:"listen_addr"`
	ReadTimeout       time.Duration     `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration     `mapstructure:"write_timeout"`
	WebhookSecrets    map[string]string `mapstructure:"webhook_secrets"`
	KeepAliveInterval time.Duration     `mapstructure:"keep_alive_interval"`
	LogFrameSize      int               `mapstructure:"log_frame_size"`
	RateLimitPerSec   int               `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst    int               `mapstructure:"rate_limit_burst"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Schedule configures the optional cron-triggered enqueue (SPEC_FULL.md §B).
type Schedule struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
	Repo    string `mapstructure:"repo"`
	Branch  string `mapstructure:"branch"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Queue          Queue          `mapstructure:"queue"`
	Worker         Worker         `mapstructure:"worker"`
	Pipeline       Pipeline       `mapstructure:"pipeline"`
	API            API            `mapstructure:"api"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Schedule       Schedule       `mapstructure:"schedule"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:         "localhost:6379",
			PoolSize:     50,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		Queue: Queue{
			Stream:          "stream:jobs",
			Group:           "workers",
			BlockTimeout:    5 * time.Second,
			ReclaimInterval: 10 * time.Second,
			ReclaimMinIdle:  30 * time.Second,
			ReclaimCount:    100,
		},
		Worker: Worker{
			Concurrency: 1,
			Backoff:     Backoff{Base: time.Second, Max: 30 * time.Second},
		},
		Pipeline: Pipeline{
			Steps: []string{"check", "fmt-check", "lint", "test", "build", "audit", "publish-image", "publish-binaries"},
			StepCommands: map[string]string{
				"check":             "go vet ./...",
				"fmt-check":         "test -z \"$(gofmt -l .)\"",
				"lint":              "golangci-lint run",
				"test":              "go test ./...",
				"build":             "go build ./...",
				"audit":             "govulncheck ./...",
				"publish-image":    "docker build -t $CI_JOB_ID .",
				"publish-binaries": "go build -o dist/ ./...",
			},
			StepTimeout:      5 * time.Minute,
			PipelineTimeout:  30 * time.Minute,
			OutputCaptureCap: 10 * 1024,
			WorkspaceRoot:    "./workspaces",
			ArtifactGlobs:    []string{"dist/**"},
			RegistryEnabled:  false,
			RegistrySteps:    []string{"publish-image", "publish-binaries"},
		},
		API: API{
			ListenAddr:        ":8080",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      0, // streaming log tail must not be capped
			KeepAliveInterval: 15 * time.Second,
			LogFrameSize:      100,
			RateLimitPerSec:   50,
			RateLimitBurst:    100,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       5,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Schedule: Schedule{Enabled: false, Cron: "0 2 * * *"},
	}
}

// Load reads configuration from a YAML file with environment overrides,
// falling back to defaults when the file does not exist.
func Load(path string) (*Config, error) {
	v := newViper()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads configuration whenever the backing file changes and invokes
// onChange with the newly parsed config. Parse/validate failures are
// swallowed and the previous config stays in effect, matching the common
// viper hot-reload idiom.
func Watch(path string, onChange func(*Config)) error {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		if err := Validate(&cfg); err != nil {
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queue.stream", def.Queue.Stream)
	v.SetDefault("queue.group", def.Queue.Group)
	v.SetDefault("queue.block_timeout", def.Queue.BlockTimeout)
	v.SetDefault("queue.reclaim_interval", def.Queue.ReclaimInterval)
	v.SetDefault("queue.reclaim_min_idle", def.Queue.ReclaimMinIdle)
	v.SetDefault("queue.reclaim_count", def.Queue.ReclaimCount)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)

	v.SetDefault("pipeline.steps", def.Pipeline.Steps)
	v.SetDefault("pipeline.step_commands", def.Pipeline.StepCommands)
	v.SetDefault("pipeline.step_timeout", def.Pipeline.StepTimeout)
	v.SetDefault("pipeline.pipeline_timeout", def.Pipeline.PipelineTimeout)
	v.SetDefault("pipeline.output_capture_cap_bytes", def.Pipeline.OutputCaptureCap)
	v.SetDefault("pipeline.workspace_root", def.Pipeline.WorkspaceRoot)
	v.SetDefault("pipeline.artifact_globs", def.Pipeline.ArtifactGlobs)
	v.SetDefault("pipeline.registry_enabled", def.Pipeline.RegistryEnabled)
	v.SetDefault("pipeline.registry_steps", def.Pipeline.RegistrySteps)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.keep_alive_interval", def.API.KeepAliveInterval)
	v.SetDefault("api.log_frame_size", def.API.LogFrameSize)
	v.SetDefault("api.rate_limit_per_sec", def.API.RateLimitPerSec)
	v.SetDefault("api.rate_limit_burst", def.API.RateLimitBurst)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("schedule.enabled", def.Schedule.Enabled)
	v.SetDefault("schedule.cron", def.Schedule.Cron)
	v.SetDefault("schedule.repo", def.Schedule.Repo)
	v.SetDefault("schedule.branch", def.Schedule.Branch)

	return v
}

// Validate checks config constraints, returning an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Queue.Stream == "" || cfg.Queue.Group == "" {
		return fmt.Errorf("queue.stream and queue.group are required")
	}
	if cfg.Queue.ReclaimMinIdle < cfg.Queue.BlockTimeout {
		return fmt.Errorf("queue.reclaim_min_idle must be >= queue.block_timeout")
	}
	if cfg.Pipeline.StepTimeout <= 0 || cfg.Pipeline.PipelineTimeout <= 0 {
		return fmt.Errorf("pipeline.step_timeout and pipeline.pipeline_timeout must be > 0")
	}
	if cfg.Pipeline.StepTimeout > cfg.Pipeline.PipelineTimeout {
		return fmt.Errorf("pipeline.step_timeout must be <= pipeline.pipeline_timeout")
	}
	if len(cfg.Pipeline.Steps) == 0 {
		return fmt.Errorf("pipeline.steps must be non-empty")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.API.RateLimitPerSec < 0 {
		return fmt.Errorf("api.rate_limit_per_sec must be >= 0")
	}
	return nil
}
