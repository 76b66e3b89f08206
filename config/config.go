// Package config loads host process settings from the environment.
//
// Every variable carries the PLUGOS_ prefix, e.g. PLUGOS_LOG_LEVEL=debug.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "PLUGOS"

// Config holds all host configuration.
type Config struct {
	Logging LogConfig
	Sandbox SandboxConfig
	Worker  WorkerConfig
	Metrics MetricsConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
	// Sink selects where plugin log messages go: the host slog logger or
	// a zap JSON logger.
	Sink string `envconfig:"LOG_SINK" default:"slog" validate:"oneof=slog zap"`
}

// SandboxConfig holds per-sandbox defaults.
type SandboxConfig struct {
	LogBufferSize  int           `envconfig:"LOG_BUFFER_SIZE" default:"100" validate:"min=1"`
	ReadyTimeout   time.Duration `envconfig:"READY_TIMEOUT" default:"30s" validate:"min=0"`
	InvokeTimeout  time.Duration `envconfig:"INVOKE_TIMEOUT" default:"0s" validate:"min=0"`
	SyscallTimeout time.Duration `envconfig:"SYSCALL_TIMEOUT" default:"0s" validate:"min=0"`
}

// WorkerConfig holds settings for the built-in spawners.
type WorkerConfig struct {
	StderrLimit     int    `envconfig:"STDERR_LIMIT" default:"65536" validate:"min=1"`
	WasmMemoryPages uint32 `envconfig:"WASM_MEMORY_PAGES" default:"0" validate:"max=65536"`
	InheritEnv      bool   `envconfig:"INHERIT_ENV" default:"true"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Address string `envconfig:"METRICS_ADDR" validate:"omitempty,hostname_port"`
}

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Sink:   "slog",
		},
		Sandbox: SandboxConfig{
			LogBufferSize: 100,
			ReadyTimeout:  30 * time.Second,
		},
		Worker: WorkerConfig{
			StderrLimit: 64 * 1024,
			InheritEnv:  true,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps Logging.Level onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
