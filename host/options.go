package host

import (
	"log/slog"
	"time"

	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/infrastructure/monitoring"
)

// Option defines a functional option for configuring a Sandbox.
type Option func(*sandboxConfig)

type sandboxConfig struct {
	logger        *slog.Logger
	sink          ports.LogSink
	metrics       *monitoring.Metrics
	now           func() time.Time
	logBufferSize int
	readyTimeout  time.Duration
}

func defaultSandboxConfig() sandboxConfig {
	return sandboxConfig{
		logger:        slog.Default(),
		now:           time.Now,
		logBufferSize: DefaultLogBufferSize,
	}
}

// WithLogger sets the logger used for the sandbox's own diagnostics,
// such as protocol violations. Plugin log messages go to the LogSink.
func WithLogger(logger *slog.Logger) Option {
	return func(c *sandboxConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLogSink sets where plugin log messages are forwarded.
// Defaults to a SlogSink over the sandbox logger.
func WithLogSink(sink ports.LogSink) Option {
	return func(c *sandboxConfig) {
		c.sink = sink
	}
}

// WithLogBufferSize sets how many plugin log entries are retained.
func WithLogBufferSize(n int) Option {
	return func(c *sandboxConfig) {
		c.logBufferSize = n
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *sandboxConfig) {
		c.metrics = m
	}
}

// WithReadyTimeout stops the sandbox if the plugin has not sent its
// manifest within d. Zero disables the check.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *sandboxConfig) {
		c.readyTimeout = d
	}
}

// WithClock overrides the clock used to timestamp log entries.
func WithClock(now func() time.Time) Option {
	return func(c *sandboxConfig) {
		if now != nil {
			c.now = now
		}
	}
}
