package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/plugos/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PLUGOS_LOG_LEVEL", "debug")
	t.Setenv("PLUGOS_LOG_FORMAT", "json")
	t.Setenv("PLUGOS_LOG_SINK", "zap")
	t.Setenv("PLUGOS_LOG_BUFFER_SIZE", "5")
	t.Setenv("PLUGOS_READY_TIMEOUT", "2s")
	t.Setenv("PLUGOS_SYSCALL_TIMEOUT", "150ms")
	t.Setenv("PLUGOS_STDERR_LIMIT", "1024")
	t.Setenv("PLUGOS_WASM_MEMORY_PAGES", "16")
	t.Setenv("PLUGOS_INHERIT_ENV", "false")
	t.Setenv("PLUGOS_METRICS_ADDR", ":9090")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "zap", cfg.Logging.Sink)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, 5, cfg.Sandbox.LogBufferSize)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.ReadyTimeout)
	assert.Equal(t, 150*time.Millisecond, cfg.Sandbox.SyscallTimeout)
	assert.Equal(t, 1024, cfg.Worker.StderrLimit)
	assert.Equal(t, uint32(16), cfg.Worker.WasmMemoryPages)
	assert.False(t, cfg.Worker.InheritEnv)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{name: "unknown level", key: "PLUGOS_LOG_LEVEL", value: "loud", want: "invalid config"},
		{name: "unknown sink", key: "PLUGOS_LOG_SINK", value: "syslog", want: "invalid config"},
		{name: "empty log buffer", key: "PLUGOS_LOG_BUFFER_SIZE", value: "0", want: "invalid config"},
		{name: "bad duration", key: "PLUGOS_READY_TIMEOUT", value: "soon", want: "failed to load config"},
		{name: "bad metrics address", key: "PLUGOS_METRICS_ADDR", value: "no port", want: "invalid config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_SlogLevel(t *testing.T) {
	cfg := config.Default()
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		cfg.Logging.Level = level
		assert.Equal(t, want, cfg.SlogLevel(), level)
	}
}
