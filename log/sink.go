package log

import (
	"context"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reglet-dev/plugos/domain/entities"
)

// SlogSink writes plugin log entries to a slog.Logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink writing to logger, or to slog.Default() when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Log implements ports.LogSink.
func (s *SlogSink) Log(ctx context.Context, source string, entry entities.LogEntry) {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, entry.Level.Slog(), "[Sandbox "+string(entry.Level)+"] "+entry.Message,
		slog.String("sandbox", source),
		slog.Time("date", entry.Time),
	)
}

// ZapSink writes plugin log entries to a zap.Logger, for hosts that log with zap.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns a sink writing to logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Log implements ports.LogSink.
func (s *ZapSink) Log(_ context.Context, source string, entry entities.LogEntry) {
	if ce := s.logger.Check(zapLevel(entry.Level), "[Sandbox "+string(entry.Level)+"] "+entry.Message); ce != nil {
		ce.Time = entry.Time
		ce.Write(zap.String("sandbox", source))
	}
}

func zapLevel(level entities.LogLevel) zapcore.Level {
	switch level.Slog() {
	case slog.LevelDebug:
		return zapcore.DebugLevel
	case slog.LevelWarn:
		return zapcore.WarnLevel
	case slog.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
