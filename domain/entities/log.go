package entities

import (
	"log/slog"
	"strings"
	"time"
)

// LogLevel is the severity a plugin attaches to a log message.
type LogLevel string

// Known log levels. Plugins may send others; they are kept verbatim.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelLog   LogLevel = "log"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Slog maps the level to a slog.Level. Unknown levels map to Info.
func (l LogLevel) Slog() slog.Level {
	switch strings.ToLower(string(l)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogLevelFromSlog is the inverse of Slog for the four slog levels.
func LogLevelFromSlog(level slog.Level) LogLevel {
	switch {
	case level >= slog.LevelError:
		return LogLevelError
	case level >= slog.LevelWarn:
		return LogLevelWarn
	case level >= slog.LevelInfo:
		return LogLevelInfo
	default:
		return LogLevelDebug
	}
}

// LogEntry is one captured plugin log message.
type LogEntry struct {
	Time    time.Time `json:"date"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}
