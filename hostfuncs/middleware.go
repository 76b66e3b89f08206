package hostfuncs

import (
	"context"
	"log/slog"
	"time"

	"github.com/reglet-dev/plugos/protocol"
)

// Middleware wraps a Handler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware func(next Handler) Handler

// RegistryOption is a functional option for configuring a HandlerRegistry.
type RegistryOption func(*registryBuilder)

// PanicRecoveryMiddleware turns a panicking handler into an
// INTERNAL_ERROR *SyscallError instead of crashing the host.
func PanicRecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, args []protocol.Value) (result protocol.Value, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = protocol.Null()
					err = NewPanicError(r)
				}
			}()
			return next(ctx, args)
		}
	}
}

// LoggingMiddleware logs every syscall with its duration at debug level,
// and failures at warn level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, args []protocol.Value) (protocol.Value, error) {
			name := SyscallName(ctx)
			start := time.Now()
			result, err := next(ctx, args)
			if err != nil {
				logger.WarnContext(ctx, "syscall failed", "syscall", name, "duration", time.Since(start), "error", err)
			} else {
				logger.DebugContext(ctx, "syscall completed", "syscall", name, "duration", time.Since(start))
			}
			return result, err
		}
	}
}

// TimeoutMiddleware bounds every syscall by d. Handlers must honour
// ctx for the bound to take effect.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, args []protocol.Value) (protocol.Value, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, args)
		}
	}
}
