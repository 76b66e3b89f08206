package hostfuncs

import (
	"context"
	"time"

	"github.com/reglet-dev/plugos/protocol"
)

// Bundle is a pre-configured set of related syscalls.
type Bundle interface {
	// Handlers returns a map of syscall names to Handlers.
	Handlers() map[string]Handler
}

// staticBundle implements Bundle with a fixed set of handlers.
type staticBundle struct {
	handlers map[string]Handler
}

func (b *staticBundle) Handlers() map[string]Handler {
	return b.handlers
}

// NewBundle returns a Bundle holding handlers.
func NewBundle(handlers map[string]Handler) Bundle {
	return &staticBundle{handlers: handlers}
}

// CoreBundle returns diagnostic syscalls every host can offer:
//
//	sys.echo(args...) -> args as a list
//	sys.now()         -> milliseconds since the Unix epoch
func CoreBundle() Bundle {
	return CoreBundleWithClock(time.Now)
}

// CoreBundleWithClock is CoreBundle with an injectable clock.
func CoreBundleWithClock(now func() time.Time) Bundle {
	return &staticBundle{
		handlers: map[string]Handler{
			"sys.echo": func(_ context.Context, args []protocol.Value) (protocol.Value, error) {
				return protocol.List(args...), nil
			},
			"sys.now": func(_ context.Context, _ []protocol.Value) (protocol.Value, error) {
				return protocol.Int(now().UnixMilli()), nil
			},
		},
	}
}
