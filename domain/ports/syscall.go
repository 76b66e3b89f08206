package ports

import (
	"context"

	"github.com/reglet-dev/plugos/protocol"
)

// SyscallHandler implements host services requested by plugins.
// It may block; the sandbox runs each call on its own goroutine.
// A returned error is reported back to the plugin as its message.
type SyscallHandler interface {
	Syscall(ctx context.Context, name string, args []protocol.Value) (protocol.Value, error)
}

// SyscallFunc adapts a function to the SyscallHandler interface.
type SyscallFunc func(ctx context.Context, name string, args []protocol.Value) (protocol.Value, error)

// Syscall implements SyscallHandler.
func (f SyscallFunc) Syscall(ctx context.Context, name string, args []protocol.Value) (protocol.Value, error) {
	return f(ctx, name, args)
}
