package ports

import (
	"context"

	"github.com/reglet-dev/plugos/domain/entities"
	"github.com/reglet-dev/plugos/protocol"
)

// Worker is a running isolated execution context as seen from the host.
//
// Post may be called from several goroutines. Receive has a single
// caller; once the context has ended it returns a non-recoverable error
// (io.EOF after Terminate, or an *errors.ExitError when the context died
// on its own).
type Worker interface {
	protocol.Port

	// Terminate stops the context immediately. Calling it again is a no-op.
	Terminate() error
}

// Spawner starts isolated execution contexts for a loader reference.
type Spawner interface {
	Spawn(ctx context.Context, ref entities.LoaderRef) (Worker, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, ref entities.LoaderRef) (Worker, error)

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(ctx context.Context, ref entities.LoaderRef) (Worker, error) {
	return f(ctx, ref)
}
