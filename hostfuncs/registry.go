package hostfuncs

import (
	"context"
	"fmt"
	"sort"

	"github.com/reglet-dev/plugos/protocol"
)

// HandlerRegistry is an immutable collection of named syscalls.
// Once created via NewRegistry, handlers cannot be added or removed,
// so lookups need no locking while sandboxes call it concurrently.
type HandlerRegistry struct {
	handlers   map[string]Handler
	names      []string // sorted for consistent iteration
	middleware []Middleware
}

// registryBuilder accumulates configuration during registry construction.
type registryBuilder struct {
	handlers   map[string]Handler
	middleware []Middleware
	errors     []error
}

// NewRegistry creates an immutable HandlerRegistry with the given options.
// Returns an error if any syscall name is registered twice.
//
// Example usage:
//
//	registry, err := NewRegistry(
//	    WithMiddleware(PanicRecoveryMiddleware()),
//	    WithBundle(CoreBundle()),
//	    WithHandler("custom", customHandler),
//	)
func NewRegistry(opts ...RegistryOption) (*HandlerRegistry, error) {
	b := &registryBuilder{
		handlers: make(map[string]Handler),
	}

	for _, opt := range opts {
		opt(b)
	}

	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	// Apply middleware in reverse order so the first one wraps outermost.
	wrappedHandlers := make(map[string]Handler, len(b.handlers))
	for name, handler := range b.handlers {
		wrapped := handler
		for i := len(b.middleware) - 1; i >= 0; i-- {
			wrapped = b.middleware[i](wrapped)
		}
		wrappedHandlers[name] = wrapped
	}

	return &HandlerRegistry{
		handlers:   wrappedHandlers,
		names:      names,
		middleware: b.middleware,
	}, nil
}

// Invoke dispatches a syscall by name. Unknown names fail with a
// NOT_FOUND *SyscallError.
func (r *HandlerRegistry) Invoke(ctx context.Context, name string, args []protocol.Value) (protocol.Value, error) {
	handler, ok := r.handlers[name]
	if !ok {
		return protocol.Null(), NewNotFoundError(name)
	}

	hctx := HostContextFrom(ctx, name)
	return handler(hctx, args)
}

// Syscall implements ports.SyscallHandler.
func (r *HandlerRegistry) Syscall(ctx context.Context, name string, args []protocol.Value) (protocol.Value, error) {
	return r.Invoke(ctx, name, args)
}

// Has returns true if a syscall with the given name is registered.
func (r *HandlerRegistry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns a sorted list of all registered syscall names.
func (r *HandlerRegistry) Names() []string {
	result := make([]string, len(r.names))
	copy(result, r.names)
	return result
}

// addHandler registers a handler with the given name.
func (b *registryBuilder) addHandler(name string, handler Handler) error {
	if name == "" {
		return fmt.Errorf("syscall name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("syscall %q has a nil handler", name)
	}
	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("duplicate syscall name: %q", name)
	}
	b.handlers[name] = handler
	return nil
}

// WithHandler registers a Handler under name.
func WithHandler(name string, handler Handler) RegistryOption {
	return func(b *registryBuilder) {
		if err := b.addHandler(name, handler); err != nil {
			b.errors = append(b.errors, err)
		}
	}
}

// WithMiddleware adds middleware to the registry.
// Middleware executes in FIFO order (first added wraps first).
func WithMiddleware(mw ...Middleware) RegistryOption {
	return func(b *registryBuilder) {
		b.middleware = append(b.middleware, mw...)
	}
}

// WithBundle registers every handler of a bundle.
func WithBundle(bundle Bundle) RegistryOption {
	return func(b *registryBuilder) {
		handlers := bundle.Handlers()
		names := make([]string, 0, len(handlers))
		for name := range handlers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := b.addHandler(name, handlers[name]); err != nil {
				b.errors = append(b.errors, err)
			}
		}
	}
}
