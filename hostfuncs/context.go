package hostfuncs

import (
	"context"
	"sync"
)

// HostContext wraps a standard context.Context with syscall-specific helpers.
// It exposes the invoked syscall name and lets middleware store
// request-scoped values without polluting the standard context.
type HostContext interface {
	context.Context

	// FunctionName returns the name of the syscall being invoked.
	FunctionName() string

	// SetValue stores a request-scoped value. Unlike context.WithValue,
	// this mutates the existing HostContext.
	SetValue(key, value any)

	// GetValue retrieves a request-scoped value set by SetValue.
	GetValue(key any) (value any, ok bool)
}

type hostContextKey struct{}

// hostContext is the concrete implementation of HostContext.
type hostContext struct {
	context.Context
	values   map[any]any
	funcName string
	mu       sync.Mutex
}

// NewHostContext creates a new HostContext wrapping the given context.
func NewHostContext(ctx context.Context, funcName string) HostContext {
	return &hostContext{
		Context:  ctx,
		funcName: funcName,
		values:   make(map[any]any),
	}
}

// FunctionName returns the name of the syscall being invoked.
func (c *hostContext) FunctionName() string {
	return c.funcName
}

// SetValue stores a request-scoped value.
func (c *hostContext) SetValue(key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// GetValue retrieves a request-scoped value.
func (c *hostContext) GetValue(key any) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Value makes the HostContext reachable from derived contexts.
func (c *hostContext) Value(key any) any {
	if _, ok := key.(hostContextKey); ok {
		return c
	}
	return c.Context.Value(key)
}

// HostContextFrom returns the HostContext carried by ctx, or wraps ctx
// in a new one for funcName.
func HostContextFrom(ctx context.Context, funcName string) HostContext {
	if hc, ok := FromContext(ctx); ok {
		return hc
	}
	return NewHostContext(ctx, funcName)
}

// FromContext finds the HostContext in ctx or any context derived from it.
func FromContext(ctx context.Context) (HostContext, bool) {
	if hc, ok := ctx.(HostContext); ok {
		return hc, true
	}
	hc, ok := ctx.Value(hostContextKey{}).(HostContext)
	return hc, ok
}

// SyscallName returns the syscall name carried by ctx, or "unknown".
func SyscallName(ctx context.Context) string {
	if hc, ok := FromContext(ctx); ok {
		return hc.FunctionName()
	}
	return "unknown"
}
