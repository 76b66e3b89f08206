// Package hostfuncs provides a registry of host syscalls that plugins can call.
//
// A HandlerRegistry maps syscall names to Handlers, wraps every handler in a
// middleware chain, and implements ports.SyscallHandler so it can be handed
// straight to a sandbox:
//
//	registry, err := hostfuncs.NewRegistry(
//	    hostfuncs.WithMiddleware(hostfuncs.PanicRecoveryMiddleware()),
//	    hostfuncs.WithBundle(hostfuncs.CoreBundle()),
//	    hostfuncs.WithHandler("space.readPage", readPage),
//	)
//
// Handlers have no knowledge of the execution context the call came from.
package hostfuncs
