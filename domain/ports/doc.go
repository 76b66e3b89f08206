// Package ports defines the boundaries between the sandbox and its collaborators.
// The sandbox depends on these abstractions; workers, syscall registries and
// log sinks implement them.
package ports
