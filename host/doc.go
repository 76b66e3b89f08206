// Package host runs plugins in isolated execution contexts and talks to
// them over the message protocol.
//
// A Sandbox owns one context. It waits for the plugin's manifest, sends
// invocations and matches their results by id, answers the plugin's
// syscalls through a ports.SyscallHandler and keeps the most recent log
// messages. A Loader picks the worker implementation from the scheme of
// a loader reference (exec://, wasm://, js://, inproc://) and returns a
// started Sandbox.
package host
