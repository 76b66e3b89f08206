// Package entities provides core domain entities for plugin hosting.
// These are plain data types shared by the host, the workers and the guest runtime.
package entities
