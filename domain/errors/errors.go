// Package errors provides the error types surfaced by sandboxes.
// All error types support error unwrapping via errors.As() and errors.Is().
package errors

import (
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/reglet-dev/plugos/domain/entities"
	"github.com/reglet-dev/plugos/protocol"
)

// ErrStopped is returned by operations on a sandbox that has been
// stopped, and by invocations abandoned because of Stop.
var ErrStopped = stdErrors.New("sandbox stopped")

// DetailedError is an interface for custom error types that can convert themselves
// to a structured ErrorDetail.
type DetailedError interface {
	error
	ToErrorDetail() *entities.ErrorDetail
}

// ToErrorDetail converts a Go error to our structured ErrorDetail.
func ToErrorDetail(err error) *entities.ErrorDetail {
	if err == nil {
		return nil
	}

	var e *entities.ErrorDetail
	if stdErrors.As(err, &e) {
		return e
	}

	var de DetailedError
	if stdErrors.As(err, &de) {
		return de.ToErrorDetail()
	}

	if stdErrors.Is(err, ErrStopped) {
		return &entities.ErrorDetail{Message: err.Error(), Type: "stopped"}
	}

	return &entities.ErrorDetail{
		Message: err.Error(),
		Type:    "internal",
	}
}

// InvocationError is a failed invoke as reported by the plugin.
type InvocationError struct {
	Remote   *protocol.RemoteError
	Function string
}

func (e *InvocationError) Error() string {
	return e.Remote.Error()
}

func (e *InvocationError) Unwrap() error {
	return e.Remote
}

// ToErrorDetail implements DetailedError.
func (e *InvocationError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{
		Message: e.Remote.Message,
		Type:    "invocation",
		Code:    e.Function,
		Stack:   e.Remote.Stack,
	}
}

// ProtocolError describes a message that broke the protocol. Sandboxes
// log these and carry on.
type ProtocolError struct {
	Err    error
	Reason string
	Type   protocol.Type
	ID     uint64
}

// Protocol violation reasons.
const (
	ReasonUnknownType       = "unknown_type"
	ReasonMalformed         = "malformed"
	ReasonDuplicateManifest = "duplicate_manifest"
	ReasonUnknownID         = "unknown_id"
	ReasonWrongDirection    = "wrong_direction"
)

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol violation (%s)", e.Reason)
	if e.Type != "" {
		msg += fmt.Sprintf(" on %q", e.Type)
	}
	if e.ID != 0 {
		msg += fmt.Sprintf(" id=%d", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ProtocolError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "protocol", Code: e.Reason}
}

// ExitError reports that the isolated execution context ended on its own.
type ExitError struct {
	Err error
	// Stderr holds the tail of the context's diagnostic output, if captured.
	Stderr string
}

func (e *ExitError) Error() string {
	msg := "plugin exited"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ToErrorDetail implements DetailedError.
func (e *ExitError) ToErrorDetail() *entities.ErrorDetail {
	detail := &entities.ErrorDetail{Message: e.Error(), Type: "exit"}
	if e.Stderr != "" {
		detail.Details = map[string]any{"stderr": e.Stderr}
	}
	return detail
}

// TimeoutError represents a timeout during an operation.
type TimeoutError struct {
	Operation string
	Target    string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s timeout after %v (target: %s)", e.Operation, e.Duration, e.Target)
	}
	return fmt.Sprintf("%s timeout after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// ToErrorDetail implements DetailedError.
func (e *TimeoutError) ToErrorDetail() *entities.ErrorDetail {
	return &entities.ErrorDetail{Message: e.Error(), Type: "timeout", Code: e.Operation, IsTimeout: true}
}
