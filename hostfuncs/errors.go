package hostfuncs

import "fmt"

// SyscallError is a structured syscall failure. Its Error() text is what
// the plugin receives in the sysr message.
type SyscallError struct {
	// Kind is a machine-readable error type identifier (e.g. "NOT_FOUND").
	Kind string `json:"error"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Code is a numeric error code (e.g. 400, 500).
	Code int `json:"code"`
}

func (e *SyscallError) Error() string {
	return e.Message
}

// NewValidationError creates an error for bad syscall arguments.
func NewValidationError(message string) *SyscallError {
	return &SyscallError{
		Kind:    "VALIDATION_ERROR",
		Message: message,
		Code:    400,
	}
}

// NewNotFoundError creates an error for unknown syscall names.
func NewNotFoundError(name string) *SyscallError {
	return &SyscallError{
		Kind:    "NOT_FOUND",
		Message: "unknown syscall: " + name,
		Code:    404,
	}
}

// NewInternalError creates an error for unexpected failures.
func NewInternalError(message string) *SyscallError {
	return &SyscallError{
		Kind:    "INTERNAL_ERROR",
		Message: message,
		Code:    500,
	}
}

// NewPanicError creates an error for recovered panics.
func NewPanicError(panicValue any) *SyscallError {
	var msg string
	switch v := panicValue.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%v", v)
	}
	return &SyscallError{
		Kind:    "INTERNAL_ERROR",
		Message: "panic: " + msg,
		Code:    500,
	}
}
