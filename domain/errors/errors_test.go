package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/plugos/protocol"
)

func TestInvocationError(t *testing.T) {
	remote := &protocol.RemoteError{Message: "division by zero", Stack: "at div (plug.js:3)"}
	err := &InvocationError{Function: "div", Remote: remote}

	assert.Equal(t, "division by zero\nStack trace: at div (plug.js:3)", err.Error())

	var re *protocol.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "division by zero", re.Message)

	detail := ToErrorDetail(fmt.Errorf("wrapped: %w", err))
	assert.Equal(t, "invocation", detail.Type)
	assert.Equal(t, "div", detail.Code)
	assert.Equal(t, "at div (plug.js:3)", detail.Stack)
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{Reason: ReasonUnknownID, Type: protocol.TypeInvokeResult, ID: 42}
	assert.Equal(t, `protocol violation (unknown_id) on "invr" id=42`, err.Error())
	assert.Equal(t, "protocol", ToErrorDetail(err).Type)
	assert.Equal(t, ReasonUnknownID, ToErrorDetail(err).Code)

	inner := errors.New("bad cbor")
	wrapped := &ProtocolError{Reason: ReasonMalformed, Err: inner}
	assert.True(t, errors.Is(wrapped, inner))
}

func TestExitError(t *testing.T) {
	cause := errors.New("exit status 2")
	err := &ExitError{Err: cause, Stderr: "panic: nil map"}

	assert.Equal(t, "plugin exited: exit status 2\npanic: nil map", err.Error())
	assert.True(t, errors.Is(err, cause))

	detail := ToErrorDetail(err)
	assert.Equal(t, "exit", detail.Type)
	assert.Equal(t, "panic: nil map", detail.Details["stderr"])
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Operation: "handshake", Target: "exec://plug", Duration: 2 * time.Second}
	assert.Equal(t, "handshake timeout after 2s (target: exec://plug)", err.Error())
	assert.True(t, err.Timeout())
	assert.True(t, ToErrorDetail(err).IsTimeout)
}

func TestToErrorDetail_Fallbacks(t *testing.T) {
	assert.Nil(t, ToErrorDetail(nil))
	assert.Equal(t, "stopped", ToErrorDetail(fmt.Errorf("invoke: %w", ErrStopped)).Type)
	assert.Equal(t, "internal", ToErrorDetail(errors.New("x")).Type)
}
