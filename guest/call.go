package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reglet-dev/plugos/domain/entities"
	plugoslog "github.com/reglet-dev/plugos/log"
	"github.com/reglet-dev/plugos/protocol"
)

// Call is one invocation of a plugin function.
type Call struct {
	ctx     context.Context
	session *session

	// Name is the invoked function's name.
	Name string
	// Args are the invocation arguments in order.
	Args []protocol.Value
}

// Context returns the invocation's context. It is cancelled when the
// plugin is shutting down.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Syscall asks the host to run a syscall and waits for its result.
// A host-side failure is returned as a *protocol.RemoteError.
func (c *Call) Syscall(name string, args ...protocol.Value) (protocol.Value, error) {
	return c.session.syscall(c.ctx, name, args)
}

// Log sends a log message to the host.
func (c *Call) Log(level entities.LogLevel, msg string) {
	_ = c.session.port.Post(&protocol.Log{Level: string(level), Message: msg})
}

// Logf formats and sends a log message to the host.
func (c *Call) Logf(level entities.LogLevel, format string, args ...any) {
	c.Log(level, fmt.Sprintf(format, args...))
}

// Logger returns a slog.Logger whose records are sent to the host.
func (c *Call) Logger() *slog.Logger {
	return slog.New(plugoslog.NewHandler(c.session.port, plugoslog.WithLevel(slog.LevelDebug)))
}

// ArgError reports a missing or mistyped argument.
type ArgError struct {
	Err   error
	Index int
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("argument %d: %v", e.Index, e.Err)
}

func (e *ArgError) Unwrap() error {
	return e.Err
}

// Arg returns the i-th argument, or null when there are fewer arguments.
func (c *Call) Arg(i int) protocol.Value {
	if i < 0 || i >= len(c.Args) {
		return protocol.Null()
	}
	return c.Args[i]
}

// StringArg returns the i-th argument as a string.
func (c *Call) StringArg(i int) (string, error) {
	arg := c.Arg(i)
	s, ok := arg.AsString()
	if !ok {
		return "", c.argError(i, "string", arg)
	}
	return s, nil
}

// NumberArg returns the i-th argument as a number.
func (c *Call) NumberArg(i int) (float64, error) {
	arg := c.Arg(i)
	n, ok := arg.AsNumber()
	if !ok {
		return 0, c.argError(i, "number", arg)
	}
	return n, nil
}

// IntArg returns the i-th argument as an int. Fractional numbers are rejected.
func (c *Call) IntArg(i int) (int, error) {
	n, err := c.NumberArg(i)
	if err != nil {
		return 0, err
	}
	if n != float64(int(n)) {
		return 0, &ArgError{Index: i, Err: fmt.Errorf("expected integer, got %v", n)}
	}
	return int(n), nil
}

// BoolArg returns the i-th argument as a bool.
func (c *Call) BoolArg(i int) (bool, error) {
	arg := c.Arg(i)
	b, ok := arg.AsBool()
	if !ok {
		return false, c.argError(i, "bool", arg)
	}
	return b, nil
}

// StringArgDefault returns the i-th argument as a string, or def when it
// is absent or not a string.
func (c *Call) StringArgDefault(i int, def string) string {
	s, err := c.StringArg(i)
	if err != nil {
		return def
	}
	return s
}

// DecodeArg decodes the i-th argument into out through its JSON form.
func (c *Call) DecodeArg(i int, out any) error {
	if i >= len(c.Args) {
		return &ArgError{Index: i, Err: errors.New("missing")}
	}
	data, err := json.Marshal(c.Args[i])
	if err != nil {
		return &ArgError{Index: i, Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ArgError{Index: i, Err: err}
	}
	return nil
}

func (c *Call) argError(i int, want string, got protocol.Value) error {
	if i >= len(c.Args) {
		return &ArgError{Index: i, Err: fmt.Errorf("missing %s", want)}
	}
	return &ArgError{Index: i, Err: fmt.Errorf("expected %s, got %s", want, got.Kind())}
}
