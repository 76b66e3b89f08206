package protocol

import "fmt"

// Type is the wire tag of a Message.
type Type string

// Message types.
const (
	TypeManifest      Type = "manifest"
	TypeInvoke        Type = "inv"
	TypeInvokeResult  Type = "invr"
	TypeSyscall       Type = "sys"
	TypeSyscallResult Type = "sysr"
	TypeLog           Type = "log"
)

// Direction tells which side of the channel sends a message type.
type Direction int

const (
	// ToHost messages are sent by the isolated context.
	ToHost Direction = iota
	// ToContext messages are sent by the host.
	ToContext
)

func (d Direction) String() string {
	if d == ToContext {
		return "host->context"
	}
	return "context->host"
}

// Message is one of *Manifest, *Invoke, *InvokeResult, *Syscall,
// *SyscallResult or *Log. The set is closed: only this package
// can add variants.
type Message interface {
	Type() Type
	Direction() Direction
	isMessage()
}

// Manifest is sent once by the context, before anything else.
type Manifest struct {
	Manifest Value
}

// Invoke asks the context to run an exported function.
type Invoke struct {
	Name string
	Args []Value
	ID   uint64
}

// InvokeResult answers an Invoke with the same ID. Error is nil on success.
type InvokeResult struct {
	Error  *RemoteError
	Result Value
	ID     uint64
}

// Syscall asks the host for a service.
type Syscall struct {
	Name string
	Args []Value
	ID   uint64
}

// SyscallResult answers a Syscall with the same ID. Error is nil on success.
type SyscallResult struct {
	Error  *RemoteError
	Result Value
	ID     uint64
}

// Log is an advisory diagnostic from the context. It is never answered.
type Log struct {
	Level   string
	Message string
}

func (*Manifest) Type() Type      { return TypeManifest }
func (*Invoke) Type() Type        { return TypeInvoke }
func (*InvokeResult) Type() Type  { return TypeInvokeResult }
func (*Syscall) Type() Type       { return TypeSyscall }
func (*SyscallResult) Type() Type { return TypeSyscallResult }
func (*Log) Type() Type           { return TypeLog }

func (*Manifest) Direction() Direction      { return ToHost }
func (*Invoke) Direction() Direction        { return ToContext }
func (*InvokeResult) Direction() Direction  { return ToHost }
func (*Syscall) Direction() Direction       { return ToHost }
func (*SyscallResult) Direction() Direction { return ToContext }
func (*Log) Direction() Direction           { return ToHost }

func (*Manifest) isMessage()      {}
func (*Invoke) isMessage()        {}
func (*InvokeResult) isMessage()  {}
func (*Syscall) isMessage()       {}
func (*SyscallResult) isMessage() {}
func (*Log) isMessage()           {}

// RemoteError is a failure reported by the other side of the channel.
type RemoteError struct {
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("%s\nStack trace: %s", e.Message, e.Stack)
	}
	return e.Message
}

// NewRemoteError builds a RemoteError from err. A nil err yields nil.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RemoteError); ok {
		return re
	}
	return &RemoteError{Message: err.Error()}
}

// Clone returns a deep copy of msg so that the two ends of an
// in-process channel never share mutable state.
func Clone(msg Message) Message {
	switch m := msg.(type) {
	case *Manifest:
		return &Manifest{Manifest: m.Manifest.Clone()}
	case *Invoke:
		return &Invoke{ID: m.ID, Name: m.Name, Args: cloneArgs(m.Args)}
	case *InvokeResult:
		return &InvokeResult{ID: m.ID, Result: m.Result.Clone(), Error: cloneError(m.Error)}
	case *Syscall:
		return &Syscall{ID: m.ID, Name: m.Name, Args: cloneArgs(m.Args)}
	case *SyscallResult:
		return &SyscallResult{ID: m.ID, Result: m.Result.Clone(), Error: cloneError(m.Error)}
	case *Log:
		c := *m
		return &c
	}
	return msg
}

func cloneArgs(args []Value) []Value {
	if args == nil {
		return nil
	}
	out := make([]Value, len(args))
	for i, a := range args {
		out[i] = a.Clone()
	}
	return out
}

func cloneError(e *RemoteError) *RemoteError {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
