package protocol

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: map keys are sorted, so
// the same message always produces identical bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any. Unknown envelope
// fields are ignored so a slightly newer peer stays readable.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the flat wire record every message is encoded as.
type envelope struct {
	Result   *Value  `cbor:"result,omitempty" json:"result,omitempty"`
	Error    *string `cbor:"error,omitempty" json:"error,omitempty" jsonschema:"description=Present only on failed invr/sysr"`
	Manifest *Value  `cbor:"manifest,omitempty" json:"manifest,omitempty"`
	Type     Type    `cbor:"type" json:"type" jsonschema:"enum=manifest,enum=inv,enum=invr,enum=sys,enum=sysr,enum=log"`
	Name     string  `cbor:"name,omitempty" json:"name,omitempty"`
	Stack    string  `cbor:"stack,omitempty" json:"stack,omitempty"`
	Level    string  `cbor:"level,omitempty" json:"level,omitempty"`
	Message  string  `cbor:"message,omitempty" json:"message,omitempty"`
	Args     []Value `cbor:"args,omitempty" json:"args,omitempty"`
	ID       uint64  `cbor:"id,omitempty" json:"id,omitempty"`
}

// UnknownTypeError reports an envelope whose type tag is not part of
// the protocol. The offending item has been consumed in full.
type UnknownTypeError struct {
	Tag Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Tag)
}

// MalformedError reports an item that is valid CBOR but not a valid
// envelope. The offending item has been consumed in full.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether a decode error concerned a single
// message only, leaving the stream positioned at the next message.
func IsRecoverable(err error) bool {
	var ut *UnknownTypeError
	var me *MalformedError
	return errors.As(err, &ut) || errors.As(err, &me)
}

func toEnvelope(msg Message) (envelope, error) {
	switch m := msg.(type) {
	case *Manifest:
		v := m.Manifest
		return envelope{Type: TypeManifest, Manifest: &v}, nil
	case *Invoke:
		return envelope{Type: TypeInvoke, ID: m.ID, Name: m.Name, Args: m.Args}, nil
	case *InvokeResult:
		env := envelope{Type: TypeInvokeResult, ID: m.ID}
		setOutcome(&env, m.Result, m.Error)
		return env, nil
	case *Syscall:
		return envelope{Type: TypeSyscall, ID: m.ID, Name: m.Name, Args: m.Args}, nil
	case *SyscallResult:
		env := envelope{Type: TypeSyscallResult, ID: m.ID}
		setOutcome(&env, m.Result, m.Error)
		return env, nil
	case *Log:
		return envelope{Type: TypeLog, Level: m.Level, Message: m.Message}, nil
	case nil:
		return envelope{}, errors.New("nil message")
	}
	return envelope{}, fmt.Errorf("unsupported message %T", msg)
}

func setOutcome(env *envelope, result Value, rerr *RemoteError) {
	if rerr != nil {
		msg := rerr.Message
		env.Error = &msg
		env.Stack = rerr.Stack
		return
	}
	env.Result = &result
}

func fromEnvelope(env envelope) (Message, error) {
	switch env.Type {
	case TypeManifest:
		return &Manifest{Manifest: deref(env.Manifest)}, nil
	case TypeInvoke:
		return &Invoke{ID: env.ID, Name: env.Name, Args: env.Args}, nil
	case TypeInvokeResult:
		return &InvokeResult{ID: env.ID, Result: deref(env.Result), Error: outcomeError(env)}, nil
	case TypeSyscall:
		return &Syscall{ID: env.ID, Name: env.Name, Args: env.Args}, nil
	case TypeSyscallResult:
		return &SyscallResult{ID: env.ID, Result: deref(env.Result), Error: outcomeError(env)}, nil
	case TypeLog:
		return &Log{Level: env.Level, Message: env.Message}, nil
	}
	return nil, &UnknownTypeError{Tag: env.Type}
}

func outcomeError(env envelope) *RemoteError {
	if env.Error == nil {
		return nil
	}
	return &RemoteError{Message: *env.Error, Stack: env.Stack}
}

func deref(v *Value) Value {
	if v == nil {
		return Null()
	}
	return *v
}

// Marshal encodes msg as a single CBOR item.
func Marshal(msg Message) ([]byte, error) {
	env, err := toEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(env)
}

// header is the part of an envelope needed to route it.
type header struct {
	Type Type   `cbor:"type"`
	ID   uint64 `cbor:"id,omitempty"`
}

// Unmarshal decodes a single CBOR item produced by Marshal. A result
// envelope whose payload cannot be decoded still yields its result
// message, carrying the decode failure as the remote error, so the
// waiting call is settled.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return unroutable(data, err)
	}
	return fromEnvelope(env)
}

func unroutable(data []byte, cause error) (Message, error) {
	var h header
	if err := decMode.Unmarshal(data, &h); err != nil || h.ID == 0 {
		return nil, &MalformedError{Err: cause}
	}
	rerr := &RemoteError{Message: fmt.Sprintf("malformed %s payload: %v", h.Type, cause)}
	switch h.Type {
	case TypeInvokeResult:
		return &InvokeResult{ID: h.ID, Result: Null(), Error: rerr}, nil
	case TypeSyscallResult:
		return &SyscallResult{ID: h.ID, Result: Null(), Error: rerr}, nil
	}
	return nil, &MalformedError{Err: cause}
}

// Encoder writes messages to a byte stream.
type Encoder struct {
	enc *cbor.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: encMode.NewEncoder(w)}
}

// Encode writes msg. It is not safe for concurrent use.
func (e *Encoder) Encode(msg Message) error {
	env, err := toEnvelope(msg)
	if err != nil {
		return err
	}
	return e.enc.Encode(env)
}

// Decoder reads messages from a byte stream.
type Decoder struct {
	dec *cbor.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: decMode.NewDecoder(r)}
}

// Decode reads the next message. Errors for which IsRecoverable
// returns true leave the decoder usable; any other error (including
// io.EOF) ends the stream.
func (d *Decoder) Decode() (Message, error) {
	var raw cbor.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}

// Port is one end of a message channel.
type Port interface {
	// Post sends msg. Implementations are safe for concurrent use.
	Post(msg Message) error
	// Receive blocks for the next inbound message. It has a single
	// caller. After the channel ends it returns a non-recoverable error.
	Receive() (Message, error)
}

// Stream is a Port over a byte stream pair, e.g. a child process's
// stdio or a WASI module's stdin/stdout.
type Stream struct {
	enc *Encoder
	dec *Decoder
	wmu sync.Mutex
}

// NewStream returns a Stream reading from r and writing to w.
func NewStream(r io.Reader, w io.Writer) *Stream {
	return &Stream{enc: NewEncoder(w), dec: NewDecoder(r)}
}

// Post implements Port.
func (s *Stream) Post(msg Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.enc.Encode(msg)
}

// Receive implements Port.
func (s *Stream) Receive() (Message, error) {
	return s.dec.Decode()
}
