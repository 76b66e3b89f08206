package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"

	"github.com/reglet-dev/plugos/protocol"
)

// Serve runs p over port. It posts the manifest, then answers every
// invocation until the port closes or ctx ends. Invocations run
// concurrently, each on its own goroutine.
//
// Serve returns nil when the port reports io.EOF and ctx.Err() when the
// context ends first.
func Serve(ctx context.Context, port protocol.Port, p *Plugin) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		port:    port,
		plugin:  p,
		waiting: make(map[uint64]chan *protocol.SyscallResult),
	}

	if err := port.Post(&protocol.Manifest{Manifest: p.ManifestValue()}); err != nil {
		return fmt.Errorf("failed to send manifest: %w", err)
	}

	type received struct {
		msg protocol.Message
		err error
	}
	inbox := make(chan received)
	go func() {
		for {
			msg, err := port.Receive()
			select {
			case inbox <- received{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !protocol.IsRecoverable(err) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-inbox:
			if r.err != nil {
				if protocol.IsRecoverable(r.err) {
					s.warn("ignoring message: " + r.err.Error())
					continue
				}
				if errors.Is(r.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("failed to receive: %w", r.err)
			}
			s.dispatch(ctx, r.msg)
		}
	}
}

// Main serves p over stdin and stdout and exits the process when the
// host closes the stream.
func Main(p *Plugin) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := Serve(ctx, protocol.NewStream(os.Stdin, os.Stdout), p)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session holds the state of one Serve call.
type session struct {
	port    protocol.Port
	plugin  *Plugin
	waiting map[uint64]chan *protocol.SyscallResult
	nextID  uint64
	mu      sync.Mutex
}

func (s *session) dispatch(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Invoke:
		go s.invoke(ctx, m)
	case *protocol.SyscallResult:
		s.deliver(m)
	default:
		s.warn(fmt.Sprintf("ignoring unexpected %q message", msg.Type()))
	}
}

func (s *session) invoke(ctx context.Context, inv *protocol.Invoke) {
	result, err := s.run(ctx, inv)
	reply := &protocol.InvokeResult{ID: inv.ID, Result: result}
	if err != nil {
		reply = &protocol.InvokeResult{ID: inv.ID, Result: protocol.Null(), Error: protocol.NewRemoteError(err)}
	}
	// A failed post means the host is gone; Serve will see it on Receive.
	_ = s.port.Post(reply)
}

func (s *session) run(ctx context.Context, inv *protocol.Invoke) (result protocol.Value, err error) {
	fn, ok := s.plugin.Functions[inv.Name]
	if !ok {
		return protocol.Null(), fmt.Errorf("function not found: %s", inv.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			result = protocol.Null()
			err = &protocol.RemoteError{
				Message: fmt.Sprintf("panic in %s: %v", inv.Name, r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	return fn(&Call{ctx: ctx, session: s, Name: inv.Name, Args: inv.Args})
}

func (s *session) syscall(ctx context.Context, name string, args []protocol.Value) (protocol.Value, error) {
	if args == nil {
		args = []protocol.Value{}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan *protocol.SyscallResult, 1)
	s.waiting[id] = ch
	s.mu.Unlock()

	if err := s.port.Post(&protocol.Syscall{ID: id, Name: name, Args: args}); err != nil {
		s.forget(id)
		return protocol.Null(), fmt.Errorf("failed to send syscall %s: %w", name, err)
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return protocol.Null(), res.Error
		}
		return res.Result, nil
	case <-ctx.Done():
		s.forget(id)
		return protocol.Null(), ctx.Err()
	}
}

// deliver hands a sysr to its waiter. Results for unknown or already
// answered ids are dropped.
func (s *session) deliver(res *protocol.SyscallResult) {
	s.mu.Lock()
	ch, ok := s.waiting[res.ID]
	delete(s.waiting, res.ID)
	s.mu.Unlock()

	if ok {
		ch <- res
	}
}

func (s *session) forget(id uint64) {
	s.mu.Lock()
	delete(s.waiting, id)
	s.mu.Unlock()
}

func (s *session) warn(msg string) {
	_ = s.port.Post(&protocol.Log{Level: "warn", Message: msg})
}
