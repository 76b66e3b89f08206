package host_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/plugos/domain/entities"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/protocol"
)

const waitFor = 2 * time.Second

// fakeWorker is an in-memory execution context driven by the test.
type fakeWorker struct {
	inbox  chan protocol.Message
	errs   chan error
	posted chan protocol.Message
	done   chan struct{}

	mu         sync.Mutex
	exitErr    error
	terminated bool
	drained    bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		inbox:  make(chan protocol.Message, 64),
		errs:   make(chan error, 8),
		posted: make(chan protocol.Message, 64),
		done:   make(chan struct{}),
	}
}

func (w *fakeWorker) Post(msg protocol.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return io.ErrClosedPipe
	}
	w.posted <- protocol.Clone(msg)
	return nil
}

func (w *fakeWorker) Receive() (protocol.Message, error) {
	select {
	case msg := <-w.inbox:
		return msg, nil
	case err := <-w.errs:
		return nil, err
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		w.drained = true
		if w.exitErr != nil {
			return nil, w.exitErr
		}
		return nil, io.EOF
	}
}

func (w *fakeWorker) Terminate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.terminated {
		w.terminated = true
		close(w.done)
	}
	return nil
}

// emit delivers msg to the host as if the plugin had sent it.
func (w *fakeWorker) emit(msg protocol.Message) {
	w.inbox <- msg
}

// fail delivers a Receive error without ending the context.
func (w *fakeWorker) fail(err error) {
	w.errs <- err
}

// crash ends the context as if it died on its own.
func (w *fakeWorker) crash(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exitErr = err
	if !w.terminated {
		w.terminated = true
		close(w.done)
	}
}

func (w *fakeWorker) isTerminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

// reachedEnd reports whether the host read until the end of the stream.
func (w *fakeWorker) reachedEnd() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.drained
}

func (w *fakeWorker) expectPosted(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-w.posted:
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a message from the host")
		return nil
	}
}

func (w *fakeWorker) expectInvoke(t *testing.T) *protocol.Invoke {
	t.Helper()
	msg := w.expectPosted(t)
	inv, ok := msg.(*protocol.Invoke)
	require.True(t, ok, "expected inv, got %T", msg)
	return inv
}

func (w *fakeWorker) expectSyscallResult(t *testing.T) *protocol.SyscallResult {
	t.Helper()
	msg := w.expectPosted(t)
	res, ok := msg.(*protocol.SyscallResult)
	require.True(t, ok, "expected sysr, got %T", msg)
	return res
}

func (w *fakeWorker) expectNothingPosted(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-w.posted:
		t.Fatalf("unexpected message from the host: %#v", msg)
	case <-time.After(d):
	}
}

func spawnerFor(w *fakeWorker) ports.Spawner {
	return ports.SpawnerFunc(func(context.Context, entities.LoaderRef) (ports.Worker, error) {
		return w, nil
	})
}

// lockedBuffer is a bytes.Buffer safe for the sandbox's goroutines to
// log into while the test reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
