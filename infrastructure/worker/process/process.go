// Package process runs plugins as child processes that speak the message
// protocol over their standard input and output.
//
// Standard error is captured into a bounded buffer and attached to the
// exit error when the process dies on its own.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/reglet-dev/plugos/domain/entities"
	domainerrors "github.com/reglet-dev/plugos/domain/errors"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/hostfuncs"
	"github.com/reglet-dev/plugos/protocol"
)

// Option configures a Spawner.
type Option func(*Spawner)

// WithStderrLimit bounds how much of the child's stderr is kept.
func WithStderrLimit(n int) Option {
	return func(s *Spawner) {
		if n > 0 {
			s.stderrLimit = n
		}
	}
}

// WithLogger sets the logger for process lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spawner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInheritEnv controls whether children inherit the host environment.
// Enabled by default.
func WithInheritEnv(inherit bool) Option {
	return func(s *Spawner) {
		s.inheritEnv = inherit
	}
}

// Spawner starts exec://<path> plugins.
//
// Recognised LoaderRef options:
//
//	args  list of strings passed as arguments
//	env   map of extra environment variables
//	dir   working directory
type Spawner struct {
	logger      *slog.Logger
	stderrLimit int
	inheritEnv  bool
}

// NewSpawner creates a Spawner.
func NewSpawner(opts ...Option) *Spawner {
	s := &Spawner{
		logger:      slog.Default(),
		stderrLimit: hostfuncs.DefaultStderrLimit,
		inheritEnv:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn implements ports.Spawner. The child's lifetime is bounded by
// Terminate, not by ctx.
func (s *Spawner) Spawn(_ context.Context, ref entities.LoaderRef) (ports.Worker, error) {
	path := ref.Location()
	if path == "" {
		return nil, fmt.Errorf("missing executable path in %s", ref)
	}
	args, err := ref.StringsOption("args")
	if err != nil {
		return nil, err
	}
	env, err := ref.StringMapOption("env")
	if err != nil {
		return nil, err
	}

	//nolint:gosec // G204: running the plugin executable is the purpose of this function
	cmd := exec.Command(path, args...)
	cmd.Dir = ref.StringOption("dir", "")
	if s.inheritEnv {
		cmd.Env = append(os.Environ(), env...)
	} else {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr := hostfuncs.NewBoundedBuffer(s.stderrLimit)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}
	s.logger.Debug("plugin process started", "path", path, "pid", cmd.Process.Pid)

	return &worker{
		cmd:    cmd,
		stream: protocol.NewStream(stdout, stdin),
		stdin:  stdin,
		stderr: stderr,
		reaped: make(chan struct{}),
		logger: s.logger.With("path", path, "pid", cmd.Process.Pid),
	}, nil
}

type worker struct {
	cmd    *exec.Cmd
	stream *protocol.Stream
	stdin  io.WriteCloser
	stderr *hostfuncs.BoundedBuffer
	logger *slog.Logger

	reaped     chan struct{}
	exitErr    error
	waitOnce   sync.Once
	mu         sync.Mutex
	terminated bool
}

// Done is closed once the child has been waited for.
func (w *worker) Done() <-chan struct{} {
	return w.reaped
}

// Post implements protocol.Port.
func (w *worker) Post(msg protocol.Message) error {
	return w.stream.Post(msg)
}

// Receive implements protocol.Port. Once stdout ends it reaps the child
// and reports how it ended.
func (w *worker) Receive() (protocol.Message, error) {
	msg, err := w.stream.Receive()
	if err == nil || protocol.IsRecoverable(err) {
		return msg, err
	}
	return nil, w.wait(err)
}

func (w *worker) wait(readErr error) error {
	w.waitOnce.Do(func() {
		defer close(w.reaped)
		waitErr := w.cmd.Wait()

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.terminated {
			w.exitErr = io.EOF
			return
		}

		cause := waitErr
		if cause == nil {
			cause = errors.New("exited with status 0")
			if !errors.Is(readErr, io.EOF) {
				cause = readErr
			}
		}
		w.exitErr = &domainerrors.ExitError{Err: cause, Stderr: w.stderr.String()}
		w.logger.Debug("plugin process exited", "error", cause)
	})
	return w.exitErr
}

// Terminate implements ports.Worker. The child is reaped in the
// background whether or not anyone keeps reading its stdout.
func (w *worker) Terminate() error {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return nil
	}
	w.terminated = true
	w.mu.Unlock()

	_ = w.stdin.Close()
	err := w.cmd.Process.Kill()
	go func() { _ = w.wait(io.EOF) }()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill plugin process: %w", err)
	}
	return nil
}
