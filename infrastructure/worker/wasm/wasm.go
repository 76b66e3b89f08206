// Package wasm runs WASI command modules as plugins using wazero.
//
// The module's stdin and stdout carry the message stream, so a plugin
// built with GOOS=wasip1 around guest.Main works unchanged. Each worker
// gets its own runtime; compiled code is shared through a compilation
// cache owned by the Spawner.
package wasm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/reglet-dev/plugos/domain/entities"
	domainerrors "github.com/reglet-dev/plugos/domain/errors"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/hostfuncs"
	"github.com/reglet-dev/plugos/protocol"
)

// Option configures a Spawner.
type Option func(*Spawner)

// WithStderrLimit bounds how much of the module's stderr is kept.
func WithStderrLimit(n int) Option {
	return func(s *Spawner) {
		if n > 0 {
			s.stderrLimit = n
		}
	}
}

// WithLogger sets the logger for module lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spawner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMemoryLimitPages caps each module's linear memory, in 64KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(s *Spawner) {
		s.memoryLimitPages = pages
	}
}

// Spawner starts wasm://<path> plugins.
//
// Recognised LoaderRef options:
//
//	args  list of strings passed as argv[1:]
//	env   map of environment variables
type Spawner struct {
	cache            wazero.CompilationCache
	logger           *slog.Logger
	stderrLimit      int
	memoryLimitPages uint32
}

// NewSpawner creates a Spawner. Call Close to release the compilation cache.
func NewSpawner(opts ...Option) *Spawner {
	s := &Spawner{
		cache:       wazero.NewCompilationCache(),
		logger:      slog.Default(),
		stderrLimit: hostfuncs.DefaultStderrLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the compilation cache.
func (s *Spawner) Close(ctx context.Context) error {
	return s.cache.Close(ctx)
}

// Spawn implements ports.Spawner.
func (s *Spawner) Spawn(ctx context.Context, ref entities.LoaderRef) (ports.Worker, error) {
	path := ref.Location()
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	return s.Instantiate(ctx, ref, wasmBytes)
}

// Instantiate compiles wasmBytes and starts the module. ref supplies the
// module name and options.
func (s *Spawner) Instantiate(ctx context.Context, ref entities.LoaderRef, wasmBytes []byte) (ports.Worker, error) {
	args, err := ref.StringsOption("args")
	if err != nil {
		return nil, err
	}
	env, err := ref.StringMapOption("env")
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(s.cache)
	if s.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(s.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(runCtx, rtConfig)

	fail := func(err error) (ports.Worker, error) {
		_ = rt.Close(runCtx)
		cancel()
		return nil, err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, rt); err != nil {
		return fail(fmt.Errorf("failed to instantiate WASI: %w", err))
	}
	compiled, err := rt.CompileModule(runCtx, wasmBytes)
	if err != nil {
		return fail(fmt.Errorf("failed to compile module: %w", err))
	}

	name := moduleName(ref)
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderr := hostfuncs.NewBoundedBuffer(s.stderrLimit)

	modConfig := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(append([]string{name}, args...)...).
		WithStdin(stdinR).
		WithStdout(stdoutW).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		modConfig = modConfig.WithEnv(k, v)
	}

	w := &worker{
		stream:  protocol.NewStream(stdoutR, stdinW),
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stderr:  stderr,
		cancel:  cancel,
		exited:  make(chan struct{}),
		logger:  s.logger.With("module", name),
	}
	go w.run(runCtx, rt, compiled, modConfig, stdoutW)
	return w, nil
}

func moduleName(ref entities.LoaderRef) string {
	base := filepath.Base(ref.Location())
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type worker struct {
	stream  *protocol.Stream
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stderr  *hostfuncs.BoundedBuffer
	cancel  context.CancelFunc
	exited  chan struct{}
	logger  *slog.Logger

	mu         sync.Mutex
	exitErr    error
	terminated bool
}

// run executes _start until the module returns, traps or is closed.
func (w *worker) run(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, cfg wazero.ModuleConfig, stdoutW *io.PipeWriter) {
	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}

	var exit *sys.ExitError
	switch {
	case err == nil:
		err = errors.New("module exited")
	case errors.As(err, &exit) && exit.ExitCode() == 0:
		err = errors.New("module exited")
	case errors.As(err, &exit):
		err = fmt.Errorf("module exited with code %d", exit.ExitCode())
	}

	w.mu.Lock()
	w.exitErr = &domainerrors.ExitError{Err: err, Stderr: w.stderr.String()}
	w.mu.Unlock()
	w.logger.Debug("module stopped", "error", err)

	_ = stdoutW.Close()
	close(w.exited)
	_ = rt.Close(context.Background())
}

// Post implements protocol.Port.
func (w *worker) Post(msg protocol.Message) error {
	return w.stream.Post(msg)
}

// Receive implements protocol.Port. Once stdout ends it waits for the
// module to finish and reports how it ended.
func (w *worker) Receive() (protocol.Message, error) {
	msg, err := w.stream.Receive()
	if err == nil || protocol.IsRecoverable(err) {
		return msg, err
	}

	<-w.exited
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminated {
		return nil, io.EOF
	}
	return nil, w.exitErr
}

// Terminate implements ports.Worker. The module's context is cancelled,
// which closes it even mid-instruction.
func (w *worker) Terminate() error {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return nil
	}
	w.terminated = true
	w.mu.Unlock()

	w.cancel()
	_ = w.stdinW.Close()
	_ = w.stdoutR.Close()
	return nil
}
