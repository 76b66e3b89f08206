package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reglet-dev/plugos/domain/entities"
	domainerrors "github.com/reglet-dev/plugos/domain/errors"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/infrastructure/monitoring"
	plugoslog "github.com/reglet-dev/plugos/log"
	"github.com/reglet-dev/plugos/protocol"
)

// Sandbox is the host-side handle on one isolated execution context.
//
// Invocations made before the plugin has sent its manifest wait for it.
// Stop abandons every pending invocation with errors.ErrStopped; if the
// context ends on its own they fail with an *errors.ExitError instead.
type Sandbox struct {
	worker   ports.Worker
	syscalls ports.SyscallHandler
	logs     *LogBuffer
	metrics  *monitoring.Metrics
	logger   *slog.Logger
	sink     ports.LogSink
	now      func() time.Time

	// ctx is handed to syscall handlers and cancelled when the sandbox stops.
	ctx    context.Context
	cancel context.CancelFunc

	ready chan struct{}
	done  chan struct{}

	outstanding map[uint64]*pendingInvocation
	manifest    protocol.Value
	err         error
	ref         entities.LoaderRef
	id          string
	nextID      uint64
	state       entities.SandboxState
	mu          sync.Mutex
}

type pendingInvocation struct {
	result   chan invocationResult
	start    time.Time
	name     string
	canceled bool
}

type invocationResult struct {
	err   error
	value protocol.Value
}

// NewSandbox spawns an execution context for ref and starts talking to it.
// syscalls answers the plugin's syscalls; when nil every syscall fails.
// The returned sandbox is starting; use Ready to wait for the manifest.
func NewSandbox(ctx context.Context, spawner ports.Spawner, ref entities.LoaderRef, syscalls ports.SyscallHandler, opts ...Option) (*Sandbox, error) {
	cfg := defaultSandboxConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sink == nil {
		cfg.sink = plugoslog.NewSlogSink(cfg.logger)
	}
	if syscalls == nil {
		syscalls = ports.SyscallFunc(func(_ context.Context, name string, _ []protocol.Value) (protocol.Value, error) {
			return protocol.Null(), fmt.Errorf("unknown syscall: %s", name)
		})
	}

	worker, err := spawner.Spawn(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to start plugin %s: %w", ref, err)
	}

	s := &Sandbox{
		id:          uuid.NewString(),
		ref:         ref,
		worker:      worker,
		syscalls:    syscalls,
		logs:        NewLogBuffer(cfg.logBufferSize),
		metrics:     cfg.metrics,
		sink:        cfg.sink,
		now:         cfg.now,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		outstanding: make(map[uint64]*pendingInvocation),
		state:       entities.StateStarting,
	}
	s.logger = cfg.logger.With("sandbox", s.id, "plugin", ref.URL)
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.metrics.SandboxStarted()
	s.logger.Debug("sandbox started")

	go s.receiveLoop()
	if cfg.readyTimeout > 0 {
		go s.watchReady(cfg.readyTimeout)
	}
	return s, nil
}

// ID returns the sandbox's unique identifier.
func (s *Sandbox) ID() string {
	return s.id
}

// Ref returns the loader reference the sandbox was started from.
func (s *Sandbox) Ref() entities.LoaderRef {
	return s.ref
}

// State returns the current lifecycle state.
func (s *Sandbox) State() entities.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Manifest returns the plugin's manifest and whether it has arrived.
func (s *Sandbox) Manifest() (protocol.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == entities.StateStarting {
		return protocol.Null(), false
	}
	select {
	case <-s.ready:
		return s.manifest, true
	default:
		return protocol.Null(), false
	}
}

// Logs returns the retained plugin log entries, oldest first.
func (s *Sandbox) Logs() []entities.LogEntry {
	return s.logs.Entries()
}

// Done is closed once the sandbox has stopped, either through Stop or
// because the execution context ended.
func (s *Sandbox) Done() <-chan struct{} {
	return s.done
}

// Err returns why the sandbox stopped, or nil while it is running.
func (s *Sandbox) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ready blocks until the plugin's manifest has arrived. Once it has,
// Ready keeps returning nil, even after the sandbox stops.
func (s *Sandbox) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	default:
	}

	select {
	case <-s.ready:
		return nil
	case <-s.done:
		select {
		case <-s.ready:
			return nil
		default:
		}
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke calls an exported plugin function and waits for its result.
// A failure inside the plugin is returned as an *errors.InvocationError.
// When ctx ends first, Invoke returns ctx.Err() and the late result is
// discarded.
func (s *Sandbox) Invoke(ctx context.Context, name string, args ...protocol.Value) (protocol.Value, error) {
	if err := s.Ready(ctx); err != nil {
		return protocol.Null(), fmt.Errorf("invoke %s: %w", name, err)
	}
	if args == nil {
		args = []protocol.Value{}
	}

	s.mu.Lock()
	if s.state == entities.StateStopped {
		err := s.err
		s.mu.Unlock()
		return protocol.Null(), fmt.Errorf("invoke %s: %w", name, err)
	}
	s.nextID++
	id := s.nextID
	p := &pendingInvocation{
		name:   name,
		start:  time.Now(),
		result: make(chan invocationResult, 1),
	}
	s.outstanding[id] = p
	s.mu.Unlock()

	s.metrics.InvocationStarted()

	if err := s.worker.Post(&protocol.Invoke{ID: id, Name: name, Args: args}); err != nil {
		if s.forget(id) {
			s.metrics.InvocationFinished(name, monitoring.OutcomeError, time.Since(p.start))
			return protocol.Null(), fmt.Errorf("failed to send invocation %s: %w", name, err)
		}
		// Already settled by a concurrent stop.
	}

	select {
	case res := <-p.result:
		return res.value, res.err
	case <-ctx.Done():
		s.mu.Lock()
		_, pending := s.outstanding[id]
		if pending {
			p.canceled = true
		}
		s.mu.Unlock()
		if !pending {
			// A result or stop already claimed the entry and is delivering.
			res := <-p.result
			return res.value, res.err
		}
		s.metrics.InvocationFinished(name, monitoring.OutcomeCanceled, time.Since(p.start))
		return protocol.Null(), ctx.Err()
	}
}

// Stop terminates the execution context. Pending invocations fail with
// errors.ErrStopped and messages arriving afterwards are ignored.
// Calling Stop again has no effect.
func (s *Sandbox) Stop() error {
	if !s.shutdown(domainerrors.ErrStopped, false) {
		return nil
	}
	if err := s.worker.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate plugin %s: %w", s.ref, err)
	}
	return nil
}

// shutdown moves the sandbox to stopped and settles every pending
// invocation with cause. It reports whether this call did the transition.
func (s *Sandbox) shutdown(cause error, crashed bool) bool {
	s.mu.Lock()
	if s.state == entities.StateStopped {
		s.mu.Unlock()
		return false
	}
	s.state = entities.StateStopped
	s.err = cause
	pending := s.outstanding
	s.outstanding = make(map[uint64]*pendingInvocation)
	for _, p := range pending {
		if !p.canceled {
			s.metrics.InvocationFinished(p.name, monitoring.OutcomeAbandoned, time.Since(p.start))
		}
	}
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	s.metrics.SandboxStopped(crashed)

	for _, p := range pending {
		p.result <- invocationResult{value: protocol.Null(), err: cause}
	}
	return true
}

// forget removes an outstanding invocation, reporting whether it was there.
func (s *Sandbox) forget(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outstanding[id]; !ok {
		return false
	}
	delete(s.outstanding, id)
	return true
}

func (s *Sandbox) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == entities.StateStopped
}

func (s *Sandbox) receiveLoop() {
	for {
		msg, err := s.worker.Receive()
		if err != nil {
			if protocol.IsRecoverable(err) {
				s.violation(protocolErrorFrom(err))
				continue
			}
			s.exited(err)
			return
		}
		if s.stopped() {
			s.drain()
			return
		}
		s.dispatch(msg)
	}
}

// drain discards whatever the context still sends after Stop, until its
// stream ends and the worker has released it.
func (s *Sandbox) drain() {
	for {
		if _, err := s.worker.Receive(); err != nil && !protocol.IsRecoverable(err) {
			return
		}
	}
}

// exited handles the execution context ending without Stop.
func (s *Sandbox) exited(cause error) {
	var exitErr *domainerrors.ExitError
	if !errors.As(cause, &exitErr) {
		exitErr = &domainerrors.ExitError{Err: cause}
	}
	if !s.shutdown(exitErr, true) {
		return
	}
	s.logger.Error("plugin exited unexpectedly", "error", exitErr)
	_ = s.worker.Terminate()
}

func (s *Sandbox) watchReady(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ready:
	case <-s.done:
	case <-timer.C:
		err := &domainerrors.TimeoutError{Operation: "handshake", Target: s.ref.URL, Duration: d}
		if s.shutdown(err, false) {
			s.logger.Error("plugin did not become ready", "error", err)
			_ = s.worker.Terminate()
		}
	}
}

func (s *Sandbox) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Manifest:
		s.handleManifest(m)
	case *protocol.InvokeResult:
		s.handleInvokeResult(m)
	case *protocol.Syscall:
		go s.handleSyscall(m)
	case *protocol.Log:
		s.handleLog(m)
	case *protocol.Invoke:
		s.violation(&domainerrors.ProtocolError{Reason: domainerrors.ReasonWrongDirection, Type: m.Type(), ID: m.ID})
	case *protocol.SyscallResult:
		s.violation(&domainerrors.ProtocolError{Reason: domainerrors.ReasonWrongDirection, Type: m.Type(), ID: m.ID})
	default:
		s.violation(&domainerrors.ProtocolError{Reason: domainerrors.ReasonUnknownType, Type: msg.Type()})
	}
}

func (s *Sandbox) handleManifest(m *protocol.Manifest) {
	s.mu.Lock()
	if s.state != entities.StateStarting {
		s.mu.Unlock()
		s.violation(&domainerrors.ProtocolError{Reason: domainerrors.ReasonDuplicateManifest, Type: m.Type()})
		return
	}
	s.manifest = m.Manifest
	s.state = entities.StateReady
	close(s.ready)
	s.mu.Unlock()

	s.logger.Debug("plugin ready")
}

func (s *Sandbox) handleInvokeResult(m *protocol.InvokeResult) {
	s.mu.Lock()
	p, ok := s.outstanding[m.ID]
	delete(s.outstanding, m.ID)
	canceled := ok && p.canceled
	s.mu.Unlock()

	if !ok {
		s.violation(&domainerrors.ProtocolError{Reason: domainerrors.ReasonUnknownID, Type: m.Type(), ID: m.ID})
		return
	}
	if canceled {
		s.logger.Debug("discarding result of canceled invocation", "function", p.name, "id", m.ID)
		return
	}

	res := invocationResult{value: m.Result}
	outcome := monitoring.OutcomeOK
	if m.Error != nil {
		res = invocationResult{
			value: protocol.Null(),
			err:   &domainerrors.InvocationError{Function: p.name, Remote: m.Error},
		}
		outcome = monitoring.OutcomeError
	}

	s.metrics.InvocationFinished(p.name, outcome, time.Since(p.start))
	p.result <- res
}

func (s *Sandbox) handleSyscall(m *protocol.Syscall) {
	start := time.Now()
	result, err := s.callSyscall(m.Name, m.Args)

	reply := &protocol.SyscallResult{ID: m.ID, Result: result}
	outcome := monitoring.OutcomeOK
	if err != nil {
		reply = &protocol.SyscallResult{ID: m.ID, Result: protocol.Null(), Error: protocol.NewRemoteError(err)}
		outcome = monitoring.OutcomeError
		s.logger.Debug("syscall failed", "syscall", m.Name, "id", m.ID, "error", err)
	}
	s.metrics.Syscall(m.Name, outcome, time.Since(start))

	if s.stopped() {
		return
	}
	if err := s.worker.Post(reply); err != nil {
		s.logger.Warn("failed to send syscall result", "syscall", m.Name, "id", m.ID, "error", err)
	}
}

func (s *Sandbox) callSyscall(name string, args []protocol.Value) (result protocol.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = protocol.Null()
			err = fmt.Errorf("syscall %s panicked: %v", name, r)
		}
	}()
	return s.syscalls.Syscall(s.ctx, name, args)
}

func (s *Sandbox) handleLog(m *protocol.Log) {
	entry := entities.LogEntry{
		Time:    s.now(),
		Level:   entities.LogLevel(m.Level),
		Message: m.Message,
	}
	s.logs.Append(entry)
	s.metrics.LogEntry(m.Level)
	s.sink.Log(s.ctx, s.id, entry)
}

func (s *Sandbox) violation(err *domainerrors.ProtocolError) {
	s.metrics.ProtocolViolation(err.Reason)
	s.logger.Error("protocol violation", "reason", err.Reason, "error", err)
}

func protocolErrorFrom(err error) *domainerrors.ProtocolError {
	var unknown *protocol.UnknownTypeError
	if errors.As(err, &unknown) {
		return &domainerrors.ProtocolError{Reason: domainerrors.ReasonUnknownType, Type: unknown.Tag, Err: err}
	}
	return &domainerrors.ProtocolError{Reason: domainerrors.ReasonMalformed, Err: err}
}
