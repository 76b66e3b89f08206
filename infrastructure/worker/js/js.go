// Package js runs JavaScript plugins in an embedded goja VM.
//
// A plugin script registers its functions on exports (or module.exports)
// and may call two host-provided globals:
//
//	syscall(name, ...args)  blocks until the host answers, then returns
//	                        the result or throws the host's error
//	console.log/info/warn/error/debug(...)
//
// Each worker owns one VM driven by a single goroutine, so invocations
// run one at a time in arrival order.
package js

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/reglet-dev/plugos/domain/entities"
	domainerrors "github.com/reglet-dev/plugos/domain/errors"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/manifest"
	"github.com/reglet-dev/plugos/protocol"
)

// ManifestSuffix is appended to a script's base name to find its manifest.
const ManifestSuffix = ".plug.yaml"

const (
	queueSize         = 64
	maxCallStackSize  = 1024
	terminatedMessage = "plugin terminated"
)

// Option configures a Spawner.
type Option func(*Spawner)

// WithLogger sets the logger for VM lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spawner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Spawner starts js://<path> plugins.
//
// Recognised LoaderRef options:
//
//	manifest  map used as the manifest, or path of a YAML manifest
//
// Without the option, <script>.plug.yaml next to the script is used when
// present; otherwise a manifest listing the exported functions is sent.
type Spawner struct {
	logger *slog.Logger
}

// NewSpawner creates a Spawner.
func NewSpawner(opts ...Option) *Spawner {
	s := &Spawner{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn implements ports.Spawner.
func (s *Spawner) Spawn(_ context.Context, ref entities.LoaderRef) (ports.Worker, error) {
	path := ref.Location()
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	m, err := loadManifest(ref, path)
	if err != nil {
		return nil, err
	}
	return Start(filepath.Base(path), string(src), m, s.logger), nil
}

// loadManifest returns the manifest for the script at path, or null when
// it should be derived from the exports.
func loadManifest(ref entities.LoaderRef, path string) (protocol.Value, error) {
	switch opt := ref.Options["manifest"].(type) {
	case nil:
	case map[string]any:
		v, err := protocol.FromAny(opt)
		if err != nil {
			return protocol.Null(), fmt.Errorf("option manifest: %w", err)
		}
		return v, nil
	case string:
		if !filepath.IsAbs(opt) {
			opt = filepath.Join(filepath.Dir(path), opt)
		}
		return manifestFile(opt)
	default:
		return protocol.Null(), fmt.Errorf("option manifest: expected map or path, got %T", opt)
	}

	sibling := strings.TrimSuffix(path, filepath.Ext(path)) + ManifestSuffix
	if _, err := os.Stat(sibling); err == nil {
		return manifestFile(sibling)
	}
	return protocol.Null(), nil
}

func manifestFile(path string) (protocol.Value, error) {
	m, err := manifest.ParseFile(path)
	if err != nil {
		return protocol.Null(), err
	}
	return m.ToValue()
}

// Start evaluates src in a new VM and returns the host's end of the
// channel. A null m means the manifest is derived from the exports.
func Start(name, src string, m protocol.Value, logger *slog.Logger) ports.Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &worker{
		name:     name,
		toHost:   make(chan protocol.Message, queueSize),
		jobs:     make(chan *protocol.Invoke, queueSize),
		closed:   make(chan struct{}),
		waiting:  make(map[uint64]chan *protocol.SyscallResult),
		manifest: m,
		logger:   logger.With("script", name),
	}
	go w.run(src)
	return w
}

type worker struct {
	vm       *goja.Runtime
	manifest protocol.Value
	logger   *slog.Logger
	toHost   chan protocol.Message
	jobs     chan *protocol.Invoke
	closed   chan struct{}
	waiting  map[uint64]chan *protocol.SyscallResult
	exitErr  error
	name     string

	closeOnce sync.Once
	mu        sync.Mutex
	nextID    uint64
	vmReady   bool
}

// Post implements protocol.Port. Invocations are queued for the VM
// goroutine; syscall results wake the blocked syscall() call.
func (w *worker) Post(msg protocol.Message) error {
	select {
	case <-w.closed:
		return io.ErrClosedPipe
	default:
	}

	switch m := msg.(type) {
	case *protocol.Invoke:
		select {
		case w.jobs <- protocol.Clone(m).(*protocol.Invoke):
			return nil
		case <-w.closed:
			return io.ErrClosedPipe
		}
	case *protocol.SyscallResult:
		w.mu.Lock()
		ch, ok := w.waiting[m.ID]
		delete(w.waiting, m.ID)
		w.mu.Unlock()
		if ok {
			ch <- protocol.Clone(m).(*protocol.SyscallResult)
		}
		return nil
	default:
		return fmt.Errorf("unexpected %q message for plugin", msg.Type())
	}
}

// Receive implements protocol.Port.
func (w *worker) Receive() (protocol.Message, error) {
	select {
	case msg := <-w.toHost:
		return msg, nil
	case <-w.closed:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.exitErr != nil {
			return nil, w.exitErr
		}
		return nil, io.EOF
	}
}

// Terminate implements ports.Worker.
func (w *worker) Terminate() error {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
	w.mu.Lock()
	vm, ok := w.vm, w.vmReady
	w.mu.Unlock()
	if ok {
		vm.Interrupt(terminatedMessage)
	}
	return nil
}

// exit ends the worker because the script failed on its own.
func (w *worker) exit(err error) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.exitErr = &domainerrors.ExitError{Err: err}
		w.mu.Unlock()
		close(w.closed)
	})
}

// send queues msg for the host, dropping it once the worker is closed.
func (w *worker) send(msg protocol.Message) {
	select {
	case w.toHost <- msg:
	case <-w.closed:
	}
}

func (w *worker) run(src string) {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	w.mu.Lock()
	w.vm = vm
	w.vmReady = true
	w.mu.Unlock()

	select {
	case <-w.closed:
		return
	default:
	}

	if err := w.setupGlobals(vm); err != nil {
		w.exit(err)
		return
	}
	if _, err := vm.RunScript(w.name, src); err != nil {
		w.logger.Debug("script failed to load", "error", err)
		w.exit(fmt.Errorf("failed to evaluate %s: %w", w.name, err))
		return
	}

	m := w.manifest
	if m.IsNull() {
		m = deriveManifest(vm)
	}
	w.send(&protocol.Manifest{Manifest: m})

	for {
		select {
		case <-w.closed:
			return
		case inv := <-w.jobs:
			w.send(w.invoke(vm, inv))
		}
	}
}

func (w *worker) setupGlobals(vm *goja.Runtime) error {
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return err
	}
	if err := vm.Set("module", module); err != nil {
		return err
	}
	if err := vm.Set("exports", exports); err != nil {
		return err
	}

	console := vm.NewObject()
	for _, level := range []entities.LogLevel{
		entities.LogLevelLog,
		entities.LogLevelInfo,
		entities.LogLevelWarn,
		entities.LogLevelError,
		entities.LogLevelDebug,
	} {
		if err := console.Set(string(level), w.consoleFunc(level)); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	return vm.Set("syscall", func(call goja.FunctionCall) goja.Value {
		return w.syscall(vm, call)
	})
}

func (w *worker) consoleFunc(level entities.LogLevel) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		w.send(&protocol.Log{Level: string(level), Message: strings.Join(parts, " ")})
		return goja.Undefined()
	}
}

// syscall posts a sys message and blocks the VM until the result arrives.
func (w *worker) syscall(vm *goja.Runtime, call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	args := make([]protocol.Value, 0, len(call.Arguments))
	for _, arg := range call.Arguments[min(1, len(call.Arguments)):] {
		v, err := exportValue(arg)
		if err != nil {
			panic(vm.NewTypeError("syscall %s: %v", name, err))
		}
		args = append(args, v)
	}

	w.mu.Lock()
	w.nextID++
	id := w.nextID
	ch := make(chan *protocol.SyscallResult, 1)
	w.waiting[id] = ch
	w.mu.Unlock()

	w.send(&protocol.Syscall{ID: id, Name: name, Args: args})

	select {
	case res := <-ch:
		if res.Error != nil {
			panic(vm.NewGoError(res.Error))
		}
		return vm.ToValue(res.Result.Any())
	case <-w.closed:
		panic(vm.NewGoError(errors.New(terminatedMessage)))
	}
}

func (w *worker) invoke(vm *goja.Runtime, inv *protocol.Invoke) *protocol.InvokeResult {
	result, err := w.call(vm, inv)
	if err != nil {
		return &protocol.InvokeResult{ID: inv.ID, Result: protocol.Null(), Error: err}
	}
	return &protocol.InvokeResult{ID: inv.ID, Result: result}
}

func (w *worker) call(vm *goja.Runtime, inv *protocol.Invoke) (protocol.Value, *protocol.RemoteError) {
	fn, ok := goja.AssertFunction(exportsOf(vm).Get(inv.Name))
	if !ok {
		return protocol.Null(), &protocol.RemoteError{Message: "function not found: " + inv.Name}
	}

	args := make([]goja.Value, len(inv.Args))
	for i, a := range inv.Args {
		args[i] = vm.ToValue(a.Any())
	}

	ret, err := fn(goja.Undefined(), args...)
	if err != nil {
		return protocol.Null(), remoteError(err)
	}

	if p, ok := ret.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			ret = p.Result()
		case goja.PromiseStateRejected:
			return protocol.Null(), thrownError(p.Result())
		default:
			return protocol.Null(), &protocol.RemoteError{Message: inv.Name + " returned a promise that never settled"}
		}
	}

	v, convErr := exportValue(ret)
	if convErr != nil {
		return protocol.Null(), &protocol.RemoteError{Message: fmt.Sprintf("%s returned an unsupported value: %v", inv.Name, convErr)}
	}
	return v, nil
}

func exportsOf(vm *goja.Runtime) *goja.Object {
	if module := vm.Get("module"); module != nil {
		if obj := module.ToObject(vm); obj != nil {
			if exports := obj.Get("exports"); exports != nil && !goja.IsUndefined(exports) && !goja.IsNull(exports) {
				return exports.ToObject(vm)
			}
		}
	}
	return vm.NewObject()
}

// deriveManifest lists the exported functions.
func deriveManifest(vm *goja.Runtime) protocol.Value {
	exports := exportsOf(vm)
	keys := exports.Keys()
	sort.Strings(keys)

	functions := make(map[string]protocol.Value)
	for _, k := range keys {
		if _, ok := goja.AssertFunction(exports.Get(k)); ok {
			functions[k] = protocol.Map(map[string]protocol.Value{})
		}
	}
	return protocol.Map(map[string]protocol.Value{"functions": protocol.Map(functions)})
}

func exportValue(v goja.Value) (protocol.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return protocol.Null(), nil
	}
	return protocol.FromAny(v.Export())
}

func remoteError(err error) *protocol.RemoteError {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return thrownError(ex.Value())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &protocol.RemoteError{Message: terminatedMessage}
	}
	return &protocol.RemoteError{Message: err.Error()}
}

// thrownError converts a thrown JS value, keeping Error's message and stack.
func thrownError(thrown goja.Value) *protocol.RemoteError {
	if thrown == nil || goja.IsUndefined(thrown) || goja.IsNull(thrown) {
		return &protocol.RemoteError{Message: "undefined"}
	}
	obj, ok := thrown.(*goja.Object)
	if !ok {
		return &protocol.RemoteError{Message: thrown.String()}
	}

	re := &protocol.RemoteError{Message: thrown.String()}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		re.Message = msg.String()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		re.Stack = stack.String()
	}
	return re
}
