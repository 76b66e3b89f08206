// Package plugintest provides a test harness for plugos plugins.
//
// A guest.Plugin is run in process behind a real host.Sandbox, so tests
// exercise the same message flow a plugin sees in production.
package plugintest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reglet-dev/plugos/domain/entities"
	domainerrors "github.com/reglet-dev/plugos/domain/errors"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/guest"
	"github.com/reglet-dev/plugos/host"
	"github.com/reglet-dev/plugos/hostfuncs"
	"github.com/reglet-dev/plugos/infrastructure/worker/inproc"
	"github.com/reglet-dev/plugos/protocol"
)

// DefaultTimeout bounds the handshake and every invocation.
const DefaultTimeout = 5 * time.Second

type harnessConfig struct {
	syscalls    ports.SyscallHandler
	sandboxOpts []host.Option
	timeout     time.Duration
}

// Option configures a Harness.
type Option func(*harnessConfig)

// WithSyscalls replaces the default syscall handler, a registry holding
// the core bundle.
func WithSyscalls(h ports.SyscallHandler) Option {
	return func(c *harnessConfig) {
		c.syscalls = h
	}
}

// WithSandboxOptions passes opts to host.NewSandbox.
func WithSandboxOptions(opts ...host.Option) Option {
	return func(c *harnessConfig) {
		c.sandboxOpts = append(c.sandboxOpts, opts...)
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *harnessConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Harness is a ready sandbox around a plugin under test.
type Harness struct {
	Sandbox *host.Sandbox
	t       testing.TB
	timeout time.Duration
}

// Start runs p in a sandbox and waits for its manifest. The sandbox is
// stopped when the test ends.
func Start(t testing.TB, p *guest.Plugin, opts ...Option) *Harness {
	t.Helper()

	cfg := harnessConfig{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.syscalls == nil {
		registry, err := hostfuncs.NewRegistry(hostfuncs.WithBundle(hostfuncs.CoreBundle()))
		if err != nil {
			t.Fatalf("failed to build syscall registry: %v", err)
		}
		cfg.syscalls = registry
	}

	spawner := ports.SpawnerFunc(func(ctx context.Context, _ entities.LoaderRef) (ports.Worker, error) {
		return inproc.Start(ctx, p), nil
	})
	ctx := context.Background()
	s, err := host.NewSandbox(ctx, spawner, entities.LoaderRef{URL: "inproc://" + t.Name()}, cfg.syscalls, cfg.sandboxOpts...)
	if err != nil {
		t.Fatalf("failed to start plugin: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	readyCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := s.Ready(readyCtx); err != nil {
		t.Fatalf("plugin never became ready: %v", err)
	}

	return &Harness{Sandbox: s, t: t, timeout: cfg.timeout}
}

// Invoke calls a plugin function. Arguments are converted with
// protocol.FromAny; a conversion failure fails the test.
func (h *Harness) Invoke(name string, args ...any) (protocol.Value, error) {
	h.t.Helper()

	values := make([]protocol.Value, len(args))
	for i, a := range args {
		v, err := protocol.FromAny(a)
		if err != nil {
			h.t.Fatalf("argument %d of %s: %v", i, name, err)
		}
		values[i] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.Sandbox.Invoke(ctx, name, values...)
}

// Logs returns the plugin's buffered log entries.
func (h *Harness) Logs() []entities.LogEntry {
	return h.Sandbox.Logs()
}

// TestCase defines a test case for a plugin function.
type TestCase struct {
	Name     string
	Function string
	Args     []any
	Validate func(t *testing.T, result protocol.Value, err error)
}

// RunPluginTests runs each case as a subtest against a fresh sandbox.
func RunPluginTests(t *testing.T, p *guest.Plugin, tests []TestCase, opts ...Option) {
	t.Helper()

	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			h := Start(t, p, opts...)
			result, err := h.Invoke(tc.Function, tc.Args...)
			if tc.Validate != nil {
				tc.Validate(t, result, err)
			}
		})
	}
}

// AssertSuccess asserts the invocation succeeded.
func AssertSuccess(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
}

// AssertRemoteError asserts the plugin function failed with message.
func AssertRemoteError(t *testing.T, err error, message string) {
	t.Helper()
	var invErr *domainerrors.InvocationError
	if !errors.As(err, &invErr) {
		t.Errorf("expected a plugin error %q, got %v", message, err)
		return
	}
	if invErr.Remote.Message != message {
		t.Errorf("expected plugin error %q, got %q", message, invErr.Remote.Message)
	}
}

// AssertField asserts a map result holds expected under key. Numbers
// compare by value whatever their Go type.
func AssertField(t *testing.T, result protocol.Value, key string, expected any) {
	t.Helper()
	val, ok := result.Get(key)
	if !ok {
		t.Errorf("missing field %q in %s", key, result)
		return
	}

	want, err := protocol.FromAny(expected)
	if err != nil {
		t.Errorf("field %q: unsupported expected value %v: %v", key, expected, err)
		return
	}
	if !want.Equal(val) {
		t.Errorf("field %q: expected %s, got %s", key, want, val)
	}
}
