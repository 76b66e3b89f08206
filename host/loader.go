package host

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/reglet-dev/plugos/domain/entities"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/infrastructure/worker/js"
	"github.com/reglet-dev/plugos/infrastructure/worker/process"
	"github.com/reglet-dev/plugos/infrastructure/worker/wasm"
)

// Reusing a single validator instance caches struct metadata.
var validate = validator.New()

// Default spawner schemes.
const (
	SchemeExec   = "exec"
	SchemeWasm   = "wasm"
	SchemeJS     = "js"
	SchemeInproc = "inproc"
)

// loaderConfig holds configuration for the Loader.
type loaderConfig struct {
	spawners    map[string]ports.Spawner
	sandboxOpts []Option
	noDefaults  bool
}

// LoaderOption configures the Loader.
type LoaderOption func(*loaderConfig)

// WithSpawner registers a spawner for a URL scheme, replacing any
// default registered for it.
func WithSpawner(scheme string, s ports.Spawner) LoaderOption {
	return func(c *loaderConfig) {
		c.spawners[scheme] = s
	}
}

// WithoutDefaultSpawners disables the built-in exec, wasm and js spawners.
func WithoutDefaultSpawners() LoaderOption {
	return func(c *loaderConfig) {
		c.noDefaults = true
	}
}

// WithSandboxOptions applies opts to every sandbox the loader starts.
func WithSandboxOptions(opts ...Option) LoaderOption {
	return func(c *loaderConfig) {
		c.sandboxOpts = append(c.sandboxOpts, opts...)
	}
}

// Loader starts sandboxes, choosing the worker from the loader
// reference's URL scheme.
type Loader struct {
	spawners    map[string]ports.Spawner
	sandboxOpts []Option
}

// NewLoader creates a new Loader with defaults.
func NewLoader(opts ...LoaderOption) *Loader {
	cfg := loaderConfig{spawners: make(map[string]ports.Spawner)}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !cfg.noDefaults {
		defaults := map[string]ports.Spawner{
			SchemeExec: process.NewSpawner(),
			SchemeWasm: wasm.NewSpawner(),
			SchemeJS:   js.NewSpawner(),
		}
		for scheme, s := range defaults {
			if _, ok := cfg.spawners[scheme]; !ok {
				cfg.spawners[scheme] = s
			}
		}
	}

	return &Loader{spawners: cfg.spawners, sandboxOpts: cfg.sandboxOpts}
}

// Schemes lists the URL schemes the loader can start, sorted.
func (l *Loader) Schemes() []string {
	schemes := make([]string, 0, len(l.spawners))
	for scheme := range l.spawners {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// Load starts a sandbox for ref. Extra opts are applied after the
// loader-wide sandbox options.
func (l *Loader) Load(ctx context.Context, ref entities.LoaderRef, syscalls ports.SyscallHandler, opts ...Option) (*Sandbox, error) {
	if err := validate.Struct(ref); err != nil {
		return nil, fmt.Errorf("invalid loader reference: %w", err)
	}

	scheme := ref.Scheme()
	spawner, ok := l.spawners[scheme]
	if !ok {
		return nil, fmt.Errorf("no spawner for scheme %q (url %s)", scheme, ref.URL)
	}

	all := make([]Option, 0, len(l.sandboxOpts)+len(opts))
	all = append(all, l.sandboxOpts...)
	all = append(all, opts...)
	return NewSandbox(ctx, spawner, ref, syscalls, all...)
}

// LoadURL parses rawURL and loads it with the given options bag.
func (l *Loader) LoadURL(ctx context.Context, rawURL string, options map[string]any, syscalls ports.SyscallHandler, opts ...Option) (*Sandbox, error) {
	ref, err := entities.ParseLoaderRef(rawURL, options)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, ref, syscalls, opts...)
}

// Close releases resources held by spawners that keep any, such as
// compilation caches.
func (l *Loader) Close(ctx context.Context) error {
	var errs []error
	for _, s := range l.spawners {
		if c, ok := s.(interface{ Close(context.Context) error }); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
