// Package inproc runs guest plugins on goroutines inside the host process.
//
// Messages are deep-copied as they cross the channel so that neither side
// ever sees the other's values. This is the cheapest isolation level and
// is mostly useful for tests and trusted built-in plugins.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/reglet-dev/plugos/domain/entities"
	domainerrors "github.com/reglet-dev/plugos/domain/errors"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/guest"
	"github.com/reglet-dev/plugos/protocol"
)

// queueSize bounds each direction of the channel.
const queueSize = 64

// Spawner starts registered plugins for inproc://<name> references.
type Spawner struct {
	plugins map[string]*guest.Plugin
	mu      sync.RWMutex
}

// NewSpawner creates a spawner serving the given plugins by name.
func NewSpawner(plugins map[string]*guest.Plugin) *Spawner {
	s := &Spawner{plugins: make(map[string]*guest.Plugin, len(plugins))}
	for name, p := range plugins {
		s.plugins[name] = p
	}
	return s
}

// Register adds or replaces a plugin.
func (s *Spawner) Register(name string, p *guest.Plugin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins[name] = p
}

// Names returns the registered plugin names, sorted.
func (s *Spawner) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.plugins))
	for name := range s.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spawn implements ports.Spawner.
func (s *Spawner) Spawn(ctx context.Context, ref entities.LoaderRef) (ports.Worker, error) {
	name := ref.Location()
	s.mu.RLock()
	p, ok := s.plugins[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no in-process plugin named %q", name)
	}
	return Start(ctx, p), nil
}

// Start runs p on a new goroutine and returns the host's end of the channel.
func Start(ctx context.Context, p *guest.Plugin) ports.Worker {
	toPlugin := make(chan protocol.Message, queueSize)
	toHost := make(chan protocol.Message, queueSize)
	closed := make(chan struct{})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &worker{
		endpoint: endpoint{in: toHost, out: toPlugin, closed: closed},
		closed:   closed,
		cancel:   cancel,
	}
	plugEnd := &endpoint{in: toPlugin, out: toHost, closed: closed}

	go func() {
		err := guest.Serve(runCtx, plugEnd, p)
		w.exit(err)
	}()
	return w
}

// endpoint is one side of a channel pair.
type endpoint struct {
	in     <-chan protocol.Message
	out    chan<- protocol.Message
	closed <-chan struct{}
}

func (e *endpoint) Post(msg protocol.Message) error {
	select {
	case <-e.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case e.out <- protocol.Clone(msg):
		return nil
	case <-e.closed:
		return io.ErrClosedPipe
	}
}

func (e *endpoint) Receive() (protocol.Message, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.closed:
		return nil, io.EOF
	}
}

type worker struct {
	endpoint
	closed    chan struct{}
	cancel    context.CancelFunc
	exitErr   error
	closeOnce sync.Once
	mu        sync.Mutex
}

func (w *worker) Receive() (protocol.Message, error) {
	msg, err := w.endpoint.Receive()
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.exitErr != nil {
			return nil, w.exitErr
		}
	}
	return msg, err
}

// Terminate implements ports.Worker.
func (w *worker) Terminate() error {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
	w.cancel()
	return nil
}

// exit records the plugin returning from Serve without being terminated.
func (w *worker) exit(err error) {
	w.closeOnce.Do(func() {
		if err == nil {
			err = errors.New("plugin returned")
		}
		w.mu.Lock()
		w.exitErr = &domainerrors.ExitError{Err: err}
		w.mu.Unlock()
		close(w.closed)
	})
	w.cancel()
}
