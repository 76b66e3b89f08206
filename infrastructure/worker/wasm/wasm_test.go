package wasm_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/plugos/domain/entities"
	domainerrors "github.com/reglet-dev/plugos/domain/errors"
	"github.com/reglet-dev/plugos/host"
	"github.com/reglet-dev/plugos/infrastructure/worker/wasm"
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// commandModule assembles a module exporting _start with the given body.
func commandModule(body ...byte) []byte {
	// No locals, the body, then end.
	code := append([]byte{0x00}, body...)
	code = append(code, 0x0b)

	mod := append([]byte{}, header...)
	// Type section: one func type () -> ().
	mod = append(mod, 0x01, 0x04, 0x01, 0x60, 0x00, 0x00)
	// Function section: func 0 has type 0.
	mod = append(mod, 0x03, 0x02, 0x01, 0x00)
	// Export section: func 0 as _start.
	mod = append(mod, 0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00)
	// Code section with a single body.
	mod = append(mod, 0x0a, byte(len(code)+2), 0x01, byte(len(code)))
	return append(mod, code...)
}

func writeModule(t *testing.T, name string, data []byte) entities.LoaderRef {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return entities.LoaderRef{URL: "wasm://" + path}
}

func TestSpawner_InvalidModule(t *testing.T) {
	spawner := wasm.NewSpawner()
	defer func() { _ = spawner.Close(context.Background()) }()

	ref := writeModule(t, "broken.wasm", []byte("not wasm"))
	_, err := spawner.Spawn(context.Background(), ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile module")

	_, err = spawner.Spawn(context.Background(), entities.LoaderRef{URL: "wasm:///no/such/module.wasm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read module")

	_, err = spawner.Instantiate(context.Background(), entities.LoaderRef{URL: "wasm://x", Options: map[string]any{"env": "A=B"}}, commandModule())
	assert.EqualError(t, err, "option env: expected map of strings, got string")
}

func TestSandbox_ModuleExitsWithoutManifest(t *testing.T) {
	spawner := wasm.NewSpawner()
	defer func() { _ = spawner.Close(context.Background()) }()

	ref := writeModule(t, "quiet.wasm", commandModule())
	s, err := host.NewSandbox(context.Background(), spawner, ref, nil)
	require.NoError(t, err)
	defer func() { _ = s.Stop() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Ready(ctx)
	var exitErr *domainerrors.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, err.Error(), "module exited")
}

func TestSandbox_ModuleTraps(t *testing.T) {
	spawner := wasm.NewSpawner()
	defer func() { _ = spawner.Close(context.Background()) }()

	ref := writeModule(t, "trap.wasm", commandModule(0x00)) // unreachable
	s, err := host.NewSandbox(context.Background(), spawner, ref, nil)
	require.NoError(t, err)
	defer func() { _ = s.Stop() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Ready(ctx)
	var exitErr *domainerrors.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestWorker_TerminateIsIdempotent(t *testing.T) {
	spawner := wasm.NewSpawner()
	defer func() { _ = spawner.Close(context.Background()) }()

	w, err := spawner.Instantiate(context.Background(), entities.LoaderRef{URL: "wasm://quiet"}, commandModule())
	require.NoError(t, err)
	require.NoError(t, w.Terminate())
	require.NoError(t, w.Terminate())

	_, err = w.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWorker_ReceiveReportsExit(t *testing.T) {
	spawner := wasm.NewSpawner()
	defer func() { _ = spawner.Close(context.Background()) }()

	w, err := spawner.Instantiate(context.Background(), entities.LoaderRef{URL: "wasm://quiet"}, commandModule())
	require.NoError(t, err)
	defer func() { _ = w.Terminate() }()

	_, err = w.Receive()
	var exitErr *domainerrors.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.EqualError(t, exitErr.Err, "module exited")
}
