package host_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/reglet-dev/plugos/domain/entities"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/host"
	"github.com/reglet-dev/plugos/protocol"
)

// LoaderSuite tests scheme dispatch in the Loader.
type LoaderSuite struct {
	suite.Suite
	worker *fakeWorker
	loader *host.Loader
	seen   []entities.LoaderRef
}

func (s *LoaderSuite) SetupTest() {
	s.worker = newFakeWorker()
	s.seen = nil
	s.loader = host.NewLoader(
		host.WithSpawner(host.SchemeInproc, spawnerRecording(s.worker, &s.seen)),
		host.WithSandboxOptions(host.WithLogBufferSize(2)),
	)
}

func (s *LoaderSuite) TearDownTest() {
	s.Require().NoError(s.loader.Close(context.Background()))
}

func (s *LoaderSuite) TestLoadDispatchesOnScheme() {
	opts := map[string]any{"manifest": "inline"}
	sbx, err := s.loader.LoadURL(context.Background(), "inproc://echo", opts, nil)
	s.Require().NoError(err)
	defer func() { _ = sbx.Stop() }()

	s.Require().Len(s.seen, 1)
	s.Equal("inproc://echo", s.seen[0].URL)
	s.Equal(opts, s.seen[0].Options)

	s.worker.emit(testManifest())
	s.Require().NoError(sbx.Ready(context.Background()))

	for _, msg := range []string{"a", "b", "c"} {
		s.worker.emit(&protocol.Log{Level: "info", Message: msg})
	}
	s.Eventually(func() bool {
		logs := sbx.Logs()
		return len(logs) == 2 && logs[1].Message == "c"
	}, waitFor, 5*time.Millisecond)
}

func (s *LoaderSuite) TestUnknownScheme() {
	_, err := s.loader.LoadURL(context.Background(), "ftp://plug", nil, nil)
	s.Require().Error(err)
	s.Contains(err.Error(), `no spawner for scheme "ftp"`)
}

func (s *LoaderSuite) TestInvalidReference() {
	_, err := s.loader.Load(context.Background(), entities.LoaderRef{}, nil)
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid loader reference")

	_, err = s.loader.LoadURL(context.Background(), "no-scheme", nil, nil)
	s.Require().Error(err)
	s.Empty(s.seen)
}

func TestLoaderSuite(t *testing.T) {
	suite.Run(t, new(LoaderSuite))
}

func TestLoader_Schemes(t *testing.T) {
	l := host.NewLoader()
	assert.Equal(t, []string{host.SchemeExec, host.SchemeJS, host.SchemeWasm}, l.Schemes())
	require.NoError(t, l.Close(context.Background()))

	bare := host.NewLoader(host.WithoutDefaultSpawners(), host.WithSpawner("custom", spawnerFor(newFakeWorker())))
	assert.Equal(t, []string{"custom"}, bare.Schemes())
}

func spawnerRecording(w *fakeWorker, seen *[]entities.LoaderRef) spawnerFuncRecorder {
	return spawnerFuncRecorder{w: w, seen: seen}
}

type spawnerFuncRecorder struct {
	w    *fakeWorker
	seen *[]entities.LoaderRef
}

func (r spawnerFuncRecorder) Spawn(_ context.Context, ref entities.LoaderRef) (ports.Worker, error) {
	*r.seen = append(*r.seen, ref)
	return r.w, nil
}
