// plugrun loads a single plugin, waits for its manifest and optionally
// invokes one of its functions.
//
// Host settings come from PLUGOS_* environment variables (see package
// config); flags select the plugin and the call.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reglet-dev/plugos/config"
	"github.com/reglet-dev/plugos/domain/entities"
	"github.com/reglet-dev/plugos/domain/ports"
	"github.com/reglet-dev/plugos/host"
	"github.com/reglet-dev/plugos/hostfuncs"
	"github.com/reglet-dev/plugos/infrastructure/monitoring"
	"github.com/reglet-dev/plugos/infrastructure/worker/js"
	"github.com/reglet-dev/plugos/infrastructure/worker/process"
	"github.com/reglet-dev/plugos/infrastructure/worker/wasm"
	plugoslog "github.com/reglet-dev/plugos/log"
	"github.com/reglet-dev/plugos/manifest"
	"github.com/reglet-dev/plugos/protocol"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// report is what plugrun prints on success.
type report struct {
	Manifest protocol.Value      `json:"manifest"`
	Result   *protocol.Value     `json:"result,omitempty"`
	Logs     []entities.LogEntry `json:"logs,omitempty"`
	Sandbox  string              `json:"sandbox"`
}

type flags struct {
	call           string
	args           string
	optionsJSON    string
	options        map[string]string
	schema         bool
	manifestSchema bool
	logs           bool
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) error {
	var f flags

	flagSet := pflag.NewFlagSet("plugrun", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&f.call, "call", "", "function to invoke once the plugin is ready")
	flagSet.StringVar(&f.args, "args", "[]", "JSON array of arguments for --call")
	flagSet.StringVar(&f.optionsJSON, "options", "", "JSON object passed to the spawner as loader options")
	flagSet.StringToStringVarP(&f.options, "option", "o", nil, "single string loader option, key=value (repeatable)")
	flagSet.BoolVar(&f.schema, "schema", false, "print the JSON Schema of the wire protocol and exit")
	flagSet.BoolVar(&f.manifestSchema, "manifest-schema", false, "print the JSON Schema of plugin manifests and exit")
	flagSet.BoolVar(&f.logs, "logs", false, "include buffered plugin logs in the output")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stderr, flagSet)
		return nil
	}

	switch {
	case f.schema:
		return printSchema(stdout, protocol.Schema)
	case f.manifestSchema:
		return printSchema(stdout, manifest.Schema)
	}

	positional := flagSet.Args()
	if len(positional) != 1 {
		return errors.New("usage: plugrun [flags] <plugin-url>")
	}

	options, err := loaderOptions(f)
	if err != nil {
		return err
	}
	args, err := callArgs(f.args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	if cfg.Metrics.Address != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Address, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}

	sink, flush := newLogSink(cfg, logger, stderr)
	defer flush()

	loader := newLoader(cfg, logger, metrics, sink)
	defer func() {
		if err := loader.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release spawner resources", "error", err)
		}
	}()

	sandbox, err := loader.LoadURL(ctx, positional[0], options, registry)
	if err != nil {
		return err
	}
	defer func() { _ = sandbox.Stop() }()

	if err := sandbox.Ready(ctx); err != nil {
		return fmt.Errorf("plugin did not become ready: %w", err)
	}
	m, _ := sandbox.Manifest()
	out := report{Manifest: m, Sandbox: sandbox.ID()}

	if f.call != "" {
		callCtx := ctx
		if cfg.Sandbox.InvokeTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, cfg.Sandbox.InvokeTimeout)
			defer cancel()
		}
		result, err := sandbox.Invoke(callCtx, f.call, args...)
		if err != nil {
			return err
		}
		out.Result = &result
	}
	if f.logs {
		out.Logs = sandbox.Logs()
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func loaderOptions(f flags) (map[string]any, error) {
	options := make(map[string]any)
	if f.optionsJSON != "" {
		if err := json.Unmarshal([]byte(f.optionsJSON), &options); err != nil {
			return nil, fmt.Errorf("invalid --options: %w", err)
		}
	}
	for k, v := range f.options {
		options[k] = v
	}
	return options, nil
}

func callArgs(raw string) ([]protocol.Value, error) {
	var args []protocol.Value
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid --args: expected a JSON array: %w", err)
	}
	return args, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newRegistry(cfg *config.Config, logger *slog.Logger) (*hostfuncs.HandlerRegistry, error) {
	middleware := []hostfuncs.Middleware{
		hostfuncs.PanicRecoveryMiddleware(),
		hostfuncs.LoggingMiddleware(logger),
	}
	if cfg.Sandbox.SyscallTimeout > 0 {
		middleware = append(middleware, hostfuncs.TimeoutMiddleware(cfg.Sandbox.SyscallTimeout))
	}
	return hostfuncs.NewRegistry(
		hostfuncs.WithBundle(hostfuncs.CoreBundle()),
		hostfuncs.WithMiddleware(middleware...),
	)
}

// newLogSink picks the destination for plugin log messages. The returned
// func flushes buffered entries.
func newLogSink(cfg *config.Config, logger *slog.Logger, w io.Writer) (ports.LogSink, func()) {
	if cfg.Logging.Sink != "zap" {
		return plugoslog.NewSlogSink(logger), func() {}
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	zl := zap.New(core).Named("plugin")
	return plugoslog.NewZapSink(zl), func() { _ = zl.Sync() }
}

func newLoader(cfg *config.Config, logger *slog.Logger, metrics *monitoring.Metrics, sink ports.LogSink) *host.Loader {
	sandboxOpts := []host.Option{
		host.WithLogger(logger),
		host.WithLogSink(sink),
		host.WithLogBufferSize(cfg.Sandbox.LogBufferSize),
		host.WithMetrics(metrics),
	}
	if cfg.Sandbox.ReadyTimeout > 0 {
		sandboxOpts = append(sandboxOpts, host.WithReadyTimeout(cfg.Sandbox.ReadyTimeout))
	}

	return host.NewLoader(
		host.WithSpawner(host.SchemeExec, process.NewSpawner(
			process.WithLogger(logger),
			process.WithStderrLimit(cfg.Worker.StderrLimit),
			process.WithInheritEnv(cfg.Worker.InheritEnv),
		)),
		host.WithSpawner(host.SchemeWasm, wasm.NewSpawner(
			wasm.WithLogger(logger),
			wasm.WithStderrLimit(cfg.Worker.StderrLimit),
			wasm.WithMemoryLimitPages(cfg.Worker.WasmMemoryPages),
		)),
		host.WithSpawner(host.SchemeJS, js.NewSpawner(js.WithLogger(logger))),
		host.WithSandboxOptions(sandboxOpts...),
	)
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printSchema(w io.Writer, schema func() ([]byte, error)) error {
	data, err := schema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `plugrun starts a plugin in a sandbox, prints its manifest and
optionally calls one of its functions.

Usage:
  plugrun [flags] <plugin-url>

Plugin URLs:
  exec:///path/to/binary    child process speaking the protocol on stdio
  wasm:///path/to/mod.wasm  WASI command module
  js:///path/to/script.js   JavaScript module run in an embedded VM

Examples:
  plugrun js://./tasks.js --call add --args '[1, 2]'
  plugrun exec:///usr/lib/plugs/pages -o dir=/srv/pages --logs
  PLUGOS_LOG_LEVEL=debug plugrun wasm://query.wasm

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
