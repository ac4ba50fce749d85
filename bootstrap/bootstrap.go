// Package bootstrap wires configuration, the Runtime API client, the script
// engine, and the invocation loop into a runnable custom runtime.
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/gurre/scriptlambda/config"
	"github.com/gurre/scriptlambda/log"
	"github.com/gurre/scriptlambda/runtime"
	"github.com/gurre/scriptlambda/runtimeapi"
	"github.com/gurre/scriptlambda/script"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Initialize reads the program named by the handler specifier from fsys,
// evaluates it, and resolves the handler function. Host capabilities are
// passed through to script.Load.
func Initialize(fsys fs.FS, handler string, opts ...script.Option) (*script.Function, error) {
	hs, err := script.ParseHandler(handler)
	if err != nil {
		return nil, err
	}

	src, err := fs.ReadFile(fsys, hs.Path())
	if err != nil {
		return nil, runtime.Errorf(runtime.ErrorTypeImportModule, "cannot load %s: %v", hs.Path(), err)
	}
	if !utf8.Valid(src) {
		return nil, runtime.Errorf(runtime.ErrorTypeImportModule, "%s is not valid UTF-8", hs.Path())
	}
	src = bytes.TrimPrefix(src, utf8BOM)

	prog, err := script.Load(hs.Path(), string(src), opts...)
	if err != nil {
		return nil, err
	}
	return prog.Function(hs.Method)
}

type runOptions struct {
	logger log.Logger
	fsys   fs.FS
	now    func() time.Time
	client []runtimeapi.Option
}

// RunOption customises Run.
type RunOption func(*runOptions)

// WithLogger sets the logger for the runtime and the program's console.
func WithLogger(l log.Logger) RunOption {
	return func(o *runOptions) { o.logger = l }
}

// WithFS reads the program from fsys instead of the task root directory.
func WithFS(fsys fs.FS) RunOption {
	return func(o *runOptions) { o.fsys = fsys }
}

// WithClock replaces time.Now for the remaining-time capability.
func WithClock(now func() time.Time) RunOption {
	return func(o *runOptions) { o.now = now }
}

// WithClientOptions passes options to the Runtime API client.
func WithClientOptions(opts ...runtimeapi.Option) RunOption {
	return func(o *runOptions) { o.client = append(o.client, opts...) }
}

// Run initializes the handler and then serves invocations until ctx is
// cancelled. It returns the process exit code: 1 if initialization failed,
// 0 after a clean shutdown.
func Run(ctx context.Context, cfg *config.Config, opts ...RunOption) int {
	o := runOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.New(log.ParseLevel(cfg.LogLevel), os.Stdout)
	}
	if o.fsys == nil {
		o.fsys = os.DirFS(cfg.TaskRoot)
	}
	logger := o.logger.With("function", cfg.FunctionName)

	client, err := runtimeapi.NewClient(cfg.RuntimeAPI, o.client...)
	if err != nil {
		logger.Error(ctx, "cannot create runtime API client", "error", err)
		return 1
	}

	start := time.Now()
	fn, err := Initialize(o.fsys, cfg.Handler,
		script.WithFunc(script.RemainingTimeName, script.RemainingTimeInMillis(o.now)),
		script.WithConsole(logger),
		script.WithClock(o.now),
	)
	if err != nil {
		reportInitError(ctx, client, logger, err)
		return 1
	}
	logger.Info(ctx, "handler initialized",
		"handler", cfg.Handler,
		"init_ms", time.Since(start).Milliseconds(),
	)

	loop := runtime.NewLoop(client, fn, cfg.Metadata(), runtime.WithLogger(logger))
	if err := loop.Run(ctx); err != nil {
		logger.Error(ctx, "invocation loop stopped", "error", err)
		return 1
	}
	return 0
}

// reportInitError tells the host why initialization failed. A failure to
// reach the host is logged; nothing is retried.
func reportInitError(ctx context.Context, api runtimeapi.RuntimeAPI, logger log.Logger, err error) {
	resp := runtime.NewErrorResponse(err)
	logger.Error(ctx, "initialization failed", "error", err, "error_type", resp.ErrorType)
	if postErr := api.InitError(context.WithoutCancel(ctx), resp); postErr != nil {
		logger.Error(ctx, "failed to report initialization error", "error", err, "report_error", postErr)
	}
}

// Main runs the runtime as a process: configuration from the environment,
// shutdown on SIGTERM or SIGINT. It returns the exit code.
func Main() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger := log.New(log.ParseLevel(os.Getenv("AWS_LAMBDA_LOG_LEVEL")), os.Stdout)
		// The host address may still be usable even if other settings are not.
		if client, cerr := runtimeapi.NewClient(os.Getenv("AWS_LAMBDA_RUNTIME_API")); cerr == nil {
			reportInitError(ctx, client, logger, err)
		} else {
			logger.Error(ctx, "initialization failed", "error", fmt.Errorf("%w (runtime API unreachable: %v)", err, cerr))
		}
		return 1
	}
	return Run(ctx, cfg)
}
