// Package emulator runs the runtime in-process against a local fake Runtime
// API, feeding it events and printing each outcome.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/gurre/scriptlambda/bootstrap"
	"github.com/gurre/scriptlambda/config"
	"github.com/gurre/scriptlambda/log"
	"github.com/gurre/scriptlambda/runtimeapi/runtimeapitest"
)

var codec = jsoniter.Config{EscapeHTML: false, SortMapKeys: true}.Froze()

// Options are the emulator's settings. Values left empty fall back to the
// env file, then to config defaults.
type Options struct {
	Handler      string
	TaskRoot     string
	EnvFile      string
	FunctionName string
	MemorySize   int           `validate:"gte=0"`
	Timeout      time.Duration `validate:"gt=0"`
	LogLevel     string
	// Events are JSON documents, or @path to read one from a file.
	Events []string
}

var validate = validator.New()

// Outcome is one printed line.
type Outcome struct {
	RequestID string              `json:"requestId,omitempty"`
	Kind      string              `json:"kind"`
	ErrorType string              `json:"errorType,omitempty"`
	Body      jsoniter.RawMessage `json:"body,omitempty"`
	Text      string              `json:"text,omitempty"`
}

// LoadEvents resolves event arguments to payloads. Every payload must be
// valid JSON.
func LoadEvents(args []string, readFile func(string) ([]byte, error)) ([][]byte, error) {
	events := make([][]byte, 0, len(args))
	for i, arg := range args {
		payload := []byte(arg)
		if strings.HasPrefix(arg, "@") {
			b, err := readFile(strings.TrimPrefix(arg, "@"))
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i+1, err)
			}
			payload = b
		}
		if !codec.Valid(payload) {
			return nil, fmt.Errorf("event %d is not valid JSON", i+1)
		}
		events = append(events, payload)
	}
	return events, nil
}

// environment builds the variables the runtime would see on Lambda. Flags
// win over the env file.
func (o Options) environment() (map[string]string, error) {
	env := map[string]string{}
	if o.EnvFile != "" {
		vars, err := godotenv.Read(o.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		for k, v := range vars {
			env[k] = v
		}
	}
	set := func(key, val string) {
		if val != "" {
			env[key] = val
		}
	}
	set("_HANDLER", o.Handler)
	set("LAMBDA_TASK_ROOT", o.TaskRoot)
	set("AWS_LAMBDA_FUNCTION_NAME", o.FunctionName)
	set("AWS_LAMBDA_LOG_LEVEL", o.LogLevel)
	if o.MemorySize > 0 {
		env["AWS_LAMBDA_FUNCTION_MEMORY_SIZE"] = strconv.Itoa(o.MemorySize)
	}
	if _, ok := env["AWS_LAMBDA_FUNCTION_VERSION"]; !ok {
		env["AWS_LAMBDA_FUNCTION_VERSION"] = "$LATEST"
	}
	return env, nil
}

// ErrInitFailed is returned when the handler could not be initialized.
var ErrInitFailed = errors.New("runtime initialization failed")

// Run starts a fake Runtime API on a loopback port, runs the runtime against
// it until every event has an outcome, and writes one JSON line per outcome
// to out. Runtime logs go to logger.
func Run(ctx context.Context, opts Options, out io.Writer, logger log.Logger) error {
	if err := validate.Struct(opts); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	events, err := LoadEvents(opts.Events, os.ReadFile)
	if err != nil {
		return err
	}
	env, err := opts.environment()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	api := runtimeapitest.New()
	api.Timeout = opts.Timeout
	httpServer := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	env["AWS_LAMBDA_RUNTIME_API"] = ln.Addr().String()
	cfg, err := config.LoadFrom(env)
	if err != nil {
		_ = ln.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	g.Go(func() error {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve runtime API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		code := bootstrap.Run(loopCtx, cfg, bootstrap.WithLogger(logger))
		api.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown runtime API: %w", err)
		}
		if code != 0 {
			return ErrInitFailed
		}
		return nil
	})

	printed := 0
	flush := func(reports []runtimeapitest.Report) error {
		for ; printed < len(reports); printed++ {
			if err := writeOutcome(out, reports[printed]); err != nil {
				return err
			}
		}
		return nil
	}

	g.Go(func() error {
		defer stopLoop()
		for _, payload := range events {
			api.Enqueue(payload)
		}
		for printed < len(events) {
			reports, err := api.WaitReports(loopCtx, printed+1)
			if err != nil {
				// The runtime stopped early; whatever arrived is flushed below.
				return nil
			}
			if err := flush(reports); err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	if ferr := flush(api.Reports()); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

func writeOutcome(w io.Writer, r runtimeapitest.Report) error {
	o := Outcome{RequestID: r.RequestID, Kind: r.Kind, ErrorType: r.ErrorType}
	switch {
	case len(r.Body) == 0:
	case codec.Valid(r.Body):
		o.Body = r.Body
	default:
		o.Text = string(r.Body)
	}
	b, err := codec.Marshal(o)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
