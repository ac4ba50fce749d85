package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gurre/scriptlambda/config"
	"github.com/gurre/scriptlambda/log"
	"github.com/gurre/scriptlambda/runtime"
	"github.com/gurre/scriptlambda/runtimeapi/runtimeapitest"
	"github.com/gurre/scriptlambda/script"
)

// syncBuffer is a bytes.Buffer safe for concurrent writes from the loop.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(addr, handler string) *config.Config {
	return &config.Config{
		RuntimeAPI:   addr,
		Handler:      handler,
		TaskRoot:     ".",
		LogLevel:     "DEBUG",
		FunctionName: "test-function",
		MemorySize:   128,
	}
}

func TestInitializeResolvesHandler(t *testing.T) {
	fsys := fstest.MapFS{
		"app.js": {Data: []byte(`exports.handler = function(event) { return {ok: event.x === 1}; };`)},
	}
	fn, err := Initialize(fsys, "app.handler")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got, err := fn.Invoke(context.Background(), map[string]any{"x": 1}, &runtime.InvocationContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	body, err := runtime.EncodeResult(got)
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("got %s", body)
	}
}

func TestInitializeNestedPathAndBOM(t *testing.T) {
	fsys := fstest.MapFS{
		"src/lib.v2.js": {Data: append([]byte{0xEF, 0xBB, 0xBF}, []byte(`function run() { return 7; }`)...)},
	}
	fn, err := Initialize(fsys, "src/lib.v2.run")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if fn.Name() != "run" {
		t.Errorf("expected handler name run, got %q", fn.Name())
	}
}

func TestInitializeErrors(t *testing.T) {
	fsys := fstest.MapFS{
		"app.js":    {Data: []byte(`exports.handler = function() {};`)},
		"broken.js": {Data: []byte(`function (`)},
		"throws.js": {Data: []byte(`null.x;`)},
		"binary.js": {Data: []byte{0xff, 0xfe, 0x00}},
	}
	tests := []struct {
		handler string
		want    string
	}{
		{"app", runtime.ErrorTypeInvalidHandler},
		{".handler", runtime.ErrorTypeInvalidHandler},
		{"../app.handler", runtime.ErrorTypeInvalidHandler},
		{"missing.handler", runtime.ErrorTypeImportModule},
		{"binary.handler", runtime.ErrorTypeImportModule},
		{"broken.handler", "SyntaxError"},
		{"throws.handler", "TypeError"},
		{"app.nothere", runtime.ErrorTypeHandlerNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.handler, func(t *testing.T) {
			_, err := Initialize(fsys, tt.handler)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := runtime.NewErrorResponse(err).ErrorType; got != tt.want {
				t.Errorf("error type = %q, want %q (%v)", got, tt.want, err)
			}
		})
	}
}

func TestRunServesInvocations(t *testing.T) {
	srv := runtimeapitest.NewServer()
	defer srv.Close()

	fsys := fstest.MapFS{
		"app.js": {Data: []byte(`
			exports.handler = function(event, context) {
				if (event.fail) { throw new RangeError("out of range"); }
				console.log("handling", context.awsRequestId);
				return {ok: event.x === 1};
			};
		`)},
	}
	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- Run(ctx, testConfig(srv.Addr(), "app.handler"),
			WithFS(fsys),
			WithLogger(log.New(log.LevelDebug, out)),
		)
	}()

	okID := srv.Enqueue([]byte(`{"x": 1}`))
	failID := srv.Enqueue([]byte(`{"fail": true}`))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	reports, err := srv.WaitReports(waitCtx, 2)
	if err != nil {
		t.Fatalf("WaitReports: %v", err)
	}
	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("expected exit code 0 after shutdown, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if reports[0].RequestID != okID || reports[0].Kind != runtimeapitest.KindResponse || string(reports[0].Body) != `{"ok":true}` {
		t.Errorf("unexpected first report: %+v", reports[0])
	}
	want := `{"errorMessage":"out of range","errorType":"RangeError"}`
	if reports[1].RequestID != failID || reports[1].Kind != runtimeapitest.KindError || string(reports[1].Body) != want {
		t.Errorf("unexpected second report: %+v", reports[1])
	}
	if reports[1].ErrorType != "RangeError" {
		t.Errorf("expected error type header RangeError, got %q", reports[1].ErrorType)
	}

	logs := out.String()
	if !strings.Contains(logs, `"request_id":"`+okID+`"`) || !strings.Contains(logs, "handling") {
		t.Errorf("expected console output tagged with the request id, got:\n%s", logs)
	}
	if !strings.Contains(logs, "handler initialized") {
		t.Errorf("expected an initialization log line, got:\n%s", logs)
	}
}

func TestRunReportsInitErrorOnce(t *testing.T) {
	srv := runtimeapitest.NewServer()
	defer srv.Close()

	out := &syncBuffer{}
	code := Run(context.Background(), testConfig(srv.Addr(), "app.handler"),
		WithFS(fstest.MapFS{}),
		WithLogger(log.New(log.LevelDebug, out)),
	)
	if code == 0 {
		t.Fatal("expected a non-zero exit code")
	}

	reports := srv.Reports()
	if len(reports) != 1 || reports[0].Kind != runtimeapitest.KindInitError {
		t.Fatalf("expected exactly one init error report, got %+v", reports)
	}
	if reports[0].ErrorType != runtime.ErrorTypeImportModule {
		t.Errorf("expected %s, got %q", runtime.ErrorTypeImportModule, reports[0].ErrorType)
	}
	if !strings.Contains(string(reports[0].Body), `"errorType":"Runtime.ImportModuleError"`) {
		t.Errorf("unexpected init error body %s", reports[0].Body)
	}
	if n := srv.NextCalls(); n != 0 {
		t.Errorf("expected no /next calls, got %d", n)
	}
}

func TestRunInitErrorUnreported(t *testing.T) {
	srv := runtimeapitest.NewServer()
	defer srv.Close()
	srv.RejectPosts(true)

	out := &syncBuffer{}
	fsys := fstest.MapFS{"app.js": {Data: []byte(`throw new Error("init failed");`)}}
	code := Run(context.Background(), testConfig(srv.Addr(), "app.handler"),
		WithFS(fsys),
		WithLogger(log.New(log.LevelDebug, out)),
	)
	if code == 0 {
		t.Fatal("expected a non-zero exit code")
	}
	if !strings.Contains(out.String(), "failed to report initialization error") {
		t.Errorf("expected the failed report to be logged, got:\n%s", out.String())
	}
	if srv.NextCalls() != 0 {
		t.Error("the loop must not start after a failed initialization")
	}
}

func TestRunRemainingTimeCapability(t *testing.T) {
	srv := runtimeapitest.NewServer()
	defer srv.Close()

	now := time.UnixMilli(1_700_000_000_000)
	fsys := fstest.MapFS{
		"app.js": {Data: []byte(`
			exports.handler = function(event, context) {
				return {
					host: remainingTimeInMillis(context),
					method: context.getRemainingTimeInMillis(),
				};
			};
		`)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- Run(ctx, testConfig(srv.Addr(), "app.handler"),
			WithFS(fsys),
			WithLogger(log.Nop()),
			WithClock(func() time.Time { return now }),
		)
	}()

	srv.Enqueue([]byte(`{}`), runtimeapitest.WithDeadline(now.Add(1500*time.Millisecond)))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	reports, err := srv.WaitReports(waitCtx, 1)
	cancel()
	<-done
	if err != nil {
		t.Fatalf("WaitReports: %v", err)
	}
	if string(reports[0].Body) != `{"host":1500,"method":1500}` {
		t.Errorf("unexpected body %s", reports[0].Body)
	}
}

func TestInitializeRejectsNonFunctionExport(t *testing.T) {
	fsys := fstest.MapFS{"app.js": {Data: []byte(`exports.handler = 1;`)}}
	_, err := Initialize(fsys, "app.handler", script.WithConsole(log.Nop()))
	if err == nil {
		t.Fatal("expected non-function export to be rejected")
	}
	var rerr *runtime.Error
	if !errors.As(err, &rerr) || rerr.Type != runtime.ErrorTypeHandlerNotFound {
		t.Errorf("expected %s, got %v", runtime.ErrorTypeHandlerNotFound, err)
	}
}

func TestRunSurvivesCyclicResult(t *testing.T) {
	srv := runtimeapitest.NewServer()
	defer srv.Close()

	fsys := fstest.MapFS{
		"app.js": {Data: []byte(`
			exports.handler = function(event) {
				if (event.cyclic) { var o = {a: 1}; o.self = o; return o; }
				return {ok: true};
			};
		`)},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- Run(ctx, testConfig(srv.Addr(), "app.handler"), WithFS(fsys), WithLogger(log.Nop()))
	}()

	cyclicID := srv.Enqueue([]byte(`{"cyclic": true}`))
	okID := srv.Enqueue([]byte(`{}`))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	reports, err := srv.WaitReports(waitCtx, 2)
	cancel()
	<-done
	if err != nil {
		t.Fatalf("WaitReports: %v", err)
	}

	if reports[0].RequestID != cyclicID || reports[0].Kind != runtimeapitest.KindError || reports[0].ErrorType != "TypeError" {
		t.Errorf("expected a TypeError report for the cyclic result, got %+v", reports[0])
	}
	if reports[1].RequestID != okID || reports[1].Kind != runtimeapitest.KindResponse || string(reports[1].Body) != `{"ok":true}` {
		t.Errorf("the next invocation should succeed, got %+v", reports[1])
	}
}
