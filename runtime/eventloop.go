package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gurre/scriptlambda/log"
	"github.com/gurre/scriptlambda/runtimeapi"
)

// codec decodes events and encodes results. HTML escaping is off because
// results are returned verbatim to the caller, not embedded in pages.
var codec = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// defaultPollBackoff is how long the loop waits after a failed /next call.
const defaultPollBackoff = 100 * time.Millisecond

// Loop fetches invocations one at a time and hands them to a Handler.
// It never overlaps two invocations and never prefetches.
type Loop struct {
	api     runtimeapi.RuntimeAPI
	handler Handler
	meta    FunctionMetadata
	logger  log.Logger

	pollBackoff time.Duration
	now         func() time.Time
}

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithLogger sets the logger used for loop diagnostics.
func WithLogger(l log.Logger) LoopOption {
	return func(loop *Loop) { loop.logger = l }
}

// WithPollBackoff sets the pause after a failed /next call.
func WithPollBackoff(d time.Duration) LoopOption {
	return func(loop *Loop) { loop.pollBackoff = d }
}

// NewLoop returns a Loop reporting to api and dispatching to h. meta is
// copied into every InvocationContext.
func NewLoop(api runtimeapi.RuntimeAPI, h Handler, meta FunctionMetadata, opts ...LoopOption) *Loop {
	l := &Loop{
		api:         api,
		handler:     h,
		meta:        meta,
		logger:      log.Nop(),
		pollBackoff: defaultPollBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run processes invocations until ctx is cancelled, then returns nil.
// Failures of a single invocation, including failures to report it, are
// logged and never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := l.now()
		inv, err := l.api.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error(ctx, "failed to fetch next invocation", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.pollBackoff):
			}
			continue
		}

		l.process(ctx, inv, l.now().Sub(start))
	}
}

// invocationMetrics is logged once per invocation.
type invocationMetrics struct {
	outcome   string
	errorType string
	nextMs    int64
	handlerMs int64
	reportMs  int64
}

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

func (l *Loop) process(ctx context.Context, inv *runtimeapi.Invocation, nextDur time.Duration) {
	ic := &InvocationContext{
		AwsRequestID:       inv.RequestID,
		InvokedFunctionArn: inv.InvokedFunctionArn,
		Deadline:           inv.Deadline,
		TraceID:            inv.TraceID,
		FunctionMetadata:   l.meta,
	}
	invokeCtx := NewContext(log.WithRequestID(ctx, inv.RequestID), ic)
	// Reports go out even if shutdown starts while the handler runs.
	reportCtx := context.WithoutCancel(invokeCtx)

	m := invocationMetrics{nextMs: nextDur.Milliseconds()}
	defer func() {
		l.logger.Info(invokeCtx, "invocation complete",
			"outcome", m.outcome,
			"error_type", m.errorType,
			"next_ms", m.nextMs,
			"handler_ms", m.handlerMs,
			"report_ms", m.reportMs,
		)
	}()

	fail := func(err error) {
		resp := NewErrorResponse(err)
		m.outcome, m.errorType = outcomeError, resp.ErrorType
		start := l.now()
		if postErr := l.api.Error(reportCtx, inv.RequestID, resp); postErr != nil {
			l.logger.Error(invokeCtx, "failed to report invocation error",
				"error", err, "error_type", resp.ErrorType, "report_error", postErr)
		}
		m.reportMs = l.now().Sub(start).Milliseconds()
	}

	var event any
	if len(inv.Payload) > 0 {
		if err := codec.Unmarshal(inv.Payload, &event); err != nil {
			fail(Errorf(ErrorTypeUnmarshal, "invalid event payload: %v", err))
			return
		}
	}

	start := l.now()
	result, err := l.handler.Invoke(invokeCtx, event, ic)
	m.handlerMs = l.now().Sub(start).Milliseconds()
	if err != nil {
		l.logger.Debug(invokeCtx, "handler returned an error", "error", err)
		fail(err)
		return
	}

	body, err := EncodeResult(result)
	if err != nil {
		fail(NewError(ErrorTypeMarshal, err))
		return
	}

	m.outcome = outcomeSuccess
	start = l.now()
	if postErr := l.api.Response(reportCtx, inv.RequestID, body); postErr != nil {
		l.logger.Error(invokeCtx, "failed to report invocation response", "report_error", postErr)
	}
	m.reportMs = l.now().Sub(start).Milliseconds()
}

// EncodeResult turns a handler result into a response body. Text is passed
// through unchanged; everything else is encoded as JSON.
func EncodeResult(v any) ([]byte, error) {
	switch r := v.(type) {
	case RawResponse:
		return r, nil
	case string:
		return []byte(r), nil
	case []byte:
		return r, nil
	case json.RawMessage:
		return r, nil
	}
	b, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return b, nil
}
