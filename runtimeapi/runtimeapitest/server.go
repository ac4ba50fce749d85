// Package runtimeapitest provides an in-memory Lambda Runtime API. Events are
// queued with Enqueue and handed out by GET /invocation/next; every report a
// runtime posts back is recorded for inspection.
package runtimeapitest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gurre/scriptlambda/runtimeapi"
)

// Report kinds.
const (
	KindResponse  = "response"
	KindError     = "error"
	KindInitError = "init-error"
)

// Report is one POST received from the runtime.
type Report struct {
	Kind      string
	RequestID string
	Body      []byte
	// ErrorType is the Lambda-Runtime-Function-Error-Type header, if sent.
	ErrorType string
	// Rejected is set when the server answered the POST with an error status.
	Rejected bool
}

// Event is an invocation waiting in the queue.
type Event struct {
	RequestID   string
	Payload     []byte
	Deadline    time.Time
	FunctionArn string
	TraceID     string
}

// EventOption customises an enqueued Event.
type EventOption func(*Event)

// WithRequestID overrides the generated request id.
func WithRequestID(id string) EventOption {
	return func(e *Event) { e.RequestID = id }
}

// WithDeadline sets the absolute deadline sent with the event.
func WithDeadline(t time.Time) EventOption {
	return func(e *Event) { e.Deadline = t }
}

// WithTraceID sets the X-Ray header sent with the event.
func WithTraceID(id string) EventOption {
	return func(e *Event) { e.TraceID = id }
}

// Server is a fake Runtime API.
type Server struct {
	// FunctionArn is sent with every event that does not set its own.
	FunctionArn string
	// Timeout is the deadline offset for events enqueued without WithDeadline,
	// counted from when /next hands the event out.
	Timeout time.Duration

	queue chan Event

	mu          sync.Mutex
	nextCalls   int
	reports     []Report
	rejectPosts bool
	changed     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	httpServer *httptest.Server
}

// New returns a Server that is not listening yet. Serve it with Handler, or
// use NewServer for a ready httptest listener.
func New() *Server {
	return &Server{
		FunctionArn: "arn:aws:lambda:us-east-1:123456789012:function:test",
		Timeout:     3 * time.Second,
		queue:       make(chan Event, 1024),
		changed:     make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// NewServer returns a Server listening on a loopback httptest listener.
// Call Close when done.
func NewServer() *Server {
	s := New()
	s.httpServer = httptest.NewServer(s.Handler())
	return s
}

// Addr is the host:port to put in AWS_LAMBDA_RUNTIME_API.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return strings.TrimPrefix(s.httpServer.URL, "http://")
}

// Close releases blocked /next calls and shuts the httptest listener down.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	if s.httpServer != nil {
		s.httpServer.CloseClientConnections()
		s.httpServer.Close()
	}
}

// Handler serves the Runtime API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+runtimeapi.Prefix+"/invocation/next", s.handleNext)
	mux.HandleFunc("POST "+runtimeapi.Prefix+"/invocation/{id}/response", s.handleReport(KindResponse))
	mux.HandleFunc("POST "+runtimeapi.Prefix+"/invocation/{id}/error", s.handleReport(KindError))
	mux.HandleFunc("POST "+runtimeapi.Prefix+"/init/error", s.handleReport(KindInitError))
	return mux
}

// Enqueue queues payload as the next event and returns its request id.
func (s *Server) Enqueue(payload []byte, opts ...EventOption) string {
	e := Event{
		RequestID:   uuid.NewString(),
		Payload:     payload,
		FunctionArn: s.FunctionArn,
	}
	for _, opt := range opts {
		opt(&e)
	}
	s.queue <- e
	return e.RequestID
}

// RejectPosts makes subsequent report POSTs fail with 500. They are still
// recorded, with Rejected set.
func (s *Server) RejectPosts(reject bool) {
	s.mu.Lock()
	s.rejectPosts = reject
	s.mu.Unlock()
}

// NextCalls is how many times /next has been requested.
func (s *Server) NextCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextCalls
}

// Reports returns a copy of every report received so far.
func (s *Server) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

// WaitReports blocks until at least n reports arrived and returns them.
func (s *Server) WaitReports(ctx context.Context, n int) ([]Report, error) {
	return s.waitFor(ctx, func() bool { return len(s.reports) >= n })
}

// WaitNextCalls blocks until /next has been requested at least n times.
func (s *Server) WaitNextCalls(ctx context.Context, n int) error {
	_, err := s.waitFor(ctx, func() bool { return s.nextCalls >= n })
	return err
}

func (s *Server) waitFor(ctx context.Context, done func() bool) ([]Report, error) {
	for {
		s.mu.Lock()
		if done() {
			out := append([]Report(nil), s.reports...)
			s.mu.Unlock()
			return out, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return s.Reports(), ctx.Err()
		}
	}
}

// signal wakes every waiter. Must be called with s.mu held.
func (s *Server) signal() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.nextCalls++
	s.signal()
	s.mu.Unlock()

	var e Event
	select {
	case e = <-s.queue:
	case <-r.Context().Done():
		return
	case <-s.closed:
		http.Error(w, "runtime API is shutting down", http.StatusServiceUnavailable)
		return
	}

	if e.Deadline.IsZero() {
		e.Deadline = time.Now().Add(s.Timeout)
	}

	h := w.Header()
	h.Set(runtimeapi.HeaderRequestID, e.RequestID)
	h.Set(runtimeapi.HeaderDeadlineMS, strconv.FormatInt(e.Deadline.UnixMilli(), 10))
	h.Set(runtimeapi.HeaderInvokedFunctionARN, e.FunctionArn)
	if e.TraceID != "" {
		h.Set(runtimeapi.HeaderTraceID, e.TraceID)
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.Payload)
}

func (s *Server) handleReport(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		rejected := s.rejectPosts
		s.reports = append(s.reports, Report{
			Kind:      kind,
			RequestID: r.PathValue("id"),
			Body:      body,
			ErrorType: r.Header.Get(runtimeapi.HeaderFunctionErrorType),
			Rejected:  rejected,
		})
		s.signal()
		s.mu.Unlock()

		if rejected {
			http.Error(w, "rejected", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}
}
