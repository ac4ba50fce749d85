package log

import (
	"context"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// JSON is the encoder used for log lines. Keys are sorted so that lines are
// stable across runs, which keeps CloudWatch Insights queries and tests simple.
var JSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

type jsonLogger struct {
	level  Level
	out    io.Writer
	mu     *sync.Mutex
	fields map[string]any
	now    func() time.Time
}

// New returns a Logger writing one JSON object per line to w.
func New(level Level, w io.Writer) Logger {
	if w == nil {
		w = io.Discard
	}
	return &jsonLogger{level: level, out: w, mu: &sync.Mutex{}, now: time.Now}
}

func (l *jsonLogger) With(args ...any) Logger {
	extra := parseArgs(args...)
	if len(extra) == 0 {
		return l
	}
	fields := make(map[string]any, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}
	// Children share the writer lock so concurrent lines never interleave.
	return &jsonLogger{level: l.level, out: l.out, mu: l.mu, fields: fields, now: l.now}
}

func (l *jsonLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error())
}

func (l *jsonLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelDebug, msg, args)
}

func (l *jsonLogger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelInfo, msg, args)
}

func (l *jsonLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelWarn, msg, args)
}

func (l *jsonLogger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelError, msg, args)
}

func (l *jsonLogger) log(ctx context.Context, level Level, msg string, args []any) {
	if level < l.level {
		return
	}

	extra := parseArgs(args...)
	entry := make(map[string]any, len(l.fields)+len(extra)+4)
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range extra {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		entry["request_id"] = id
	}
	entry["timestamp"] = l.now().UTC().Format(timestampLayout)
	entry["level"] = level.String()
	entry["message"] = msg

	line, err := JSON.Marshal(entry)
	if err != nil {
		line, _ = JSON.Marshal(map[string]any{
			"timestamp": entry["timestamp"],
			"level":     LevelError.String(),
			"message":   "failed to marshal log entry",
			"error":     err.Error(),
		})
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(line)
}

// parseArgs accepts alternating key/value pairs or a single map[string]any.
// Non-string keys are dropped along with their value.
func parseArgs(args ...any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	if len(args) == 1 {
		if m, ok := args[0].(map[string]any); ok {
			return m
		}
	}
	out := make(map[string]any, (len(args)+1)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok {
			out[k] = args[i+1]
		}
	}
	return out
}
