package runtime

import (
	"context"
	"time"
)

// FunctionMetadata describes the function instance. It is read once from
// configuration at start-up and copied unchanged into every invocation.
type FunctionMetadata struct {
	FunctionName    string // Name of the current Lambda function
	FunctionVersion string // Published version of the current Lambda
	LogGroupName    string // CloudWatch Logs group for this Lambda
	LogStreamName   string // CloudWatch Logs stream for this Lambda instance
	MemoryLimitInMB int    // Configured memory limit for this Lambda instance
}

// InvocationContext carries the metadata of a single invocation.
type InvocationContext struct {
	// Per-invocation fields
	AwsRequestID       string
	InvokedFunctionArn string
	Deadline           time.Time
	TraceID            string

	FunctionMetadata
}

// RemainingTime is the time left until Deadline as seen at now. It is
// negative once the deadline has passed and zero when no deadline is known.
func (ic *InvocationContext) RemainingTime(now time.Time) time.Duration {
	if ic.Deadline.IsZero() {
		return 0
	}
	return ic.Deadline.Sub(now)
}

type invocationContextKey struct{}

// NewContext returns a new context that carries ic.
func NewContext(parent context.Context, ic *InvocationContext) context.Context {
	return context.WithValue(parent, invocationContextKey{}, ic)
}

// FromContext retrieves the InvocationContext stored in ctx, if any.
func FromContext(ctx context.Context) (*InvocationContext, bool) {
	ic, ok := ctx.Value(invocationContextKey{}).(*InvocationContext)
	return ic, ok
}
