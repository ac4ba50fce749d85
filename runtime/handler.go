package runtime

import (
	"context"
)

// Handler is the resolved user entry point. The loop calls Invoke once per
// event, synchronously, and never concurrently.
//
// event is the decoded JSON body (nil for an empty body). A nil error means
// the returned value is reported as the invocation's result.
type Handler interface {
	Invoke(ctx context.Context, event any, ic *InvocationContext) (any, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, event any, ic *InvocationContext) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, event any, ic *InvocationContext) (any, error) {
	return f(ctx, event, ic)
}

// RawResponse is sent to the host byte for byte. A nil RawResponse produces
// an empty response body.
type RawResponse []byte
