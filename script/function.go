package script

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/gurre/scriptlambda/runtime"
)

// Function is a resolved program function. It implements runtime.Handler.
type Function struct {
	prog *Program
	name string
	fn   goja.Callable
}

var _ runtime.Handler = (*Function)(nil)

// Name is the name the function was resolved by.
func (f *Function) Name() string { return f.name }

// Invoke calls the function with (event, context) and waits for it to
// return. A returned promise must already be settled once the call's job
// queue drains; there is no event loop for timers.
func (f *Function) Invoke(ctx context.Context, event any, ic *runtime.InvocationContext) (result any, err error) {
	p := f.prog
	p.current = ctx
	defer func() { p.current = context.Background() }()

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, runtime.Errorf(runtime.ErrorTypeUnknown, "handler panicked: %v", r)
		}
	}()

	ret, err := f.fn(goja.Undefined(), p.vm.ToValue(event), p.contextObject(ic))
	if err != nil {
		return nil, fromJS(err)
	}
	return p.export(ret)
}

// export turns a handler's return value into a result for the loop. Strings
// are returned as text; anything else is encoded with JSON.stringify, so
// cyclic values raise a TypeError in the program instead of reaching Go.
func (p *Program) export(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) {
		return runtime.RawResponse(nil), nil
	}
	if promise, ok := v.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return p.export(promise.Result())
		case goja.PromiseStateRejected:
			return nil, fromRejection(promise.Result())
		default:
			return nil, &Error{Name: defaultErrorName, Message: "handler returned a promise that never settled"}
		}
	}
	if _, isObj := v.(*goja.Object); !isObj {
		if s, ok := v.Export().(string); ok {
			return s, nil
		}
	}

	out, err := p.toJSON(goja.Undefined(), v)
	if err != nil {
		return nil, fromJS(err)
	}
	// JSON.stringify yields undefined for functions and symbols.
	if out == nil || goja.IsUndefined(out) {
		return runtime.RawResponse(nil), nil
	}
	return runtime.RawResponse(out.String()), nil
}

// contextObject builds the second handler argument. deadline is the
// absolute deadline in Unix milliseconds.
func (p *Program) contextObject(ic *runtime.InvocationContext) *goja.Object {
	vm := p.vm
	obj := vm.NewObject()
	set := func(k string, v any) {
		if err := obj.Set(k, v); err != nil {
			panic(fmt.Sprintf("context.%s: %v", k, err))
		}
	}
	set("awsRequestId", ic.AwsRequestID)
	set("invokedFunctionArn", ic.InvokedFunctionArn)
	set("deadline", ic.Deadline.UnixMilli())
	set("traceId", ic.TraceID)
	set("logGroupName", ic.LogGroupName)
	set("logStreamName", ic.LogStreamName)
	set("functionName", ic.FunctionName)
	set("functionVersion", ic.FunctionVersion)
	set("memoryLimitInMB", ic.MemoryLimitInMB)
	set("getRemainingTimeInMillis", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(ic.Deadline.UnixMilli() - p.now().UnixMilli())
	})
	return obj
}
