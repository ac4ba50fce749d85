package script

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Error is an exception raised by the program: a thrown Error object, a
// thrown primitive, or a compile failure.
type Error struct {
	// Name is the exception's name property, e.g. "TypeError". It is the
	// errorType reported to the host.
	Name    string
	Message string
	// Stack is goja's rendering of the exception, including its position.
	Stack string
}

func (e *Error) Error() string { return e.Message }

// ErrorType makes Error reportable with its JavaScript name.
func (e *Error) ErrorType() string { return e.Name }

// defaultErrorName is used when the thrown value has no usable name.
const defaultErrorName = "Error"

// fromJS converts an error returned by goja into an *Error where possible.
func fromJS(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fromException(ex)
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &Error{Name: "SyntaxError", Message: syntax.Error(), Stack: syntax.Error()}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &Error{Name: "InterruptedError", Message: interrupted.Error(), Stack: interrupted.String()}
	}
	return err
}

func fromException(ex *goja.Exception) *Error {
	e := &Error{Name: defaultErrorName, Message: ex.Error(), Stack: ex.String()}
	val := ex.Value()
	if val == nil || goja.IsUndefined(val) {
		return e
	}
	obj, ok := val.(*goja.Object)
	if !ok {
		// throw "boom"
		e.Message = val.String()
		return e
	}
	if name := obj.Get("name"); present(name) && name.String() != "" {
		e.Name = name.String()
	}
	if msg := obj.Get("message"); present(msg) {
		e.Message = msg.String()
	}
	return e
}

// fromRejection converts the reason of a rejected promise.
func fromRejection(reason goja.Value) *Error {
	if obj, ok := reason.(*goja.Object); ok {
		e := &Error{Name: defaultErrorName, Message: obj.String()}
		if name := obj.Get("name"); present(name) && name.String() != "" {
			e.Name = name.String()
		}
		if msg := obj.Get("message"); present(msg) {
			e.Message = msg.String()
		}
		if stack := obj.Get("stack"); present(stack) {
			e.Stack = stack.String()
		}
		return e
	}
	if !present(reason) {
		return &Error{Name: defaultErrorName, Message: fmt.Sprint(reason)}
	}
	return &Error{Name: defaultErrorName, Message: reason.String()}
}

func present(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}
