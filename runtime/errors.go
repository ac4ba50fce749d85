package runtime

import (
	"errors"
	"fmt"

	"github.com/gurre/scriptlambda/runtimeapi"
)

// Error types reported by the runtime itself. Errors raised by user code
// carry their own type.
const (
	ErrorTypeInvalidConfig   = "Runtime.InvalidConfig"
	ErrorTypeInvalidHandler  = "Runtime.InvalidHandler"
	ErrorTypeImportModule    = "Runtime.ImportModuleError"
	ErrorTypeHandlerNotFound = "Runtime.HandlerNotFound"
	ErrorTypeUnmarshal       = "Runtime.UnmarshalError"
	ErrorTypeMarshal         = "Runtime.MarshalError"
	ErrorTypeUnknown         = "Runtime.Unknown"
)

// Error attaches a reportable type to an error.
type Error struct {
	Type string
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorType() string { return e.Type }

// NewError wraps err with type typ.
func NewError(typ string, err error) *Error {
	return &Error{Type: typ, Err: err}
}

// Errorf is NewError with a formatted message.
func Errorf(typ, format string, args ...any) *Error {
	return &Error{Type: typ, Err: fmt.Errorf(format, args...)}
}

// typed is implemented by errors that know how they should be reported.
type typed interface {
	ErrorType() string
}

// NewErrorResponse builds the {errorMessage, errorType} record for err. The
// type comes from the first error in the chain implementing ErrorType.
func NewErrorResponse(err error) runtimeapi.ErrorResponse {
	if err == nil {
		return runtimeapi.ErrorResponse{ErrorType: ErrorTypeUnknown}
	}
	resp := runtimeapi.ErrorResponse{ErrorMessage: err.Error(), ErrorType: ErrorTypeUnknown}
	var t typed
	if errors.As(err, &t) && t.ErrorType() != "" {
		resp.ErrorType = t.ErrorType()
	}
	return resp
}
