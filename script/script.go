// Package script loads a JavaScript program into an embedded goja runtime
// and exposes one of its functions as a runtime.Handler.
//
// Host capabilities are handed to Load as options; nothing is installed in
// the program's global namespace unless an option asks for it.
package script

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"

	"github.com/gurre/scriptlambda/log"
	"github.com/gurre/scriptlambda/runtime"
)

// HostFunc is a Go function callable from the program.
type HostFunc func(vm *goja.Runtime, call goja.FunctionCall) goja.Value

type options struct {
	funcs   []namedFunc
	logger  log.Logger
	console bool
	now     func() time.Time
}

type namedFunc struct {
	name string
	fn   HostFunc
}

// Option configures Load.
type Option func(*options)

// WithFunc exposes fn to the program as the global function name.
func WithFunc(name string, fn HostFunc) Option {
	return func(o *options) { o.funcs = append(o.funcs, namedFunc{name: name, fn: fn}) }
}

// WithConsole exposes a console object whose output goes to l.
func WithConsole(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
		o.console = true
	}
}

// WithClock replaces time.Now, for the context's getRemainingTimeInMillis.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Program is an evaluated program. It owns one goja runtime and must not be
// used from more than one goroutine at a time.
type Program struct {
	vm       *goja.Runtime
	filename string
	module   *goja.Object
	now      func() time.Time
	// toJSON is the built-in JSON.stringify, captured before the program
	// runs so results are encoded the same way even if the program
	// replaces it.
	toJSON goja.Callable

	// current is the context of the running invocation; console lines are
	// tagged with its request id.
	current context.Context
}

// Load evaluates source in a fresh runtime. Compile and evaluation errors
// are returned as *Error; a failed capability registration as *runtime.Error.
func Load(filename, source string, opts ...Option) (*Program, error) {
	o := options{logger: log.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	vm := goja.New()
	p := &Program{vm: vm, filename: filename, now: o.now, current: context.Background()}

	toJSON, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, registrationError("JSON.stringify", errors.New("not a function"))
	}
	p.toJSON = toJSON

	// CommonJS style exports are supported alongside plain globals.
	p.module = vm.NewObject()
	exports := vm.NewObject()
	if err := p.module.Set("exports", exports); err != nil {
		return nil, registrationError("module", err)
	}
	if err := vm.Set("module", p.module); err != nil {
		return nil, registrationError("module", err)
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, registrationError("exports", err)
	}

	if o.console {
		if err := vm.Set("console", newConsole(p, o.logger)); err != nil {
			return nil, registrationError("console", err)
		}
	}
	for _, f := range o.funcs {
		fn := f.fn
		if err := vm.Set(f.name, func(call goja.FunctionCall) goja.Value { return fn(vm, call) }); err != nil {
			return nil, registrationError(f.name, err)
		}
	}

	if _, err := vm.RunScript(filename, source); err != nil {
		return nil, fromJS(err)
	}
	return p, nil
}

func registrationError(name string, err error) error {
	return runtime.Errorf(runtime.ErrorTypeUnknown, "failed to register %s: %v", name, err)
}

var identifier = regexp.MustCompile(`^[\p{L}_$][\p{L}\p{N}_$]*$`)

// Function resolves name to a callable. module.exports is consulted first,
// then global variables and functions, then top-level let/const bindings.
func (p *Program) Function(name string) (*Function, error) {
	v := p.lookup(name)
	if !present(v) {
		return nil, runtime.Errorf(runtime.ErrorTypeHandlerNotFound,
			"%s is undefined or not exported in %s", name, p.filename)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, runtime.Errorf(runtime.ErrorTypeHandlerNotFound,
			"%s in %s is not a function", name, p.filename)
	}
	return &Function{prog: p, name: name, fn: fn}, nil
}

func (p *Program) lookup(name string) goja.Value {
	if exports := p.module.Get("exports"); present(exports) {
		if v := exports.ToObject(p.vm).Get(name); present(v) {
			return v
		}
	}
	if v := p.vm.Get(name); present(v) {
		return v
	}
	if !identifier.MatchString(name) {
		return nil
	}
	// Lexical bindings are not properties of the global object.
	v, err := p.vm.RunString(name)
	if err != nil {
		return nil
	}
	return v
}

// stringify renders v the way JSON.stringify would, falling back to
// String() for values JSON cannot represent.
func (p *Program) stringify(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			if b, err := obj.MarshalJSON(); err == nil {
				return string(b)
			}
		}
	}
	if v == nil {
		return "undefined"
	}
	return v.String()
}

func (p *Program) String() string {
	return fmt.Sprintf("script.Program(%s)", p.filename)
}
