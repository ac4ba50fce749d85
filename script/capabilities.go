package script

import (
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/gurre/scriptlambda/log"
)

// RemainingTimeName is the global name bootstrap registers
// RemainingTimeInMillis under.
const RemainingTimeName = "remainingTimeInMillis"

// RemainingTimeInMillis returns a HostFunc computing context.deadline - now
// in milliseconds. It throws a TypeError unless its argument is an object
// with a numeric deadline field.
func RemainingTimeInMillis(now func() time.Time) HostFunc {
	if now == nil {
		now = time.Now
	}
	return func(vm *goja.Runtime, call goja.FunctionCall) goja.Value {
		deadline, ok := deadlineOf(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("invalid context supplied"))
		}
		return vm.ToValue(deadline - now().UnixMilli())
	}
}

func deadlineOf(v goja.Value) (int64, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return 0, false
	}
	d := obj.Get("deadline")
	if !present(d) {
		return 0, false
	}
	switch n := d.Export().(type) {
	case int64:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// newConsole returns a console object writing through l. Arguments are
// joined with spaces; objects are rendered as JSON.
func newConsole(p *Program, l log.Logger) *goja.Object {
	vm := p.vm
	console := vm.NewObject()
	bind := func(name string, emit func(msg string)) {
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = p.stringify(arg)
			}
			emit(strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	logger := l.With("source", "console")
	bind("log", func(msg string) { logger.Info(p.current, msg) })
	bind("info", func(msg string) { logger.Info(p.current, msg) })
	bind("debug", func(msg string) { logger.Debug(p.current, msg) })
	bind("warn", func(msg string) { logger.Warn(p.current, msg) })
	bind("error", func(msg string) { logger.Error(p.current, msg) })
	return console
}
