package script

import (
	"path"
	"strings"

	"github.com/gurre/scriptlambda/runtime"
)

// Extension is appended to the file part of a handler specifier.
const Extension = ".js"

// HandlerSpec is a parsed "<file>.<method>" handler specifier.
type HandlerSpec struct {
	File   string
	Method string
}

// Path is the program file relative to the task root.
func (h HandlerSpec) Path() string {
	return path.Clean(h.File + Extension)
}

func (h HandlerSpec) String() string {
	return h.File + "." + h.Method
}

// ParseHandler splits s on its last dot, so "lib/app.handler" names method
// "handler" in "lib/app.js".
func ParseHandler(s string) (HandlerSpec, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return HandlerSpec{}, runtime.Errorf(runtime.ErrorTypeInvalidHandler,
			"bad handler %q: expected \"<file>.<method>\"", s)
	}
	h := HandlerSpec{File: s[:i], Method: s[i+1:]}
	if clean := path.Clean(h.File); clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(h.File) {
		return HandlerSpec{}, runtime.Errorf(runtime.ErrorTypeInvalidHandler,
			"bad handler %q: file must be inside the task root", s)
	}
	return h, nil
}
