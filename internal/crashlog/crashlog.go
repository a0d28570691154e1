// Package crashlog records recovered panics with their stack traces.
package crashlog

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

// Init sets the logger crash records go to. Without it they go to
// slog.Default().
func Init(l *slog.Logger) {
	logger.Store(l)
}

func current() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// LogPanic records a recovered panic with the stack of the calling
// goroutine. Call it from the deferred recover.
func LogPanic(module string, r any, ctx map[string]string) {
	stack := make([]byte, 8192)
	n := runtime.Stack(stack, false)

	attrs := []any{
		"module", module,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(stack[:n]),
	}
	for k, v := range ctx {
		attrs = append(attrs, k, v)
	}
	current().Error("recovered panic", attrs...)
}

// LogError records an error with optional context.
func LogError(module string, err error, ctx map[string]string) {
	if err == nil {
		return
	}
	attrs := []any{"module", module, "error", err.Error()}
	for k, v := range ctx {
		attrs = append(attrs, k, v)
	}
	current().Error("error", attrs...)
}
