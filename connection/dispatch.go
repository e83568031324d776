package connection

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/frame"
)

// Handler serves one dispatched Call. It may Push any number of
// intermediates and eventually call Finish or Fail, or simply return and
// let Dispatcher synthesize a terminal response.
type Handler func(ctx context.Context, call *callmux.Call)

// Dispatcher resolves an inbound Call to a Handler by its "do" field.
// This is the statically-typed replacement for the reflection-based
// "do_"+name method lookup the design notes call out: handlers are
// registered explicitly in a map rather than discovered by name, which
// also rules out ever accidentally invoking an unrelated method.
type Dispatcher struct {
	log *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher(log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h as the handler for operation name op, replacing any
// existing registration.
func (d *Dispatcher) Handle(op string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = h
}

// Dispatch resolves call's "do" field and runs the matching handler. A
// call with no "do" field should never reach here — that case belongs to
// Connection's router, per the protocol's component design — but is
// treated the same as an unknown operation for defense in depth. Any
// handler panic is recovered and converted to a failed terminal response,
// the same outcome as the handler calling Fail itself.
func (d *Dispatcher) Dispatch(ctx context.Context, call *callmux.Call) {
	op, _ := call.Message.Do()

	d.mu.RLock()
	h, ok := d.handlers[op]
	d.mu.RUnlock()

	if !ok {
		call.Fail(frame.Frame{"error": frame.ErrorInfo{
			Class:   "unknown_operation",
			Message: fmt.Sprintf("unknown operation %q", op),
		}})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("handler panicked", "Op", op, "Panic", r)
			call.Fail(frame.Frame{"error": frame.ErrorInfo{
				Class:     "panic",
				Message:   fmt.Sprint(r),
				Backtrace: splitStack(debug.Stack()),
			}})
		}
	}()

	h(ctx, call)

	if !call.Closed() {
		call.Finish(frame.Frame{})
	}
}

func splitStack(stack []byte) []string {
	var lines []string
	start := 0
	for i, b := range stack {
		if b == '\n' {
			lines = append(lines, string(stack[start:i]))
			start = i + 1
		}
	}
	if start < len(stack) {
		lines = append(lines, string(stack[start:]))
	}
	return lines
}
