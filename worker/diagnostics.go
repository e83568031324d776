package worker

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/frame"
)

// registerDiagnostics wires the well-known diagnostic operations onto the
// worker's own Dispatcher. Go's equivalent of the reference runtime's
// scheduler/thread/GC introspection methods is the runtime/pprof and
// runtime/trace packages; no third-party library in the example pack
// touches process-internal diagnostics, so these handlers are grounded
// directly on the standard library, the same way net/http/pprof exposes
// them over HTTP elsewhere in the ecosystem.
func (w *Worker) registerDiagnostics() {
	w.dispatcher.Handle("scheduler_dump", w.handleSchedulerDump)
	w.dispatcher.Handle("memory_dump", w.handleMemoryDump)
	w.dispatcher.Handle("memory_sample", w.handleMemorySample)
	w.dispatcher.Handle("thread_dump", w.handleThreadDump)
	w.dispatcher.Handle("garbage_profile_start", w.handleGarbageProfileStart)
	w.dispatcher.Handle("garbage_profile_stop", w.handleGarbageProfileStop)
}

// handleSchedulerDump reports the goroutine scheduler's view of the world:
// every live goroutine's stack, the closest Go analogue to a scheduler
// dump in a cooperative-coroutine runtime.
func (w *Worker) handleSchedulerDump(ctx context.Context, call *callmux.Call) {
	t := parseDumpTarget(call)
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 2); err != nil {
		call.Fail(frame.Frame{"error": err.Error()})
		return
	}
	finishDump(w.log, call, t, buf.Bytes(), true)
}

// handleThreadDump reports the goroutine profile without full stacks, the
// nearest analogue to a thread dump: the set of currently runnable units
// of work and where they are blocked.
func (w *Worker) handleThreadDump(ctx context.Context, call *callmux.Call) {
	t := parseDumpTarget(call)
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 1); err != nil {
		call.Fail(frame.Frame{"error": err.Error()})
		return
	}
	finishDump(w.log, call, t, buf.Bytes(), true)
}

// handleMemoryDump writes a heap profile. Buffered mode is refused —
// heap profiles can be enormous — so a path or a log label must be given.
func (w *Worker) handleMemoryDump(ctx context.Context, call *callmux.Call) {
	t := parseDumpTarget(call)
	runtime.GC()
	var buf bytes.Buffer
	if err := pprof.Lookup("heap").WriteTo(&buf, 0); err != nil {
		call.Fail(frame.Frame{"error": err.Error()})
		return
	}
	finishDump(w.log, call, t, buf.Bytes(), false)
}

// handleMemorySample forces a GC, samples live heap stats for duration
// seconds, forces a second collection, and reports a structured before/after
// report — the closest equivalent to the reference implementation's
// sampling memory profiler, built on runtime.MemStats rather than a
// sampling allocator since Go's GC already tracks this continuously.
func (w *Worker) handleMemorySample(ctx context.Context, call *callmux.Call) {
	durationRaw, ok := call.Message["duration"].(float64)
	if !ok || durationRaw <= 0 {
		call.Fail(frame.Frame{"error": "memory_sample requires a positive 'duration'"})
		return
	}
	duration := time.Duration(durationRaw * float64(time.Second))

	timeout := duration + 5*time.Second
	if raw, ok := call.Message["timeout"].(float64); ok && raw > 0 {
		timeout = time.Duration(raw * float64(time.Second))
	}
	sampleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	select {
	case <-time.After(duration):
	case <-sampleCtx.Done():
		call.Fail(frame.Frame{"error": "memory_sample timed out"})
		return
	}

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	report := map[string]any{
		"heap_alloc_before": before.HeapAlloc,
		"heap_alloc_after":  after.HeapAlloc,
		"heap_objects":      after.HeapObjects,
		"num_gc":            after.NumGC - before.NumGC,
		"pause_total_ns":    after.PauseTotalNs - before.PauseTotalNs,
		"duration_seconds":  duration.Seconds(),
	}
	call.Finish(frame.Frame{"data": report})
}

// handleGarbageProfileStart begins a runtime/trace session, the Go
// analogue of a GC-profiler session start; the in-progress trace is kept
// on the worker until garbage_profile_stop.
func (w *Worker) handleGarbageProfileStart(ctx context.Context, call *callmux.Call) {
	w.traceMu.Lock()
	defer w.traceMu.Unlock()
	if w.traceBuf != nil {
		call.Fail(frame.Frame{"error": "a garbage profile is already running"})
		return
	}
	w.traceBuf = &bytes.Buffer{}
	if err := trace.Start(w.traceBuf); err != nil {
		w.traceBuf = nil
		call.Fail(frame.Frame{"error": fmt.Sprintf("starting trace: %s", err)})
		return
	}
	call.Finish(frame.Frame{"started": true})
}

// handleGarbageProfileStop ends the session started above and delivers its
// bytes via the standard dump convention.
func (w *Worker) handleGarbageProfileStop(ctx context.Context, call *callmux.Call) {
	w.traceMu.Lock()
	if w.traceBuf == nil {
		w.traceMu.Unlock()
		call.Fail(frame.Frame{"error": "no garbage profile is running"})
		return
	}
	trace.Stop()
	buf := w.traceBuf
	w.traceBuf = nil
	w.traceMu.Unlock()

	t := parseDumpTarget(call)
	finishDump(w.log, call, t, buf.Bytes(), true)
}
