// Package worker implements the worker side of the protocol: a Worker
// owns an endpoint and maintains a single live Connection, reconnecting
// with a random backoff whenever it drops, and registering itself with the
// supervisor on every successful connect. It also carries the well-known
// diagnostic handlers (scheduler_dump, memory_dump, memory_sample,
// thread_dump, garbage_profile_start, garbage_profile_stop).
//
// Where an HTTPS client would dial a stable host and drive a heartbeat
// ticker against it, Worker dials a byte stream and drives a reconnect
// loop against a supervisor, registering rather than heartbeating on every
// successful connect.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/socketry/async-container-supervisor/connection"
	"github.com/socketry/async-container-supervisor/frame"
)

// Dialer opens a new byte stream to the supervisor. Implementations
// typically dial a Unix-domain socket; it is a function type, not an
// interface, so tests can substitute a net.Pipe-backed stand-in trivially.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Worker owns one endpoint and maintains a single live Connection to a
// supervisor, transparently reconnecting when it drops.
type Worker struct {
	log   *zap.SugaredLogger
	dial  Dialer
	state map[string]any

	dispatcher *connection.Dispatcher

	mu       sync.Mutex
	conn     *connection.Connection
	stopCh   chan struct{}
	stopOnce sync.Once

	traceMu  sync.Mutex
	traceBuf *bytes.Buffer
}

// Option configures a Worker.
type Option func(*Worker)

// WithState seeds the state merged into every register call, most notably
// process_id.
func WithState(state map[string]any) Option {
	return func(w *Worker) { w.state = state }
}

// New constructs a Worker that dials via dial. Additional operations can
// be layered on by calling Handle before Run.
func New(log *zap.SugaredLogger, dial Dialer, opts ...Option) *Worker {
	w := &Worker{
		log:        log.Named("worker"),
		dial:       dial,
		state:      make(map[string]any),
		dispatcher: connection.NewDispatcher(log.Named("worker.dispatch")),
		stopCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.registerDiagnostics()
	return w
}

// Handle registers an additional operation handler the supervisor, via
// forward, may invoke on this worker.
func (w *Worker) Handle(op string, h connection.Handler) {
	w.dispatcher.Handle(op, h)
}

// Connect opens exactly one Connection to the supervisor (the protocol's
// "connect!"), without starting its reader loop or registering.
func (w *Worker) Connect(ctx context.Context) (*connection.Connection, error) {
	stream, err := w.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing supervisor: %w", err)
	}
	conn := connection.New(stream, 0, w.log.Named("connection"))
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return conn, nil
}

// register issues the register call the protocol's "connected!" hook is
// defined to perform; the response carries a connection_id but the worker
// deliberately ignores it, per the protocol's specified behavior.
func (w *Worker) register(ctx context.Context, conn *connection.Connection) {
	_, err := conn.Call(ctx, frame.Frame{"do": "register", "state": w.state})
	if err != nil {
		w.log.Warnw("register call failed", "Error", err)
	}
}

// Run executes the transient reconnect loop: connect, register
// asynchronously, run the reader to completion, and on any error back off
// a uniformly random 0-1s before reconnecting. It returns only once Stop
// has been called or ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		default:
		}

		conn, err := w.Connect(ctx)
		if err != nil {
			w.log.Warnw("connect failed", "Error", err)
			if !w.backoff(ctx) {
				return nil
			}
			continue
		}

		go w.register(ctx, conn)

		runErr := conn.Run(ctx, w.dispatcher)
		conn.Close()

		if runErr != nil {
			w.log.Warnw("connection reader exited with error", "Error", runErr)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		default:
		}

		if !w.backoff(ctx) {
			return nil
		}
	}
}

// backoff sleeps a uniformly random 0-1s, matching the protocol's
// transient-reconnect-loop jitter, and returns false if ctx or Stop fired
// during the sleep instead of the timer.
func (w *Worker) backoff(ctx context.Context) bool {
	d := time.Duration(rand.Int63n(int64(time.Second)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	}
}

// Stop ends the reconnect loop and closes the current connection, if any.
// Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
