// Package supervisor implements Server, the accept-loop side of the
// protocol: it accepts on an already bound listener, constructs a Connection (server-side id
// parity) for each accepted peer, and runs that Connection's read loop
// against its own Dispatcher, which carries the well-known register,
// forward, status, and restart handlers.
//
// Where an HTTP node agent would terminate TLS and route methods to
// handler funcs via a router, Server terminates a Unix-domain byte stream
// and routes "do" values to Handler funcs via connection.Dispatcher.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/connection"
	"github.com/socketry/async-container-supervisor/frame"
	"github.com/socketry/async-container-supervisor/monitor"
)

// Server accepts connections on a listener, dispatches the well-known
// operations, and notifies its monitors of every register/remove event.
type Server struct {
	log      *zap.SugaredLogger
	monitors []monitor.Monitor

	dispatcher *connection.Dispatcher

	mu          sync.Mutex
	connections map[string]*connection.Connection
	closed      bool

	monitorWG sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMonitors attaches monitors to be notified of every connection's
// register/remove events and run under their own independent loop.
func WithMonitors(monitors ...monitor.Monitor) Option {
	return func(s *Server) { s.monitors = append(s.monitors, monitors...) }
}

// NewServer constructs a Server. Its well-known handlers (register,
// forward, status, restart) are registered on the returned Server's
// internal dispatcher; additional operations can be layered on by calling
// Handle before Serve.
func NewServer(log *zap.SugaredLogger, opts ...Option) *Server {
	s := &Server{
		log:         log.Named("supervisor"),
		connections: make(map[string]*connection.Connection),
		dispatcher:  connection.NewDispatcher(log.Named("supervisor.dispatch")),
	}
	for _, o := range opts {
		o(s)
	}
	s.dispatcher.Handle("register", s.handleRegister)
	s.dispatcher.Handle("forward", s.handleForward)
	s.dispatcher.Handle("status", s.handleStatus)
	s.dispatcher.Handle("restart", s.handleRestart)
	return s
}

// Handle registers an additional operation handler, for deployments that
// extend the protocol beyond the well-known set.
func (s *Server) Handle(op string, h connection.Handler) {
	s.dispatcher.Handle(op, h)
}

// Serve accepts connections from ln until ctx is done or ln is closed. Each
// monitor's Run loop is started in its own goroutine before the accept loop
// begins, isolated so a failing monitor can never block or kill accept.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for _, m := range s.monitors {
		m := m
		s.monitorWG.Add(1)
		go func() {
			defer s.monitorWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorw("monitor run panicked", "Panic", r)
				}
			}()
			m.Run(ctx)
		}()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Individual connections are not waited on here: each one
				// only returns once its own stream closes (client-driven or
				// via an explicit Close), which may happen well after the
				// listener stops accepting. Only the monitors, which do
				// respect ctx, are waited on before Serve returns.
				s.monitorWG.Wait()
				return nil
			default:
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		go s.serveOne(ctx, conn)
	}
}

// serveOne runs one accepted peer's Connection to completion, then tears
// down its registry entry and notifies monitors once the per-connection
// loop returns.
func (s *Server) serveOne(ctx context.Context, stream net.Conn) {
	c := connection.New(stream, 1, s.log.Named("connection"))

	if err := c.Run(ctx, s.dispatcher); err != nil {
		s.log.Debugw("connection reader exited with error", "Error", err)
	}
	c.Close()

	s.removeConnection(c)
}

func (s *Server) removeConnection(c *connection.Connection) {
	s.mu.Lock()
	id, _ := c.StateValue("connection_id")
	if idStr, ok := id.(string); ok {
		delete(s.connections, idStr)
	}
	s.mu.Unlock()

	for _, m := range s.monitors {
		s.notifyMonitor(m, func() { m.Remove(c) })
	}
}

func (s *Server) notifyMonitor(m monitor.Monitor, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("monitor callback panicked", "Panic", r)
		}
	}()
	fn()
}

// Close marks the Server as closed and returns nil. It does not close the
// listener, stop the accept loop, or wait for connections: Serve stops only
// when its ctx is done or its listener is closed. Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Server) handleRegister(ctx context.Context, call *callmux.Call) {
	conn, ok := connection.FromContext(ctx)
	if !ok {
		call.Fail(frame.Frame{"error": "no connection in context"})
		return
	}

	if state, ok := call.Message["state"].(map[string]any); ok {
		conn.MergeState(state)
	}

	id := uuid.NewString()
	conn.SetState("connection_id", id)

	s.mu.Lock()
	s.connections[id] = conn
	s.mu.Unlock()

	for _, m := range s.monitors {
		s.notifyMonitor(m, func() { m.Register(conn) })
	}

	call.Finish(frame.Frame{"connection_id": id})
}

func (s *Server) handleForward(ctx context.Context, call *callmux.Call) {
	connID, ok := call.Message["connection_id"].(string)
	if !ok || connID == "" {
		call.Fail(frame.Frame{"error": "Missing 'connection_id' parameter"})
		return
	}
	operation, ok := call.Message["operation"].(map[string]any)
	if !ok {
		call.Fail(frame.Frame{"error": "Missing 'operation' parameter"})
		return
	}

	s.mu.Lock()
	target, found := s.connections[connID]
	s.mu.Unlock()
	if !found {
		call.Fail(frame.Frame{"error": "Connection not found", "connection_id": connID})
		return
	}

	call.Forward(ctx, target, frame.Frame(operation))
}

func (s *Server) handleStatus(ctx context.Context, call *callmux.Call) {
	s.mu.Lock()
	snapshot := make([]map[string]any, 0, len(s.connections))
	for id, conn := range s.connections {
		snapshot = append(snapshot, map[string]any{
			"connection_id": id,
			"process_id":    conn.State()["process_id"],
			"state":         conn.State(),
		})
	}
	s.mu.Unlock()

	for _, m := range s.monitors {
		s.statusFromMonitor(m, call)
	}

	call.Finish(frame.Frame{"connections": snapshot})
}

// statusFromMonitor lets one monitor push its own status intermediate,
// isolated so a monitor whose status panics cannot abort the whole status
// call: the panic is recovered, logged, and surfaced as an error
// intermediate, and the overall call still finishes normally. This
// resolves the protocol's open question about monitor status errors in
// favor of the connection-always-survives reading.
func (s *Server) statusFromMonitor(m monitor.Monitor, call *callmux.Call) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("monitor status panicked", "Panic", r)
			call.Push(frame.Frame{"error": frame.ErrorInfo{
				Class:   "panic",
				Message: fmt.Sprint(r),
			}})
		}
	}()
	m.Status(call)
}

func (s *Server) handleRestart(ctx context.Context, call *callmux.Call) {
	sig := unix.SIGINT
	if raw, ok := call.Message["signal"]; ok {
		if n, ok := raw.(float64); ok {
			sig = unix.Signal(int(n))
		}
	}

	call.Finish(frame.Frame{})

	pgid, err := unix.Getpgid(0)
	if err != nil {
		s.log.Errorw("restart: failed to resolve process group", "Error", err)
		return
	}
	s.log.Infow("restart: signaling process group", "PGID", pgid, "Signal", sig)
	if err := unix.Kill(-pgid, sig); err != nil {
		s.log.Errorw("restart: signal failed", "Error", err)
	}
}
