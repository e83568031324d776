// Package endpoint provides the transport boundary the rest of the module
// consumes: binding and dialing a Unix-domain socket, plus a readiness
// heartbeat a worker can poll while waiting for a freshly spawned
// supervisor to start accepting.
//
// This generalizes a familiar net.Listen-plus-TLS listener setup from a
// TCP+TLS endpoint to a Unix-domain one: the protocol's trust model is
// filesystem permissions on the socket file, not certificates, so the TLS
// layer is dropped rather than carried along unused.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// Endpoint is an address plus the factory that can bind (to accept) or
// connect (to dial) it, producing byte-oriented streams, per the
// protocol's glossary definition.
type Endpoint struct {
	Path string
}

// New constructs an Endpoint bound to a Unix-domain socket path.
func New(path string) *Endpoint {
	return &Endpoint{Path: path}
}

// Bind removes any file at Path and listens on it. This clears a stale
// socket file left behind by a supervisor that exited without cleaning up.
// The removal is unconditional: it also unlinks a socket that a running
// listener still holds, and that listener can then no longer be reached
// through Path.
func (e *Endpoint) Bind() (net.Listener, error) {
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", e.Path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", e.Path, err)
	}
	return ln, nil
}

// Connect dials the socket at Path.
func (e *Endpoint) Connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", e.Path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", e.Path, err)
	}
	return conn, nil
}

// WaitReady polls Connect until it succeeds or ctx is done, for a worker
// started before the supervisor has finished binding its socket.
func (e *Endpoint) WaitReady(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		conn, err := e.Connect(ctx)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to become ready: %w", e.Path, ctx.Err())
		case <-ticker.C:
		}
	}
}
