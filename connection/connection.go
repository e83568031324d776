// Package connection implements Connection, the multiplexer that owns one
// byte stream and demultiplexes it into concurrent Calls in both
// directions, and Dispatcher, the operation-name-to-handler table an
// inbound Call is routed through.
//
// This generalizes a pair of per-purpose runners, one for the accepting
// side and one for the dialing side, into the single symmetric type the
// protocol actually calls for: the same Connection type runs on both the
// supervisor and the worker side of one socket.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/socketry/async-container-supervisor/callmux"
	"github.com/socketry/async-container-supervisor/frame"
)

// Target is anything that can serve an inbound Call dispatched to it.
// Dispatcher is the normal implementation; it exists as an interface so
// tests can substitute a trivial stand-in.
type Target interface {
	Dispatch(ctx context.Context, call *callmux.Call)
}

type contextKey int

const connectionContextKey contextKey = 0

// FromContext returns the Connection a Handler is currently being
// dispatched for, and whether one was present. Run installs it into the
// context passed to target.Dispatch, so any handler reached through a
// Dispatcher can recover its owning Connection without it needing to be
// threaded through every call signature.
func FromContext(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(connectionContextKey).(*Connection)
	return c, ok
}

// Connection owns one byte stream and multiplexes concurrent Calls over it
// in both directions. Call id generation is parity-striped: a Connection
// constructed with start=0 (the client side of a socket) and one
// constructed with start=1 (the server side) never collide on the ids they
// allocate for their own outbound calls.
type Connection struct {
	log *zap.SugaredLogger

	stream io.ReadWriteCloser
	reader *frame.Reader
	writer *frame.Writer

	mu     sync.Mutex
	nextID int64
	calls  map[int64]*callmux.Call
	state  map[string]any

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Connection over stream. start is 0 for a
// client-originated connection and 1 for a server-accepted one, per the
// protocol's id-parity invariant.
func New(stream io.ReadWriteCloser, start int64, log *zap.SugaredLogger) *Connection {
	return &Connection{
		log:    log,
		stream: stream,
		reader: frame.NewReader(stream, func(line []byte, err error) {
			log.Warnw("discarding malformed frame", "Line", string(line), "Error", err)
		}),
		writer: frame.NewWriter(stream),
		nextID: start,
		calls:  make(map[int64]*callmux.Call),
		state:  make(map[string]any),
		closed: make(chan struct{}),
	}
}

// State returns a snapshot copy of the connection's state map (at minimum
// process_id and, once registered, connection_id).
func (c *Connection) State() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

// MergeState merges fields into the connection's state map, overwriting any
// existing keys, as register does with the worker-supplied state payload.
func (c *Connection) MergeState(fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range fields {
		c.state[k] = v
	}
}

// SetState sets a single state key, used to stamp connection_id after
// register assigns one.
func (c *Connection) SetState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// StateValue returns a single state key, and whether it was present.
func (c *Connection) StateValue(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

func (c *Connection) allocID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID += 2
	return id
}

// Write serializes and flushes f. Safe for concurrent use; the underlying
// frame.Writer guards writes with a mutex so concurrent frames never
// interleave their bytes.
func (c *Connection) Write(f frame.Frame) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	return c.writer.WriteFrame(f)
}

// Run reads frames until the stream closes or a read error occurs, routing
// each one: responses to the live Call they belong to, new "do" frames to
// target for dispatch, and anything else (an unknown id with no do, or a
// frame missing id) is logged and dropped. Run returns nil on a clean EOF;
// the caller is responsible for calling Close once Run returns, the same
// way an accept loop closes a connection after its reader returns or
// errors.
func (c *Connection) Run(ctx context.Context, target Target) error {
	ctx = context.WithValue(ctx, connectionContextKey, c)
	defer c.wg.Wait()
	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			select {
			case <-c.closed:
				return nil
			default:
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		id, ok := f.ID()
		if !ok {
			c.log.Errorw("dropping frame with no id", "Frame", f)
			continue
		}
		payload := f.WithoutID()

		c.mu.Lock()
		call, live := c.calls[id]
		c.mu.Unlock()

		if live {
			call.Push(payload)
			continue
		}

		if _, hasDo := payload.Do(); hasDo {
			newCall := callmux.New(id, payload)
			c.mu.Lock()
			c.calls[id] = newCall
			c.mu.Unlock()

			c.wg.Add(2)
			go func() {
				defer c.wg.Done()
				target.Dispatch(ctx, newCall)
			}()
			go func() {
				defer c.wg.Done()
				c.drainAndWrite(newCall)
			}()
			continue
		}

		// Unknown id, no do: a late response for a call we already timed out
		// and deleted, or a stray terminal frame. This is the concrete bug
		// the protocol is hardened against — it must never synthesize an
		// error response here.
		c.log.Debugw("ignoring frame for unknown call", "ID", id)
	}
}

// drainAndWrite pops every response a dispatched Call's handler produces
// and writes it to the wire under the call's id, until the call's queue
// closes, at which point it is unconditionally removed from calls — even
// if the final write below failed, since a failed write means the peer is
// already gone.
func (c *Connection) drainAndWrite(call *callmux.Call) {
	ctx := context.Background()
	for {
		resp, ok := call.Pop(ctx)
		if !ok {
			break
		}
		if err := c.Write(resp.WithID(call.ID)); err != nil {
			c.log.Debugw("dropping response write, peer likely gone", "ID", call.ID, "Error", err)
		}
	}
	c.mu.Lock()
	delete(c.calls, call.ID)
	c.mu.Unlock()
}

// Call issues req and blocks for the terminal response, discarding any
// intermediate responses. This is the point-query half of the Open
// Question in the protocol's design notes about splitting the historical
// dual-shaped call() into two APIs; use CallStream for operations that
// stream intermediates.
func (c *Connection) Call(ctx context.Context, req frame.Frame) (frame.Frame, error) {
	var terminal frame.Frame
	err := c.callInternal(ctx, req, func(f frame.Frame) error {
		if f.Finished() {
			terminal = f
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return terminal, nil
}

// CallStream issues req and invokes fn for every response in arrival
// order, including the terminal one (check frame.Finished()). fn returning
// an error aborts the call and is returned from CallStream.
func (c *Connection) CallStream(ctx context.Context, req frame.Frame, fn func(frame.Frame) error) error {
	return c.callInternal(ctx, req, fn)
}

func (c *Connection) callInternal(ctx context.Context, req frame.Frame, fn func(frame.Frame) error) error {
	id := c.allocID()
	call := callmux.New(id, req)

	c.mu.Lock()
	c.calls[id] = call
	c.mu.Unlock()

	if err := c.Write(req.WithID(id)); err != nil {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
		call.Abandon()
		return fmt.Errorf("writing request: %w", err)
	}

	for {
		resp, ok := call.Pop(ctx)
		if !ok {
			c.mu.Lock()
			delete(c.calls, id)
			c.mu.Unlock()
			call.Abandon()
			if ctx.Err() != nil {
				return fmt.Errorf("call timed out: %w", ctx.Err())
			}
			return errors.New("connection closed")
		}

		if err := fn(resp); err != nil {
			c.mu.Lock()
			delete(c.calls, id)
			c.mu.Unlock()
			call.Abandon()
			return err
		}

		if resp.Finished() {
			c.mu.Lock()
			delete(c.calls, id)
			c.mu.Unlock()
			call.Close()
			return nil
		}
	}
}

// Close is idempotent: it cancels the reader's ability to keep running by
// closing the stream, then closes every call still live so blocked Pop
// callers observe a closed queue rather than hanging forever.
func (c *Connection) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.closed)
		closeErr = c.stream.Close()

		c.mu.Lock()
		calls := c.calls
		c.calls = make(map[int64]*callmux.Call)
		c.mu.Unlock()

		for _, call := range calls {
			call.Close()
		}
	})
	return closeErr
}
