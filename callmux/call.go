// Package callmux implements Call, the per-request state multiplexed over a
// Connection: an id, the originating request, an unbounded response queue,
// and the finish/fail/close lifecycle operations defined on it.
package callmux

import (
	"context"
	"sync"

	"github.com/socketry/async-container-supervisor/frame"
)

// Forwarder issues an operation on another connection and streams every
// response back through a callback, stopping on the terminal response or
// on error. Connection implements this; it is captured here as an interface
// so that callmux does not import connection (which imports callmux).
type Forwarder interface {
	CallStream(ctx context.Context, req frame.Frame, fn func(frame.Frame) error) error
}

// Call is one in-flight request/response exchange, identified by ID within
// its owning Connection. The zero value is not usable; construct with New.
type Call struct {
	// ID is this call's id within its Connection. Immutable.
	ID int64
	// Message is the original request frame, read-only by convention.
	Message frame.Frame

	queue *queue

	mu     sync.Mutex
	closed bool
}

// New creates a Call for id carrying the given request message.
func New(id int64, message frame.Frame) *Call {
	return &Call{
		ID:      id,
		Message: message,
		queue:   newQueue(),
	}
}

// Closed reports whether this call's queue has been closed, terminally or
// otherwise. Once true it never reverts to false.
func (c *Call) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Push enqueues a non-terminal response. It is a silent no-op if the call
// is already closed — a late push from a handler that raced its own
// Finish/Fail is not an error, just discarded.
func (c *Call) Push(resp frame.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.queue.push(resp)
}

// Finish enqueues a terminal, successful response and closes the queue.
// Calling Finish on an already-closed call is a no-op, matching Push.
func (c *Call) Finish(resp frame.Frame) {
	c.finish(merge(resp, frame.Frame{"finished": true}))
}

// Fail enqueues a terminal, failed response and closes the queue.
func (c *Call) Fail(resp frame.Frame) {
	c.finish(merge(resp, frame.Frame{"finished": true, "failed": true}))
}

func (c *Call) finish(resp frame.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.queue.push(resp)
	c.queue.close()
}

// Close closes the queue without framing any terminal response. It is used
// during connection teardown, and by Forward once the forwarded call's own
// terminal frame has already been relayed. Idempotent.
func (c *Call) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.queue.close()
}

// Abandon closes the call like Close, and additionally guarantees its
// internal pump goroutine terminates even if nobody calls Pop again, by
// draining any already-buffered frames in the background. Callers that stop
// consuming a call early — a timed-out Connection.Call, an aborted
// CallStream — must use Abandon instead of Close.
func (c *Call) Abandon() {
	c.Close()
	go c.queue.drain()
}

// Pop removes and returns the next response, blocking until one is
// available, the call closes, or ctx is done. ok is false once the queue is
// closed and drained.
func (c *Call) Pop(ctx context.Context) (resp frame.Frame, ok bool) {
	return c.queue.pop(ctx)
}

// Each calls fn for every response in arrival order until the queue closes
// or fn returns false. It is the streaming consumption counterpart to Pop.
func (c *Call) Each(ctx context.Context, fn func(frame.Frame) bool) {
	for {
		resp, ok := c.Pop(ctx)
		if !ok {
			return
		}
		if !fn(resp) {
			return
		}
	}
}

// Forward issues operation on target and pipes every response it produces
// into this call's queue, closing this call's queue once the forwarded
// call terminates. This is the server-side proxying primitive behind the
// "forward" operation. It blocks until the forwarded call terminates;
// callers that need to stay responsive while it runs should call it from
// their own goroutine (as a Dispatcher handler already does).
func (c *Call) Forward(ctx context.Context, target Forwarder, operation frame.Frame) {
	err := target.CallStream(ctx, operation, func(resp frame.Frame) error {
		c.Push(resp)
		return nil
	})
	if err != nil {
		c.Push(frame.Frame{"finished": true, "failed": true, "error": err.Error()})
	}
	c.Close()
}

func merge(a, b frame.Frame) frame.Frame {
	out := make(frame.Frame, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
