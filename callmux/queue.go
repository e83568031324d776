package callmux

import (
	"context"
	"sync"

	"github.com/socketry/async-container-supervisor/frame"
)

// queue is an unbounded, single-close MPSC queue of frames. It generalizes
// the common pattern of one fixed, per-purpose channel per output stream
// (a stdout channel, a stderr channel, a result channel, each closed
// exactly once) into one reusable queue that can carry any number of
// intermediate responses ahead of a single terminal one.
type queue struct {
	in      chan frame.Frame
	out     chan frame.Frame
	closing chan struct{}
	once    sync.Once
}

func newQueue() *queue {
	q := &queue{
		in:      make(chan frame.Frame),
		out:     make(chan frame.Frame),
		closing: make(chan struct{}),
	}
	go q.pump()
	return q
}

func (q *queue) pump() {
	defer close(q.out)
	var buf []frame.Frame
	for {
		if len(buf) == 0 {
			select {
			case f := <-q.in:
				buf = append(buf, f)
			case <-q.closing:
				return
			}
			continue
		}
		// While anything is buffered, prioritize delivering or accepting it
		// over honoring closing: Call guarantees no further pushes are
		// issued once it has closed, so the only outstanding work here is
		// draining what Finish/Fail already enqueued to a consumer that is,
		// in the normal case, still actively popping.
		select {
		case f := <-q.in:
			buf = append(buf, f)
		case q.out <- buf[0]:
			buf = buf[1:]
		}
	}
}

func (q *queue) push(f frame.Frame) {
	select {
	case q.in <- f:
	case <-q.closing:
	}
}

func (q *queue) close() {
	q.once.Do(func() { close(q.closing) })
}

func (q *queue) pop(ctx context.Context) (frame.Frame, bool) {
	select {
	case f, ok := <-q.out:
		return f, ok
	case <-ctx.Done():
		return nil, false
	}
}

// drain discards every remaining frame until the queue closes. It exists so
// that a consumer which stops popping early (an abandoned timeout, an
// aborted CallStream) can still let the pump goroutine reach closed rather
// than leaking it blocked on a send nobody will ever receive.
func (q *queue) drain() {
	for range q.out {
	}
}
