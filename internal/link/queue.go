package link

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueClosed is returned to waiters when a queue is closed underneath them.
	ErrQueueClosed = errors.New("link: queue closed")

	// ErrDequeueTimeout is returned when no frame arrives within the timeout.
	ErrDequeueTimeout = errors.New("link: dequeue timeout")
)

// DefaultDequeueTimeout applies when a caller passes a non-positive timeout.
const DefaultDequeueTimeout = 600 * time.Second

// FrameKind tags the variants of a queue frame.
type FrameKind int

const (
	// FrameResponseHeaders carries the upstream status and header map.
	FrameResponseHeaders FrameKind = iota

	// FrameChunk carries one decoded slice of the upstream body.
	FrameChunk

	// FrameError carries a terminal upstream or agent failure.
	FrameError

	// FrameStreamEnd marks the end of the upstream body.
	FrameStreamEnd
)

// Frame is the tagged union delivered through a per-request queue. A queue
// receives either FrameError or FrameResponseHeaders first, then zero or more
// FrameChunk, then exactly one FrameStreamEnd.
type Frame struct {
	Kind    FrameKind
	Status  int
	Headers map[string]string
	Data    string
	Message string
}

// Queue is the per-request channel between the link's read loop and the
// request coordinator. The link is the single producer; the coordinator
// consumes with per-call timeouts. Close fails every pending waiter.
type Queue struct {
	mu      sync.Mutex
	items   []Frame
	waiters []chan Frame
	closed  bool
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue delivers a frame: directly to the oldest waiter when one is
// parked, otherwise appended to the buffer.
func (q *Queue) Enqueue(frame Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.waiters) > 0 {
		waiter := q.waiters[0]
		q.waiters = q.waiters[1:]
		waiter <- frame
		return nil
	}
	q.items = append(q.items, frame)
	return nil
}

// Dequeue pops the next frame, waiting up to timeout for one to arrive.
// A non-positive timeout means DefaultDequeueTimeout. Cancellation of ctx
// aborts the wait with the context's error.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Frame, error) {
	if timeout <= 0 {
		timeout = DefaultDequeueTimeout
	}

	q.mu.Lock()
	if len(q.items) > 0 {
		frame := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return frame, nil
	}
	if q.closed {
		q.mu.Unlock()
		return Frame{}, ErrQueueClosed
	}
	waiter := make(chan Frame, 1)
	q.waiters = append(q.waiters, waiter)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-waiter:
		if !ok {
			return Frame{}, ErrQueueClosed
		}
		return frame, nil
	case <-timer.C:
		return q.abandonWaiter(waiter, ErrDequeueTimeout)
	case <-ctx.Done():
		return q.abandonWaiter(waiter, ctx.Err())
	}
}

// abandonWaiter removes a waiter after a timeout or cancellation. A frame
// handed off concurrently with the abandonment still wins.
func (q *Queue) abandonWaiter(waiter chan Frame, cause error) (Frame, error) {
	q.mu.Lock()
	for i := range q.waiters {
		if q.waiters[i] == waiter {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	select {
	case frame, ok := <-waiter:
		if ok {
			return frame, nil
		}
		return Frame{}, ErrQueueClosed
	default:
	}
	return Frame{}, cause
}

// Close fails every pending waiter with ErrQueueClosed and drops buffered
// frames. Closing twice is harmless.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, waiter := range q.waiters {
		close(waiter)
	}
	q.waiters = nil
	q.items = nil
}
