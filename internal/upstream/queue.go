package upstream

import (
	"context"
	"errors"
	"sync"

	"github.com/l3lb/l3/internal/ticket"
)

// ErrQueueClosed is returned when enqueueing into a pool that is shutting down.
var ErrQueueClosed = errors.New("request queue closed")

// requestQueue is an unbounded multi-producer/multi-consumer FIFO of tickets.
// Every client handler pushes into it and every upstream connection, across
// all hosts, pops from it.
type requestQueue struct {
	mu     sync.Mutex
	items  []*ticket.Ticket
	closed bool

	// notify carries at most one wake-up token. A consumer that pops while
	// items remain passes the token on, so no wake-up is lost.
	notify   chan struct{}
	closedCh chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends t. It fails with ErrQueueClosed once Close was called.
func (q *requestQueue) Push(t *ticket.Ticket) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pop removes the oldest ticket, suspending until one is available. After
// Close, remaining tickets are still handed out; ErrQueueClosed is returned
// only once the queue is both closed and empty.
func (q *requestQueue) Pop(ctx context.Context) (*ticket.Ticket, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return t, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.closedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// requeue puts t back at the head of the queue. It is used for a ticket that
// was popped by a connection found dead before serving it, and works after
// Close so the drain still serves it.
func (q *requestQueue) requeue(t *ticket.Ticket) {
	q.mu.Lock()
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = t
	q.mu.Unlock()

	q.signal()
}

// remove drops t if it is still waiting. It reports whether t was found.
func (q *requestQueue) remove(t *ticket.Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == t {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

func (q *requestQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting new tickets. Safe to call multiple times.
func (q *requestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}

// Closed is closed when Close is called.
func (q *requestQueue) Closed() <-chan struct{} {
	return q.closedCh
}

// Drained reports whether the queue is closed and has nothing left to serve.
func (q *requestQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Len returns the number of tickets waiting for a connection.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// takeAll empties the queue and returns what was left in it.
func (q *requestQueue) takeAll() []*ticket.Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
