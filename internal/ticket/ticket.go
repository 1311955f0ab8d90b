// Package ticket correlates one client request with its eventual backend response.
//
// A Ticket hands a Buffer from the client handler to whichever upstream
// connection dequeues it. The handler fills the buffer, releases it, enqueues
// the ticket and waits. The upstream connection acquires the buffer, writes the
// request, overwrites it with the response, releases it and only then resolves
// the ticket. Exactly one side holds the buffer at a time.
package ticket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l3lb/l3/internal/frame"
)

var (
	// ErrQueueTimeout means no upstream connection claimed the ticket in time.
	ErrQueueTimeout = errors.New("queue timeout waiting for an upstream connection")

	// ErrUpstream means the backend socket failed while serving the ticket.
	ErrUpstream = errors.New("upstream error")

	// ErrConnectionInterrupted means the ticket was dropped without being served.
	ErrConnectionInterrupted = errors.New("connection interrupted")
)

// Buffer is a byte slice shared by a client handler and an upstream connection.
// The slice is only reachable through Acquire, which takes the lock.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// NewBuffer allocates a buffer of size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Acquire locks the buffer and returns its backing slice. The slice must not
// be used after Release.
func (b *Buffer) Acquire() []byte {
	b.mu.Lock()
	return b.data
}

// Release unlocks the buffer.
func (b *Buffer) Release() {
	b.mu.Unlock()
}

// Size returns the capacity of the buffer in bytes.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Result is the single value delivered on a ticket's completion channel.
type Result struct {
	Header frame.Frame
	Err    error
}

// Ticket is one in-flight request.
type Ticket struct {
	Buffer     *Buffer
	Header     frame.Frame
	EnqueuedAt time.Time

	claimed atomic.Bool
	once    sync.Once
	done    chan Result
}

// New creates a ticket for a request whose payload already sits in buf[:header.Length].
func New(buf *Buffer, header frame.Frame, now time.Time) *Ticket {
	return &Ticket{
		Buffer:     buf,
		Header:     header,
		EnqueuedAt: now,
		done:       make(chan Result, 1),
	}
}

// PayloadLen returns the request payload length.
func (t *Ticket) PayloadLen() int {
	return t.Header.PayloadLen()
}

// Claim takes the ticket for serving. Only one caller ever wins; an upstream
// connection must not touch the buffer of a ticket it failed to claim.
func (t *Ticket) Claim() bool {
	return t.claimed.CompareAndSwap(false, true)
}

// Expire fails the ticket with ErrQueueTimeout if no connection has claimed it.
func (t *Ticket) Expire() bool {
	if !t.Claim() {
		return false
	}
	return t.Fail(ErrQueueTimeout)
}

// Complete resolves the ticket with a response header. The response payload is
// in the buffer at [:resp.Length].
func (t *Ticket) Complete(resp frame.Frame) bool {
	return t.resolve(Result{Header: resp})
}

// Fail resolves the ticket with err.
func (t *Ticket) Fail(err error) bool {
	return t.resolve(Result{Err: err})
}

// Abandon resolves the ticket with ErrConnectionInterrupted unless it was
// already resolved.
func (t *Ticket) Abandon() bool {
	return t.resolve(Result{Err: ErrConnectionInterrupted})
}

// resolve delivers r exactly once. The channel is buffered so delivery never
// blocks, even when the waiter has gone away.
func (t *Ticket) resolve(r Result) bool {
	resolved := false
	t.once.Do(func() {
		t.done <- r
		resolved = true
	})
	return resolved
}

// Done returns the completion channel.
func (t *Ticket) Done() <-chan Result {
	return t.done
}

// Wait blocks until the ticket is resolved or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (frame.Frame, error) {
	select {
	case r := <-t.done:
		return r.Header, r.Err
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}
