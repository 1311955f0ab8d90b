package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/l3lb/l3/internal/frame"
	"github.com/l3lb/l3/internal/ticket"
)

// OnTicketDone is called after a ticket is resolved. wait is the time the
// ticket spent queued; err is nil on success. host is empty when the ticket
// timed out before any connection claimed it.
type OnTicketDone func(host string, wait time.Duration, err error)

type connConfig struct {
	maxMessageLength int
	requestTimeout   time.Duration
	queueTimeout     func() time.Duration
	clock            clockwork.Clock
	onTicketDone     OnTicketDone
}

// Conn owns one live socket to a backend host and serves tickets from the
// shared queue strictly one at a time.
type Conn struct {
	conn      net.Conn
	host      string
	queue     *requestQueue
	cfg       connConfig
	createdAt time.Time
	served    atomic.Int64
}

func newConn(nc net.Conn, host string, q *requestQueue, cfg connConfig) *Conn {
	return &Conn{
		conn:      nc,
		host:      host,
		queue:     q,
		cfg:       cfg,
		createdAt: cfg.clock.Now(),
	}
}

// Host returns the backend address this connection talks to.
func (c *Conn) Host() string {
	return c.host
}

// Served returns the number of tickets completed successfully.
func (c *Conn) Served() int64 {
	return c.served.Load()
}

// ErrPeerClosed means the backend closed or wrote to the socket while no
// request was outstanding.
var ErrPeerClosed = errors.New("backend closed idle connection")

// aLongTimeAgo is a deadline in the past that makes a pending Read return.
var aLongTimeAgo = time.Unix(1, 0)

// Serve pulls tickets until the queue is closed and empty (returns nil), ctx
// is done, or the socket fails (returns the I/O error).
func (c *Conn) Serve(ctx context.Context) error {
	for {
		t, err := c.next(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		if err := c.serveTicket(t); err != nil {
			return err
		}
	}
}

// next pops a ticket while watching the idle socket. Nothing may arrive from
// the backend between requests, so any byte or EOF seen while waiting means
// the connection is dead. A ticket popped at that moment goes back to the
// head of the queue for another connection.
func (c *Conn) next(ctx context.Context) (*ticket.Ticket, error) {
	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := make(chan error, 1)
	go func() {
		var b [1]byte
		n, err := c.conn.Read(b[:])
		if n > 0 {
			err = fmt.Errorf("%w: unexpected data", ErrPeerClosed)
		} else if !isTimeout(err) {
			err = fmt.Errorf("%w: %w", ErrPeerClosed, err)
		}
		if errors.Is(err, ErrPeerClosed) {
			cancel()
		}
		peer <- err
	}()

	t, popErr := c.queue.Pop(popCtx)

	c.conn.SetReadDeadline(aLongTimeAgo)
	peerErr := <-peer
	c.conn.SetReadDeadline(time.Time{})

	if errors.Is(peerErr, ErrPeerClosed) {
		if t != nil {
			c.queue.requeue(t)
		}
		return nil, peerErr
	}
	return t, popErr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Conn) serveTicket(t *ticket.Ticket) error {
	// Lost to the queue timer; the waiter already has its result.
	if !t.Claim() {
		return nil
	}
	// No-op once the ticket is resolved below.
	defer t.Abandon()

	wait := c.cfg.clock.Since(t.EnqueuedAt)
	if timeout := c.cfg.queueTimeout(); timeout > 0 && wait > timeout {
		t.Fail(ticket.ErrQueueTimeout)
		c.report(wait, ticket.ErrQueueTimeout)
		return nil
	}

	resp, err := c.roundTrip(t)
	if err != nil {
		terr := fmt.Errorf("%w: %s: %w", ticket.ErrUpstream, c.host, err)
		t.Fail(terr)
		c.report(wait, terr)
		return err
	}

	c.served.Add(1)
	t.Complete(resp)
	c.report(wait, nil)
	return nil
}

// roundTrip holds the ticket's buffer for the whole exchange and releases it
// before returning, so the ticket is resolved only after the hand-back.
func (c *Conn) roundTrip(t *ticket.Ticket) (frame.Frame, error) {
	data := t.Buffer.Acquire()
	defer t.Buffer.Release()

	if c.cfg.requestTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.cfg.requestTimeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	hdr := t.Header.Encode()
	bufs := net.Buffers{hdr[:], data[:t.PayloadLen()]}
	if _, err := bufs.WriteTo(c.conn); err != nil {
		return frame.Frame{}, fmt.Errorf("writing request: %w", err)
	}

	resp, err := frame.Read(c.conn)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("reading response header: %w", err)
	}

	limit := c.cfg.maxMessageLength
	if limit <= 0 || limit > len(data) {
		limit = len(data)
	}
	if err := frame.CheckLength(resp, limit); err != nil {
		return frame.Frame{}, fmt.Errorf("response from %s: %w", c.host, err)
	}

	if _, err := io.ReadFull(c.conn, data[:resp.PayloadLen()]); err != nil {
		return frame.Frame{}, fmt.Errorf("reading response body: %w", err)
	}
	return resp, nil
}

func (c *Conn) report(wait time.Duration, err error) {
	if c.cfg.onTicketDone != nil {
		c.cfg.onTicketDone(c.host, wait, err)
	}
}

// Close closes the backend socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}
