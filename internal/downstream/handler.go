// Package downstream accepts client connections and forwards their framed
// requests to the upstream pool.
package downstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/l3lb/l3/internal/frame"
	"github.com/l3lb/l3/internal/metrics"
	"github.com/l3lb/l3/internal/ticket"
)

// Dispatcher forwards one request and waits for its response. The request
// payload sits in buf[:req.Length]; on success the response payload is in
// buf[:resp.Length].
type Dispatcher interface {
	EnqueueAndAwait(ctx context.Context, buf *ticket.Buffer, req frame.Frame) (frame.Frame, error)
}

// DispatchError wraps a failed upstream round trip so it is not mistaken for
// a client-side protocol error.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string { return "dispatching request: " + e.Err.Error() }

func (e *DispatchError) Unwrap() error { return e.Err }

// Handler serves one client connection. Requests are strictly sequential: the
// next header is not read until the previous response has been written.
type Handler struct {
	conn       net.Conn
	dispatcher Dispatcher
	maxLen     int
	buf        *ticket.Buffer
	metrics    *metrics.Collector

	mu       sync.Mutex
	idle     bool
	draining bool
	served   int64
}

// NewHandler returns a handler for conn with a buffer of maxMessageLength bytes.
func NewHandler(conn net.Conn, d Dispatcher, maxMessageLength int, m *metrics.Collector) *Handler {
	return &Handler{
		conn:       conn,
		dispatcher: d,
		maxLen:     maxMessageLength,
		buf:        ticket.NewBuffer(maxMessageLength),
		metrics:    m,
	}
}

// Serve runs the request loop until the client disconnects, an error occurs,
// or Drain is called. A clean disconnect or drain returns nil. ctx bounds the
// wait for each upstream response.
func (h *Handler) Serve(ctx context.Context) error {
	for {
		if !h.setIdle(true) {
			return nil
		}
		req, err := frame.Read(h.conn)
		h.setIdle(false)
		if err != nil {
			if h.isDraining() || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading request header: %w", err)
		}

		if err := frame.CheckLength(req, h.maxLen); err != nil {
			return err
		}

		if err := h.readPayload(req); err != nil {
			return fmt.Errorf("reading request body: %w", err)
		}

		resp, err := h.dispatch(ctx, req)
		if err != nil {
			return &DispatchError{Err: err}
		}

		if err := h.writeResponse(resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		h.served++
	}
}

func (h *Handler) readPayload(req frame.Frame) error {
	data := h.buf.Acquire()
	defer h.buf.Release()
	_, err := io.ReadFull(h.conn, data[:req.PayloadLen()])
	return err
}

func (h *Handler) dispatch(ctx context.Context, req frame.Frame) (frame.Frame, error) {
	start := time.Now()
	resp, err := h.dispatcher.EnqueueAndAwait(ctx, h.buf, req)
	if h.metrics != nil {
		h.metrics.RequestDone(Outcome(err), time.Since(start))
	}
	return resp, err
}

// writeResponse sends the response header and payload in one vectored write.
func (h *Handler) writeResponse(resp frame.Frame) error {
	data := h.buf.Acquire()
	defer h.buf.Release()

	hdr := resp.Encode()
	bufs := net.Buffers{hdr[:], data[:resp.PayloadLen()]}
	_, err := bufs.WriteTo(h.conn)
	return err
}

// Drain makes Serve return after the request in progress, if any. An idle
// header read is interrupted immediately.
func (h *Handler) Drain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
	if h.idle {
		h.conn.SetReadDeadline(time.Now())
	}
}

// setIdle records whether the handler is waiting for a new header. Entering
// idle fails once draining has started.
func (h *Handler) setIdle(idle bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idle && h.draining {
		return false
	}
	h.idle = idle
	return true
}

func (h *Handler) isDraining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// Served returns the number of requests answered on this connection.
// It is only meaningful after Serve has returned.
func (h *Handler) Served() int64 {
	return h.served
}

// Outcome classifies a dispatch result for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ticket.ErrQueueTimeout):
		return "queue_timeout"
	case errors.Is(err, ticket.ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ticket.ErrConnectionInterrupted):
		return "interrupted"
	case errors.Is(err, frame.ErrOversizedPayload):
		return "oversized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
