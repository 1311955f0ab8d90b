package downstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/l3lb/l3/internal/frame"
	"github.com/l3lb/l3/internal/metrics"
)

// Server is the client-facing TCP listener.
type Server struct {
	dispatcher       Dispatcher
	maxMessageLength int
	metrics          *metrics.Collector

	listener net.Listener

	mu       sync.Mutex
	handlers map[*Handler]net.Conn

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	// reqCtx bounds in-flight upstream waits; it outlives ctx so a drain can
	// finish the requests already dispatched.
	reqCtx    context.Context
	reqCancel context.CancelFunc
}

// NewServer creates a server that forwards requests to d. m may be nil.
func NewServer(d Dispatcher, maxMessageLength int, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	reqCtx, reqCancel := context.WithCancel(context.Background())
	return &Server{
		dispatcher:       d,
		maxMessageLength: maxMessageLength,
		metrics:          m,
		handlers:         make(map[*Handler]net.Conn),
		ctx:              ctx,
		cancel:           cancel,
		reqCtx:           reqCtx,
		reqCancel:        reqCancel,
	}
}

// Listen binds addr and starts accepting clients in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	slog.Info("downstream listening", "addr", ln.Addr().String(), "max_message_length", s.maxMessageLength)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept error", "err", err)
			continue
		}

		h := NewHandler(conn, s.dispatcher, s.maxMessageLength, s.metrics)
		if !s.track(h, conn) {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(h, conn)
		}()
	}
}

// track registers h unless the server is already stopping.
func (s *Server) track(h *Handler, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.handlers[h] = conn
	return true
}

func (s *Server) untrack(h *Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, h)
}

func (s *Server) handleConnection(h *Handler, conn net.Conn) {
	defer conn.Close()
	defer s.untrack(h)

	remote := conn.RemoteAddr().String()
	if s.metrics != nil {
		s.metrics.ClientConnected()
		defer s.metrics.ClientDisconnected()
	}
	slog.Debug("client connected", "remote", remote)

	err := h.Serve(s.reqCtx)
	var derr *DispatchError
	switch {
	case err == nil:
		slog.Debug("client disconnected", "remote", remote, "requests", h.Served())
	case errors.As(err, &derr):
		slog.Warn("closing client connection after failed request", "remote", remote, "requests", h.Served(), "outcome", Outcome(err), "err", err)
	case errors.Is(err, frame.ErrProtocol), errors.Is(err, frame.ErrOversizedPayload):
		if s.metrics != nil {
			s.metrics.ProtocolError("downstream", frame.Kind(err))
		}
		slog.Warn("closing client connection on protocol error", "remote", remote, "err", err)
	default:
		slog.Warn("client connection error", "remote", remote, "requests", h.Served(), "err", err)
	}
}

// Stop closes the listener and lets every client finish its request in
// progress. Idle clients are disconnected at once. If ctx ends first the
// remaining client sockets are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.cancel()
		s.mu.Unlock()
		if s.listener != nil {
			s.listener.Close()
		}
	})

	s.mu.Lock()
	for h := range s.handlers {
		h.Drain()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.reqCancel()
		slog.Info("downstream server stopped")
		return nil
	case <-ctx.Done():
	}

	s.reqCancel()
	s.mu.Lock()
	n := len(s.handlers)
	for _, conn := range s.handlers {
		conn.Close()
	}
	s.mu.Unlock()
	<-done
	slog.Warn("downstream drain timed out, closed client connections", "connections", n)
	return fmt.Errorf("draining client connections: %w", ctx.Err())
}
