package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/l3lb/l3/internal/config"
	"github.com/l3lb/l3/internal/frame"
	"github.com/l3lb/l3/internal/ticket"
)

// ErrPoolStarted is returned by Start when called more than once.
var ErrPoolStarted = errors.New("pool already started")

// DialFunc opens a connection to a backend host.
type DialFunc func(ctx context.Context, host string) (net.Conn, error)

// ConnEvent is a lifecycle change of an upstream connection slot.
type ConnEvent int

const (
	ConnEventConnected ConnEvent = iota
	ConnEventDisconnected
	ConnEventDialFailed
)

func (e ConnEvent) String() string {
	switch e {
	case ConnEventConnected:
		return "connected"
	case ConnEventDisconnected:
		return "disconnected"
	case ConnEventDialFailed:
		return "dial_failed"
	default:
		return "unknown"
	}
}

// OnConnEvent is called whenever a slot connects, loses its connection or fails to dial.
type OnConnEvent func(host string, ev ConnEvent, err error)

// StatsCallback is called periodically with pool stats.
type StatsCallback func(stats Stats)

// HostStats holds connection statistics for one backend host.
type HostStats struct {
	Host                string    `json:"host"`
	Slots               int       `json:"slots"`
	Live                int       `json:"live"`
	Reconnecting        int       `json:"reconnecting"`
	Served              int64     `json:"served_total"`
	DialFailures        int64     `json:"dial_failures_total"`
	Disconnects         int64     `json:"disconnects_total"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastConnected       time.Time `json:"last_connected,omitempty"`
}

// Stats holds pool-wide statistics.
type Stats struct {
	Ready        bool        `json:"ready"`
	QueueDepth   int         `json:"queue_depth"`
	QueueTimeout string      `json:"queue_timeout"`
	Hosts        []HostStats `json:"hosts"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces the wall clock used for queue timeouts and backoff sleeps.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithDialFunc replaces the TCP dialer.
func WithDialFunc(d DialFunc) Option {
	return func(p *Pool) { p.dial = d }
}

type slotState int

const (
	slotDialing slotState = iota
	slotLive
	slotBackoff
	slotStopped
)

// slot is one host x connection-index position. It owns the reconnect state;
// the Conn it serves through is replaced on every reconnect.
type slot struct {
	host  string
	index int

	mu            sync.Mutex
	state         slotState
	tryNum        int
	lastErr       error
	lastConnected time.Time
	conn          *Conn
	servedPrev    int64
	dialFailures  int64
	disconnects   int64
}

// Pool owns the shared request queue and a fixed number of upstream
// connections per configured backend host.
type Pool struct {
	hosts            []string
	connsPerHost     int
	maxMessageLength int
	dialTimeout      time.Duration
	requestTimeout   time.Duration
	backoff          backoffPolicy
	queueTimeout     atomic.Int64

	clock clockwork.Clock
	dial  DialFunc
	queue *requestQueue

	mu      sync.Mutex
	slots   []*slot
	started bool
	closed  bool
	grp     errgroup.Group
	cancel  context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once

	onConnEvent  OnConnEvent
	onTicketDone OnTicketDone

	statsStopCh chan struct{}
	statsOnce   sync.Once
}

// New creates a pool for the configured upstream hosts. Nothing is dialed until Start.
func New(svc config.ServiceConfig, up config.UpstreamConfig, opts ...Option) *Pool {
	p := &Pool{
		hosts:            append([]string(nil), up.Hosts...),
		connsPerHost:     up.Connections,
		maxMessageLength: svc.MaxMessageLength,
		dialTimeout:      up.DialTimeout,
		requestTimeout:   up.RequestTimeout,
		backoff:          newBackoffPolicy(up.Backoff),
		clock:            clockwork.NewRealClock(),
		queue:            newRequestQueue(),
		ready:            make(chan struct{}),
		statsStopCh:      make(chan struct{}),
	}
	p.queueTimeout.Store(int64(up.QueueTimeout))
	p.dial = p.dialTCP
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetOnConnEvent sets the callback for slot lifecycle events.
// Must be called before Start.
func (p *Pool) SetOnConnEvent(cb OnConnEvent) {
	p.onConnEvent = cb
}

// SetOnTicketDone sets the callback invoked after each ticket is resolved by a connection.
// Must be called before Start.
func (p *Pool) SetOnTicketDone(cb OnTicketDone) {
	p.onTicketDone = cb
}

// SetQueueTimeout changes how long a ticket may wait for a connection. Zero disables the check.
func (p *Pool) SetQueueTimeout(d time.Duration) {
	p.queueTimeout.Store(int64(d))
}

// QueueTimeout returns the current queue-wait threshold.
func (p *Pool) QueueTimeout() time.Duration {
	return time.Duration(p.queueTimeout.Load())
}

// Start spawns one supervising goroutine per host x connection slot and returns
// without waiting for any connection to succeed. Use Ready or WaitReady for that.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.closed {
		return ErrQueueClosed
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, host := range p.hosts {
		for i := 0; i < p.connsPerHost; i++ {
			s := &slot{host: host, index: i}
			p.slots = append(p.slots, s)
			p.grp.Go(func() error {
				p.supervise(ctx, s)
				return nil
			})
		}
	}

	slog.Info("upstream pool started", "hosts", len(p.hosts), "connections_per_host", p.connsPerHost)
	return nil
}

// EnqueueAndAwait queues a request whose payload sits in buf[:req.Length] and
// waits for its response. On success the response payload is in
// buf[:resp.Length]. A request no connection claims within the queue timeout
// fails with ticket.ErrQueueTimeout, whether or not any backend is up. If ctx
// ends first the ticket stays queued and buf must not be reused.
func (p *Pool) EnqueueAndAwait(ctx context.Context, buf *ticket.Buffer, req frame.Frame) (frame.Frame, error) {
	if err := frame.CheckLength(req, buf.Size()); err != nil {
		return frame.Frame{}, err
	}

	t := ticket.New(buf, req, p.clock.Now())
	if err := p.queue.Push(t); err != nil {
		return frame.Frame{}, err
	}

	if timeout := p.QueueTimeout(); timeout > 0 {
		timer := p.clock.AfterFunc(timeout, func() { p.expire(t) })
		resp, err := t.Wait(ctx)
		if ctx.Err() == nil {
			timer.Stop()
		}
		return resp, err
	}
	return t.Wait(ctx)
}

// expire times out t if it is still unclaimed and takes it off the queue.
func (p *Pool) expire(t *ticket.Ticket) {
	if !t.Expire() {
		return
	}
	p.queue.remove(t)
	wait := p.clock.Since(t.EnqueuedAt)
	slog.Debug("request timed out in queue", "wait", wait, "queued", p.queue.Len())
	if p.onTicketDone != nil {
		p.onTicketDone("", wait, ticket.ErrQueueTimeout)
	}
}

// Ready is closed once any upstream connection has been established.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// IsReady reports whether Ready is closed.
func (p *Pool) IsReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the pool is ready or ctx is done.
func (p *Pool) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for upstream connections: %w", ctx.Err())
	}
}

func (p *Pool) markReady() {
	p.readyOnce.Do(func() {
		close(p.ready)
	})
}

// supervise runs the reconnect loop for one slot until the queue is drained or ctx ends.
func (p *Pool) supervise(ctx context.Context, s *slot) {
	defer s.setState(slotStopped)

	for {
		if ctx.Err() != nil || p.queue.Drained() {
			return
		}

		s.setState(slotDialing)
		nc, err := p.dial(ctx, s.host)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			try := s.dialFailed(err)
			if p.closing() {
				slog.Warn("upstream connect failed while draining, giving up", "host", s.host, "slot", s.index, "err", err)
				return
			}
			delay := p.backoff.delay(try)
			slog.Warn("upstream connect failed", "host", s.host, "slot", s.index, "try", try, "retry_in", delay, "err", err)
			p.emit(s.host, ConnEventDialFailed, err)
			if !p.sleep(ctx, delay) {
				return
			}
			continue
		}

		c := newConn(nc, s.host, p.queue, p.connConfig())
		connectedAt := p.clock.Now()
		s.connected(c, connectedAt)
		p.markReady()
		p.emit(s.host, ConnEventConnected, nil)
		slog.Debug("upstream connected", "host", s.host, "slot", s.index)

		err = c.Serve(ctx)
		c.Close()
		if ctx.Err() != nil {
			err = nil
		}
		stable := c.Served() > 0 || (p.backoff.max > 0 && p.clock.Since(connectedAt) >= p.backoff.max)
		try := s.disconnected(err, stable)
		p.emit(s.host, ConnEventDisconnected, err)

		if err == nil {
			slog.Debug("upstream slot finished", "host", s.host, "slot", s.index)
			return
		}
		delay := p.backoff.delay(try)
		slog.Warn("upstream connection lost, reconnecting", "host", s.host, "slot", s.index, "try", try, "retry_in", delay, "err", err)
		if !p.sleep(ctx, delay) {
			return
		}
	}
}

func (p *Pool) connConfig() connConfig {
	return connConfig{
		maxMessageLength: p.maxMessageLength,
		requestTimeout:   p.requestTimeout,
		queueTimeout:     p.QueueTimeout,
		clock:            p.clock,
		onTicketDone:     p.onTicketDone,
	}
}

// sleep waits d on the pool clock. It returns false if ctx ended; closing the
// queue cuts the wait short so idle slots can notice the drain.
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return true
	case <-p.queue.Closed():
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) closing() bool {
	select {
	case <-p.queue.Closed():
		return true
	default:
		return false
	}
}

func (p *Pool) dialTCP(ctx context.Context, host string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.dialTimeout}
	return dialer.DialContext(ctx, "tcp", host)
}

func (p *Pool) emit(host string, ev ConnEvent, err error) {
	if p.onConnEvent != nil {
		p.onConnEvent(host, ev, err)
	}
}

// HostStats returns per-host statistics in configuration order.
func (p *Pool) HostStats() []HostStats {
	p.mu.Lock()
	slots := p.slots
	p.mu.Unlock()

	byHost := make(map[string]*HostStats, len(p.hosts))
	out := make([]HostStats, len(p.hosts))
	for i, h := range p.hosts {
		out[i] = HostStats{Host: h, Slots: p.connsPerHost}
		byHost[h] = &out[i]
	}

	for _, s := range slots {
		hs := byHost[s.host]
		s.mu.Lock()
		switch s.state {
		case slotLive:
			hs.Live++
		case slotDialing, slotBackoff:
			hs.Reconnecting++
		}
		hs.Served += s.servedPrev
		if s.conn != nil {
			hs.Served += s.conn.Served()
		}
		hs.DialFailures += s.dialFailures
		hs.Disconnects += s.disconnects
		if s.tryNum > hs.ConsecutiveFailures {
			hs.ConsecutiveFailures = s.tryNum
		}
		if s.lastErr != nil {
			hs.LastError = s.lastErr.Error()
		}
		if s.lastConnected.After(hs.LastConnected) {
			hs.LastConnected = s.lastConnected
		}
		s.mu.Unlock()
	}
	return out
}

// Stats returns pool-wide statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Ready:        p.IsReady(),
		QueueDepth:   p.queue.Len(),
		QueueTimeout: p.QueueTimeout().String(),
		Hosts:        p.HostStats(),
	}
}

// StartStatsLoop starts a periodic goroutine that calls cb with pool stats.
func (p *Pool) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	go func() {
		ticker := p.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				cb(p.Stats())
			case <-p.statsStopCh:
				return
			}
		}
	}()
}

// Close stops accepting requests and lets connections drain what is already
// queued. When ctx ends first, connections are torn down and any ticket still
// queued resolves with ticket.ErrConnectionInterrupted.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	p.statsOnce.Do(func() {
		close(p.statsStopCh)
	})
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.grp.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("draining upstream pool: %w", ctx.Err())
		slog.Warn("upstream drain timed out, closing connections", "queued", p.queue.Len())
		if cancel != nil {
			cancel()
		}
		p.closeLiveConns()
		<-done
	}
	if cancel != nil {
		cancel()
	}

	for _, t := range p.queue.takeAll() {
		t.Abandon()
	}
	slog.Info("upstream pool closed")
	return err
}

func (p *Pool) closeLiveConns() {
	p.mu.Lock()
	slots := p.slots
	p.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	}
}

func (s *slot) setState(st slotState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *slot) dialFailed(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = slotBackoff
	s.tryNum++
	s.dialFailures++
	s.lastErr = err
	return s.tryNum
}

func (s *slot) connected(c *Conn, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = slotLive
	s.lastErr = nil
	s.lastConnected = now
	s.conn = c
}

// disconnected records the end of a connection and returns the retry count
// to back off by. The count restarts only after a stable connection (one that
// served a request or outlived the backoff cap), so a backend that accepts and
// immediately drops connections is retried with growing delays.
func (s *slot) disconnected(err error, stable bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stable {
		s.tryNum = 0
	}
	if s.conn != nil {
		s.servedPrev += s.conn.Served()
		s.conn = nil
	}
	s.state = slotDialing
	if err != nil {
		s.state = slotBackoff
		s.tryNum++
		s.disconnects++
		s.lastErr = err
	}
	return s.tryNum
}
