package upstream

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l3lb/l3/internal/config"
	"github.com/l3lb/l3/internal/frame"
)

// testBackend is a framed backend that answers each request with the
// reversed payload, echoing the request's reserved bytes.
type testBackend struct {
	ln       net.Listener
	accepted atomic.Int64
	requests atomic.Int64

	// closeAfter, if > 0, makes every connection hang up after that many requests.
	closeAfter int

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func startBackend(t testing.TB, closeAfter int) *testBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &testBackend{ln: ln, closeAfter: closeAfter}
	b.wg.Add(1)
	go b.acceptLoop()
	t.Cleanup(b.Close)
	return b
}

func (b *testBackend) Addr() string {
	return b.ln.Addr().String()
}

func (b *testBackend) acceptLoop() {
	defer b.wg.Done()
	for {
		c, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.accepted.Add(1)
		b.mu.Lock()
		b.conns = append(b.conns, c)
		b.mu.Unlock()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer c.Close()
			b.serve(c)
		}()
	}
}

func (b *testBackend) serve(c net.Conn) {
	n := 0
	for {
		req, err := frame.Read(c)
		if err != nil {
			return
		}
		payload := make([]byte, req.Length)
		if _, err := io.ReadFull(c, payload); err != nil {
			return
		}
		b.requests.Add(1)
		reverse(payload)

		resp := frame.Frame{Version: frame.Version, Reserved: req.Reserved, Length: uint32(len(payload))}
		hdr := resp.Encode()
		if _, err := c.Write(append(hdr[:], payload...)); err != nil {
			return
		}
		n++
		if b.closeAfter > 0 && n >= b.closeAfter {
			return
		}
	}
}

func (b *testBackend) Close() {
	b.ln.Close()
	b.mu.Lock()
	for _, c := range b.conns {
		c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func reverse(p []byte) {
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
}

// unusedAddr returns a loopback address nothing listens on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func testUpstreamConfig(hosts ...string) config.UpstreamConfig {
	return config.UpstreamConfig{
		Hosts:        hosts,
		Connections:  2,
		QueueTimeout: 5 * time.Second,
		DialTimeout:  time.Second,
		Backoff: config.BackoffConfig{
			Initial: 10 * time.Millisecond,
			Max:     50 * time.Millisecond,
		},
	}
}

func testServiceConfig() config.ServiceConfig {
	return config.ServiceConfig{Host: "127.0.0.1", MaxMessageLength: 256}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
