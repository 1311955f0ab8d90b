package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector on its own registry without the
// runtime collectors so gathered output only holds balancer metrics.
func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return newCollector("test")
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func findFamily(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestNewRegistersRuntimeCollectors(t *testing.T) {
	c := New()
	c.ClientConnected()

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sawGo, sawOwn bool
	for _, f := range families {
		switch f.GetName() {
		case "go_goroutines":
			sawGo = true
		case "l3_downstream_connections_active":
			sawOwn = true
		}
	}
	if !sawGo {
		t.Error("expected go runtime metrics to be registered")
	}
	if !sawOwn {
		t.Error("expected l3_downstream_connections_active to be registered")
	}
}

func TestClientConnectedDisconnected(t *testing.T) {
	c := newTestCollector(t)

	c.ClientConnected()
	c.ClientConnected()
	c.ClientConnected()

	if v := getGaugeValue(c.clientConnsActive); v != 3 {
		t.Errorf("expected active=3, got %v", v)
	}

	c.ClientDisconnected()
	if v := getGaugeValue(c.clientConnsActive); v != 2 {
		t.Errorf("expected active=2 after close, got %v", v)
	}
	if v := getCounterValue(c.clientConnsTotal); v != 3 {
		t.Errorf("expected total=3, got %v", v)
	}
}

func TestRequestDone(t *testing.T) {
	c := newTestCollector(t)

	c.RequestDone("ok", 10*time.Millisecond)
	c.RequestDone("ok", 20*time.Millisecond)
	c.RequestDone("queue_timeout", 5*time.Second)

	if v := getCounterValue(c.requests.WithLabelValues("ok")); v != 2 {
		t.Errorf("expected ok=2, got %v", v)
	}
	if v := getCounterValue(c.requests.WithLabelValues("queue_timeout")); v != 1 {
		t.Errorf("expected queue_timeout=1, got %v", v)
	}

	f := findFamily(t, c, "test_request_duration_seconds")
	if f == nil {
		t.Fatal("request duration metric not found")
	}
	if n := f.GetMetric()[0].GetHistogram().GetSampleCount(); n != 3 {
		t.Errorf("expected 3 samples, got %d", n)
	}
}

func TestQueueWait(t *testing.T) {
	c := newTestCollector(t)

	c.QueueWait("a:1", time.Millisecond)
	c.QueueWait("a:1", 2*time.Millisecond)
	c.QueueWait("b:1", time.Millisecond)

	f := findFamily(t, c, "test_queue_wait_seconds")
	if f == nil {
		t.Fatal("queue wait metric not found")
	}
	if len(f.GetMetric()) != 2 {
		t.Fatalf("expected 2 host series, got %d", len(f.GetMetric()))
	}
	var total uint64
	for _, m := range f.GetMetric() {
		total += m.GetHistogram().GetSampleCount()
	}
	if total != 3 {
		t.Errorf("expected 3 samples, got %d", total)
	}
}

func TestSetHostHealth(t *testing.T) {
	c := newTestCollector(t)

	c.SetHostHealth("a:1", true)
	if v := getGaugeValue(c.hostHealth.WithLabelValues("a:1")); v != 1 {
		t.Errorf("expected health=1 (healthy), got %v", v)
	}

	c.SetHostHealth("a:1", false)
	if v := getGaugeValue(c.hostHealth.WithLabelValues("a:1")); v != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", v)
	}
}

func TestUpstreamCounters(t *testing.T) {
	c := newTestCollector(t)

	c.UpstreamDialFailed("a:1")
	c.UpstreamDialFailed("a:1")
	c.UpstreamDisconnected("a:1")
	c.ProtocolError("upstream", "invalid_version")
	c.ProtocolError("downstream", "oversized")
	c.ProtocolError("downstream", "oversized")

	if v := getCounterValue(c.dialFailures.WithLabelValues("a:1")); v != 2 {
		t.Errorf("expected dial failures=2, got %v", v)
	}
	if v := getCounterValue(c.disconnects.WithLabelValues("a:1")); v != 1 {
		t.Errorf("expected reconnects=1, got %v", v)
	}
	if v := getCounterValue(c.protocolErrors.WithLabelValues("downstream", "oversized")); v != 2 {
		t.Errorf("expected downstream oversized=2, got %v", v)
	}
}

func TestUpdateStats(t *testing.T) {
	c := newTestCollector(t)

	c.UpdateQueueDepth(7)
	c.UpdateHostStats("a:1", 3, 1)

	if v := getGaugeValue(c.queueDepth); v != 7 {
		t.Errorf("expected queue depth=7, got %v", v)
	}
	if v := getGaugeValue(c.upstreamLive.WithLabelValues("a:1")); v != 3 {
		t.Errorf("expected live=3, got %v", v)
	}
	if v := getGaugeValue(c.upstreamReconnects.WithLabelValues("a:1")); v != 1 {
		t.Errorf("expected reconnecting=1, got %v", v)
	}
}

func TestRemoveHost(t *testing.T) {
	c := newTestCollector(t)

	c.QueueWait("a:1", time.Millisecond)
	c.SetHostHealth("a:1", true)
	c.UpstreamDialFailed("a:1")
	c.UpdateHostStats("a:1", 1, 0)
	c.UpdateHostStats("b:1", 1, 0)

	c.RemoveHost("a:1")

	families, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sawOther bool
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() != "host" {
					continue
				}
				if l.GetValue() == "a:1" {
					t.Errorf("metric %s still has a:1 label after removal", f.GetName())
				}
				if l.GetValue() == "b:1" {
					sawOther = true
				}
			}
		}
	}
	if !sawOther {
		t.Error("expected b:1 metrics to survive")
	}
}
