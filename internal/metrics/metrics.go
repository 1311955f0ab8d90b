package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector holds all Prometheus metrics for the balancer.
type Collector struct {
	// Registry is what the /metrics endpoint serves.
	Registry *prometheus.Registry

	clientConnsActive  prometheus.Gauge
	clientConnsTotal   prometheus.Counter
	requests           *prometheus.CounterVec
	requestDuration    prometheus.Histogram
	queueWait          *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
	upstreamLive       *prometheus.GaugeVec
	upstreamReconnects *prometheus.GaugeVec
	disconnects        *prometheus.CounterVec
	dialFailures       *prometheus.CounterVec
	hostHealth         *prometheus.GaugeVec
	protocolErrors     *prometheus.CounterVec
}

// New creates all metrics and registers them, together with the Go runtime
// and process collectors, on a fresh registry.
func New() *Collector {
	c := newCollector("l3")
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func newCollector(namespace string) *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		clientConnsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "downstream_connections_active",
				Help:      "Number of open client connections",
			},
		),
		clientConnsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downstream_connections_total",
				Help:      "Total number of accepted client connections",
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of client requests by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from a request being queued to its response being available",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
			},
		),
		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_seconds",
				Help:      "Time a request spent queued before an upstream connection picked it up",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
			},
			[]string{"host"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of requests waiting for an upstream connection",
			},
		),
		upstreamLive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_connections_live",
				Help:      "Number of connected upstream connections per host",
			},
			[]string{"host"},
		),
		upstreamReconnects: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_connections_reconnecting",
				Help:      "Number of upstream connection slots dialing or backing off per host",
			},
			[]string{"host"},
		),
		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_reconnects_total",
				Help:      "Total number of upstream connections lost and re-dialed per host",
			},
			[]string{"host"},
		),
		dialFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_dial_failures_total",
				Help:      "Total number of failed upstream connection attempts per host",
			},
			[]string{"host"},
		),
		hostHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_host_health",
				Help:      "Health status of upstream host (1=healthy, 0=unhealthy)",
			},
			[]string{"host"},
		),
		protocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Total number of malformed frames by side and kind",
			},
			[]string{"side", "kind"},
		),
	}

	c.Registry.MustRegister(
		c.clientConnsActive,
		c.clientConnsTotal,
		c.requests,
		c.requestDuration,
		c.queueWait,
		c.queueDepth,
		c.upstreamLive,
		c.upstreamReconnects,
		c.disconnects,
		c.dialFailures,
		c.hostHealth,
		c.protocolErrors,
	)

	return c
}

// ClientConnected records an accepted client connection.
func (c *Collector) ClientConnected() {
	c.clientConnsActive.Inc()
	c.clientConnsTotal.Inc()
}

// ClientDisconnected decrements the active client connection gauge.
func (c *Collector) ClientDisconnected() {
	c.clientConnsActive.Dec()
}

// RequestDone records the outcome and duration of one client request.
func (c *Collector) RequestDone(outcome string, d time.Duration) {
	c.requests.WithLabelValues(outcome).Inc()
	c.requestDuration.Observe(d.Seconds())
}

// QueueWait observes how long a request waited before host's connection took it.
func (c *Collector) QueueWait(host string, d time.Duration) {
	c.queueWait.WithLabelValues(host).Observe(d.Seconds())
}

// ProtocolError counts a malformed frame seen on side ("downstream" or "upstream").
func (c *Collector) ProtocolError(side, kind string) {
	c.protocolErrors.WithLabelValues(side, kind).Inc()
}

// UpstreamDisconnected counts a lost upstream connection.
func (c *Collector) UpstreamDisconnected(host string) {
	c.disconnects.WithLabelValues(host).Inc()
}

// UpstreamDialFailed counts a failed connection attempt.
func (c *Collector) UpstreamDialFailed(host string) {
	c.dialFailures.WithLabelValues(host).Inc()
}

// SetHostHealth sets the health gauge for a host.
func (c *Collector) SetHostHealth(host string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.hostHealth.WithLabelValues(host).Set(val)
}

// UpdateQueueDepth sets the queue depth gauge.
func (c *Collector) UpdateQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// UpdateHostStats sets the per-host connection gauges.
func (c *Collector) UpdateHostStats(host string, live, reconnecting int) {
	c.upstreamLive.WithLabelValues(host).Set(float64(live))
	c.upstreamReconnects.WithLabelValues(host).Set(float64(reconnecting))
}

// RemoveHost removes all metrics for a host.
func (c *Collector) RemoveHost(host string) {
	labels := prometheus.Labels{"host": host}
	c.queueWait.DeletePartialMatch(labels)
	c.upstreamLive.DeletePartialMatch(labels)
	c.upstreamReconnects.DeletePartialMatch(labels)
	c.disconnects.DeletePartialMatch(labels)
	c.dialFailures.DeletePartialMatch(labels)
	c.hostHealth.DeletePartialMatch(labels)
}
