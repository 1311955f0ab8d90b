package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/l3lb/l3/internal/config"
	"github.com/l3lb/l3/internal/metrics"
	"github.com/l3lb/l3/internal/upstream"
)

// Status represents the health status of an upstream host.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name. Unrecognised names decode as unknown.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "healthy":
		*s = StatusHealthy
	case "unhealthy":
		*s = StatusUnhealthy
	default:
		*s = StatusUnknown
	}
	return nil
}

// HostHealth holds health information for an upstream host.
type HostHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Live                int       `json:"live"`
	Slots               int       `json:"slots"`
}

// StatsSource reports per-host connection state. *upstream.Pool implements it.
type StatsSource interface {
	HostStats() []upstream.HostStats
}

// Checker periodically evaluates upstream host health from pool state. A
// host passes a check while it has at least one live connection.
type Checker struct {
	mu      sync.RWMutex
	hosts   map[string]*HostHealth
	source  StatsSource
	metrics *metrics.Collector

	interval         time.Duration
	failureThreshold int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker with configurable parameters.
func NewChecker(src StatsSource, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Checker {
	return &Checker{
		hosts:            make(map[string]*HostHealth),
		source:           src,
		metrics:          m,
		interval:         hcCfg.Interval,
		failureThreshold: hcCfg.FailureThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	for _, hs := range c.source.HostStats() {
		c.mu.Lock()
		th := c.getOrCreate(hs.Host)
		th.Live = hs.Live
		th.Slots = hs.Slots
		if hs.LastError != "" {
			th.LastError = hs.LastError
		}
		c.mu.Unlock()

		c.updateStatus(hs.Host, hs.Live > 0)
	}
}

func (c *Checker) updateStatus(host string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	th := c.getOrCreate(host)
	th.LastCheck = time.Now()

	if healthy {
		if th.ConsecutiveFailures > 0 {
			slog.Info("upstream host recovered", "host", host, "failures", th.ConsecutiveFailures)
		}
		th.Status = StatusHealthy
		th.ConsecutiveFailures = 0
		th.LastError = ""
	} else {
		th.ConsecutiveFailures++
		if th.ConsecutiveFailures >= c.failureThreshold {
			if th.Status != StatusUnhealthy {
				slog.Warn("upstream host marked unhealthy", "host", host, "failures", th.ConsecutiveFailures, "error", th.LastError)
			}
			th.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetHostHealth(host, th.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(host string) *HostHealth {
	th, ok := c.hosts[host]
	if !ok {
		th = &HostHealth{Status: StatusUnknown}
		c.hosts[host] = th
	}
	return th
}

// IsHealthy returns whether a host is healthy (or unknown, which is treated as healthy).
func (c *Checker) IsHealthy(host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	th, ok := c.hosts[host]
	if !ok {
		return true
	}
	return th.Status != StatusUnhealthy
}

// GetStatus returns the health status for a host and whether it is known.
func (c *Checker) GetStatus(host string) (HostHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	th, ok := c.hosts[host]
	if !ok {
		return HostHealth{Status: StatusUnknown}, false
	}
	return *th, true
}

// GetAllStatuses returns health statuses for all known hosts.
func (c *Checker) GetAllStatuses() map[string]HostHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]HostHealth, len(c.hosts))
	for host, th := range c.hosts {
		result[host] = *th
	}
	return result
}

// OverallHealthy returns true if no host is unhealthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, th := range c.hosts {
		if th.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// AnyHealthy returns true if at least one host is not unhealthy, or none
// has been checked yet.
func (c *Checker) AnyHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.hosts) == 0 {
		return true
	}
	for _, th := range c.hosts {
		if th.Status != StatusUnhealthy {
			return true
		}
	}
	return false
}

// RemoveHost removes health state for a host that is no longer configured.
func (c *Checker) RemoveHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.hosts, host)
	if c.metrics != nil {
		c.metrics.RemoveHost(host)
	}
	slog.Info("removed health state", "host", host)
}
