package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/l3lb/l3/internal/config"
	"github.com/l3lb/l3/internal/health"
	"github.com/l3lb/l3/internal/metrics"
	"github.com/l3lb/l3/internal/upstream"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Pool is the part of the upstream pool the API reads and tunes.
type Pool interface {
	IsReady() bool
	Stats() upstream.Stats
	QueueTimeout() time.Duration
	SetQueueTimeout(time.Duration)
}

// ClientCounter reports open client connections.
type ClientCounter interface {
	ActiveConnections() int
}

// Server is the REST API and metrics server.
type Server struct {
	pool        Pool
	clients     ClientCounter
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	listener    net.Listener
	startTime   time.Time
	draining    atomic.Bool

	cfgMu sync.RWMutex
	cfg   *config.Config
}

// NewServer creates a new API server. clients and m may be nil.
func NewServer(cfg *config.Config, p Pool, clients ClientCounter, hc *health.Checker, m *metrics.Collector) *Server {
	return &Server{
		pool:        p,
		clients:     clients,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		cfg:         cfg,
	}
}

// SetConfig replaces the configuration reported by /config after a reload.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetDraining makes /ready report not ready so load balancers stop sending traffic.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// authMiddleware returns a middleware that checks for a valid API key.
// Unauthenticated routes (health, ready, metrics) are excluded.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/ready" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := s.config().API.APIKey
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the full route tree wrapped in the security and auth middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Upstream state
	r.HandleFunc("/upstreams", s.listUpstreams).Methods("GET")
	r.HandleFunc("/upstreams/queue-timeout", s.setQueueTimeout).Methods("PUT")
	r.HandleFunc("/upstreams/{host}", s.getUpstream).Methods("GET")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	if s.metrics != nil && s.metrics.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	return s.securityHeaders(s.authMiddleware(r))
}

// Start binds the API address and serves in the background.
func (s *Server) Start() error {
	apiCfg := s.config().API
	addr := net.JoinHostPort(apiCfg.Bind, strconv.Itoa(apiCfg.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for api: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if apiCfg.APIKey == "" {
		slog.Warn("API key not configured, management endpoints are unauthenticated")
	}
	slog.Info("REST API listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "err", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// --- Upstream Handlers ---

type upstreamResponse struct {
	upstream.HostStats
	Health *health.HostHealth `json:"health,omitempty"`
}

func (s *Server) upstreamView(hs upstream.HostStats) upstreamResponse {
	ur := upstreamResponse{HostStats: hs}
	if s.healthCheck != nil {
		if h, ok := s.healthCheck.GetStatus(hs.Host); ok {
			ur.Health = &h
		}
	}
	return ur
}

func (s *Server) listUpstreams(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()

	result := make([]upstreamResponse, 0, len(stats.Hosts))
	for _, hs := range stats.Hosts {
		result = append(result, s.upstreamView(hs))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":         stats.Ready,
		"queue_depth":   stats.QueueDepth,
		"queue_timeout": stats.QueueTimeout,
		"hosts":         result,
	})
}

func (s *Server) getUpstream(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]

	for _, hs := range s.pool.Stats().Hosts {
		if hs.Host == host {
			writeJSON(w, http.StatusOK, s.upstreamView(hs))
			return
		}
	}
	writeError(w, http.StatusNotFound, "upstream host not found")
}

type queueTimeoutRequest struct {
	QueueTimeout string `json:"queue_timeout"`
}

func (s *Server) setQueueTimeout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req queueTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	d, err := time.ParseDuration(req.QueueTimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, "queue_timeout must be a duration such as \"2s\": "+err.Error())
		return
	}
	if d < 0 {
		writeError(w, http.StatusBadRequest, "queue_timeout must not be negative")
		return
	}

	previous := s.pool.QueueTimeout()
	s.pool.SetQueueTimeout(d)
	slog.Info("queue timeout updated", "previous", previous, "queue_timeout", d)

	writeJSON(w, http.StatusOK, map[string]string{
		"previous":      previous.String(),
		"queue_timeout": d.String(),
	})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()

	status := http.StatusOK
	label := "healthy"
	switch {
	case !s.healthCheck.AnyHealthy():
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	case !s.healthCheck.OverallHealthy():
		label = "degraded"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    label,
		"upstreams": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if !s.pool.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	cfg := s.config()
	stats := s.pool.Stats()

	clients := 0
	if s.clients != nil {
		clients = s.clients.ActiveConnections()
	}
	live := 0
	for _, hs := range stats.Hosts {
		live += hs.Live
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":     int(time.Since(s.startTime).Seconds()),
		"go_version":         runtime.Version(),
		"goroutines":         runtime.NumGoroutine(),
		"memory_mb":          float64(mem.Alloc) / 1024 / 1024,
		"ready":              stats.Ready,
		"client_connections": clients,
		"upstream_hosts":     len(stats.Hosts),
		"upstream_live":      live,
		"queue_depth":        stats.QueueDepth,
		"listen": map[string]string{
			"service": cfg.Service.Addr(),
			"api":     net.JoinHostPort(cfg.API.Bind, strconv.Itoa(cfg.API.Port)),
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.config().Redacted()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": map[string]interface{}{
			"host":               cfg.Service.Host,
			"port":               cfg.Service.Port,
			"max_message_length": cfg.Service.MaxMessageLength,
		},
		"upstream": map[string]interface{}{
			"hosts":           cfg.Upstream.Hosts,
			"connections":     cfg.Upstream.Connections,
			"queue_timeout":   s.pool.QueueTimeout().String(),
			"dial_timeout":    cfg.Upstream.DialTimeout.String(),
			"request_timeout": cfg.Upstream.RequestTimeout.String(),
			"ready_timeout":   cfg.Upstream.ReadyTimeout.String(),
			"backoff": map[string]interface{}{
				"initial": cfg.Upstream.Backoff.Initial.String(),
				"max":     cfg.Upstream.Backoff.Max.String(),
				"jitter":  cfg.Upstream.Backoff.Jitter,
			},
		},
		"api": map[string]interface{}{
			"bind":    cfg.API.Bind,
			"port":    cfg.API.Port,
			"api_key": cfg.API.APIKey,
		},
		"health_check": map[string]interface{}{
			"interval":          cfg.HealthCheck.Interval.String(),
			"failure_threshold": cfg.HealthCheck.FailureThreshold,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"file":   cfg.Logging.File,
		},
		"shutdown_timeout": cfg.ShutdownTimeout.String(),
	})
}

// securityHeaders adds security-related HTTP headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
