package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the load balancer.
type Config struct {
	Service         ServiceConfig     `yaml:"service"`
	Upstream        UpstreamConfig    `yaml:"upstream"`
	API             APIConfig         `yaml:"api"`
	HealthCheck     HealthCheckConfig `yaml:"health_check"`
	Logging         LoggingConfig     `yaml:"logging"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
}

// ServiceConfig defines where clients connect and how large a message may be.
type ServiceConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	MaxMessageLength int    `yaml:"max_message_length"`
}

// Addr returns the host:port the downstream server binds to.
func (s ServiceConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// UpstreamConfig defines the backend hosts and how the pool talks to them.
type UpstreamConfig struct {
	Hosts          []string      `yaml:"hosts"`
	Connections    int           `yaml:"connections"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig bounds the reconnect delay of an upstream connection slot.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Jitter  float64       `yaml:"jitter"`
}

// APIConfig defines the admin HTTP server.
type APIConfig struct {
	Disabled bool   `yaml:"disabled"`
	Bind     string `yaml:"bind"`
	Port     int    `yaml:"port"`
	APIKey   string `yaml:"api_key"`
}

// HealthCheckConfig defines how often upstream host health is evaluated.
type HealthCheckConfig struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// LoggingConfig defines log level, format and an optional rotating log file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Redacted returns a copy of the Config with secrets masked.
func (c Config) Redacted() Config {
	r := c
	if r.API.APIKey != "" {
		r.API.APIKey = "***REDACTED***"
	}
	r.Upstream.Hosts = append([]string(nil), c.Upstream.Hosts...)
	return r
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(substituteEnvVars(data))
}

// DefaultQueueTimeout applies when upstream.queue_timeout is absent. An
// explicit "0s" disables the queue timeout.
const DefaultQueueTimeout = 5 * time.Second

// Parse decodes YAML config data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	// Seeded before decoding so an explicit zero is kept.
	cfg := &Config{Upstream: UpstreamConfig{QueueTimeout: DefaultQueueTimeout}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Host == "" {
		cfg.Service.Host = "localhost"
	}
	if cfg.Service.Port == 0 {
		cfg.Service.Port = 8000
	}
	if cfg.Service.MaxMessageLength == 0 {
		cfg.Service.MaxMessageLength = 64 * 1024
	}
	if cfg.Upstream.Connections == 0 {
		cfg.Upstream.Connections = 4
	}
	if cfg.Upstream.DialTimeout == 0 {
		cfg.Upstream.DialTimeout = 3 * time.Second
	}
	if cfg.Upstream.ReadyTimeout == 0 {
		cfg.Upstream.ReadyTimeout = 10 * time.Second
	}
	if cfg.Upstream.Backoff.Initial == 0 {
		cfg.Upstream.Backoff.Initial = 100 * time.Millisecond
	}
	if cfg.Upstream.Backoff.Max == 0 {
		cfg.Upstream.Backoff.Max = 10 * time.Second
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 9100
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 5 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 28
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Service.Port < 0 || cfg.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range", cfg.Service.Port)
	}
	if cfg.Service.MaxMessageLength < 0 {
		return fmt.Errorf("service.max_message_length must be positive, got %d", cfg.Service.MaxMessageLength)
	}
	if len(cfg.Upstream.Hosts) == 0 {
		return fmt.Errorf("upstream.hosts: at least one host is required")
	}
	seen := make(map[string]bool, len(cfg.Upstream.Hosts))
	for _, h := range cfg.Upstream.Hosts {
		host, port, err := net.SplitHostPort(h)
		if err != nil {
			return fmt.Errorf("upstream host %q: %w", h, err)
		}
		if host == "" || port == "" {
			return fmt.Errorf("upstream host %q: host and port are required", h)
		}
		if seen[h] {
			return fmt.Errorf("upstream host %q listed twice", h)
		}
		seen[h] = true
	}
	if cfg.Upstream.Connections < 0 {
		return fmt.Errorf("upstream.connections must be positive, got %d", cfg.Upstream.Connections)
	}
	if cfg.Upstream.QueueTimeout < 0 || cfg.Upstream.DialTimeout < 0 || cfg.Upstream.RequestTimeout < 0 {
		return fmt.Errorf("upstream timeouts must not be negative")
	}
	if cfg.Upstream.Backoff.Initial < 0 || cfg.Upstream.Backoff.Max < cfg.Upstream.Backoff.Initial {
		return fmt.Errorf("upstream.backoff: max (%s) must be >= initial (%s)", cfg.Upstream.Backoff.Max, cfg.Upstream.Backoff.Initial)
	}
	if cfg.Upstream.Backoff.Jitter < 0 || cfg.Upstream.Backoff.Jitter > 1 {
		return fmt.Errorf("upstream.backoff.jitter must be within [0, 1], got %v", cfg.Upstream.Backoff.Jitter)
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", cfg.API.Port)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q unsupported (must be debug, info, warn or error)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format %q unsupported (must be json or text)", cfg.Logging.Format)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	select {
	case <-cw.stopCh:
		return
	default:
	}

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher. Safe to call multiple times.
func (cw *Watcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
		err = cw.watcher.Close()
	})
	return err
}
