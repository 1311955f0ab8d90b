package main

import (
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/l3lb/l3/internal/config"
	"github.com/l3lb/l3/internal/upstream"
)

func baseConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{Host: "localhost", Port: 8000, MaxMessageLength: 1024},
		Upstream: config.UpstreamConfig{
			Hosts:        []string{"a:7000"},
			Connections:  2,
			QueueTimeout: 5 * time.Second,
		},
		API:     config.APIConfig{Bind: "127.0.0.1", Port: 9100, APIKey: "one"},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestRestartRequired(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   []string
	}{
		{"no change", func(c *config.Config) {}, nil},
		{"queue timeout is live", func(c *config.Config) { c.Upstream.QueueTimeout = time.Second }, nil},
		{"log level is live", func(c *config.Config) { c.Logging.Level = "debug" }, nil},
		{"api key is live", func(c *config.Config) { c.API.APIKey = "two" }, nil},
		{"hosts", func(c *config.Config) { c.Upstream.Hosts = append(c.Upstream.Hosts, "b:7000") }, []string{"upstream"}},
		{"port", func(c *config.Config) { c.Service.Port = 8001 }, []string{"service"}},
		{"log format", func(c *config.Config) { c.Logging.Format = "text" }, []string{"logging"}},
		{"several", func(c *config.Config) {
			c.API.Port = 9200
			c.ShutdownTimeout = time.Minute
		}, []string{"api", "shutdown_timeout"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := baseConfig()
			tt.mutate(next)
			got := restartRequired(baseConfig(), next)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestApplyReload(t *testing.T) {
	old := baseConfig()
	pool := upstream.New(old.Service, old.Upstream)
	level := new(slog.LevelVar)

	next := baseConfig()
	next.Upstream.QueueTimeout = 250 * time.Millisecond
	next.Logging.Level = "debug"
	applyReload(old, next, pool, level)

	if got := pool.QueueTimeout(); got != 250*time.Millisecond {
		t.Errorf("expected queue timeout 250ms, got %s", got)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", level.Level())
	}
}

func TestApplyReloadKeepsRuntimeQueueTimeout(t *testing.T) {
	old := baseConfig()
	pool := upstream.New(old.Service, old.Upstream)
	level := new(slog.LevelVar)

	// Set through the admin API.
	pool.SetQueueTimeout(750 * time.Millisecond)

	next := baseConfig()
	next.Logging.Level = "debug"
	applyReload(old, next, pool, level)

	if got := pool.QueueTimeout(); got != 750*time.Millisecond {
		t.Errorf("unrelated reload reverted queue timeout: expected 750ms, got %s", got)
	}

	next2 := baseConfig()
	next2.Logging.Level = "debug"
	next2.Upstream.QueueTimeout = 3 * time.Second
	applyReload(next, next2, pool, level)

	if got := pool.QueueTimeout(); got != 3*time.Second {
		t.Errorf("expected file change to apply, got %s", got)
	}
}
