package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/l3lb/l3/internal/api"
	"github.com/l3lb/l3/internal/config"
	"github.com/l3lb/l3/internal/downstream"
	"github.com/l3lb/l3/internal/frame"
	"github.com/l3lb/l3/internal/health"
	"github.com/l3lb/l3/internal/logging"
	"github.com/l3lb/l3/internal/metrics"
	"github.com/l3lb/l3/internal/upstream"
)

const statsInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "configs/l3.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("l3 exited with error", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logLevel, closeLog, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("l3 starting...", "config", configPath, "hosts", len(cfg.Upstream.Hosts), "connections_per_host", cfg.Upstream.Connections)

	// Initialize components
	m := metrics.New()
	pool := upstream.New(cfg.Service, cfg.Upstream)
	hc := health.NewChecker(pool, m, cfg.HealthCheck)

	// Wire up upstream events to metrics
	pool.SetOnConnEvent(func(host string, ev upstream.ConnEvent, err error) {
		switch ev {
		case upstream.ConnEventDialFailed:
			m.UpstreamDialFailed(host)
		case upstream.ConnEventDisconnected:
			if err != nil {
				m.UpstreamDisconnected(host)
			}
		}
	})
	pool.SetOnTicketDone(func(host string, wait time.Duration, err error) {
		if host != "" {
			m.QueueWait(host, wait)
		}
		if kind := frame.Kind(err); kind != "" {
			m.ProtocolError("upstream", kind)
		}
	})

	if err := pool.Start(context.Background()); err != nil {
		return fmt.Errorf("starting upstream pool: %w", err)
	}

	// Start periodic pool stats reporting to Prometheus
	pool.StartStatsLoop(statsInterval, func(s upstream.Stats) {
		m.UpdateQueueDepth(s.QueueDepth)
		for _, hs := range s.Hosts {
			m.UpdateHostStats(hs.Host, hs.Live, hs.Reconnecting)
		}
	})

	// Start health checker
	hc.Start()

	readyCtx, cancelReady := context.WithTimeout(context.Background(), cfg.Upstream.ReadyTimeout)
	if err := pool.WaitReady(readyCtx); err != nil {
		slog.Warn("no upstream connection established yet, accepting clients anyway",
			"ready_timeout", cfg.Upstream.ReadyTimeout, "err", err)
	} else {
		slog.Info("upstream pool ready")
	}
	cancelReady()

	// Start downstream server
	server := downstream.NewServer(pool, cfg.Service.MaxMessageLength, m)
	if err := server.Listen(cfg.Service.Addr()); err != nil {
		pool.Close(context.Background())
		hc.Stop()
		return err
	}

	// Start REST API
	var apiServer *api.Server
	if !cfg.API.Disabled {
		apiServer = api.NewServer(cfg, pool, server, hc, m)
		if err := apiServer.Start(); err != nil {
			shutdown(cfg.ShutdownTimeout, nil, server, pool, hc)
			return err
		}
	}

	// Set up config hot-reload
	current := cfg
	configWatcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		slog.Info("reloading configuration...")
		applyReload(current, newCfg, pool, logLevel)
		if apiServer != nil {
			apiServer.SetConfig(newCfg)
		}
		current = newCfg
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("l3 ready", "service_addr", server.Addr().String(), "api_disabled", cfg.API.Disabled)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down...", "signal", sig, "timeout", cfg.ShutdownTimeout)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	if err := shutdown(cfg.ShutdownTimeout, apiServer, server, pool, hc); err != nil {
		return err
	}
	slog.Info("l3 stopped")
	return nil
}

// shutdown stops clients first so the pool can drain every request already
// taken, then the pool, then the admin endpoints. It is bounded by timeout.
func shutdown(timeout time.Duration, apiServer *api.Server, server *downstream.Server, pool *upstream.Pool, hc *health.Checker) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if apiServer != nil {
		apiServer.SetDraining()
	}

	var errs []error
	if err := server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping downstream server: %w", err))
	}
	if err := pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing upstream pool: %w", err))
	}
	hc.Stop()
	if apiServer != nil {
		if err := apiServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping api server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// applyReload applies the settings that can change at runtime and warns about
// the rest, which need a restart.
func applyReload(old, next *config.Config, pool *upstream.Pool, level *slog.LevelVar) {
	// Only a change in the file overrides a value set through the API.
	if next.Upstream.QueueTimeout != old.Upstream.QueueTimeout {
		slog.Info("queue timeout changed", "previous", pool.QueueTimeout(), "queue_timeout", next.Upstream.QueueTimeout)
		pool.SetQueueTimeout(next.Upstream.QueueTimeout)
	}
	if next.Logging.Level != old.Logging.Level {
		level.Set(logging.ParseLevel(next.Logging.Level))
		slog.Info("log level changed", "previous", old.Logging.Level, "level", next.Logging.Level)
	}

	for _, section := range restartRequired(old, next) {
		slog.Warn("configuration change requires a restart to take effect", "section", section)
	}
}

// restartRequired lists the config sections that changed in ways the running
// process cannot apply.
func restartRequired(old, next *config.Config) []string {
	var changed []string

	oldUp, nextUp := old.Upstream, next.Upstream
	oldUp.QueueTimeout, nextUp.QueueTimeout = 0, 0

	oldLog, nextLog := old.Logging, next.Logging
	oldLog.Level, nextLog.Level = "", ""

	// The API key is read per request.
	oldAPI, nextAPI := old.API, next.API
	oldAPI.APIKey, nextAPI.APIKey = "", ""

	if old.Service != next.Service {
		changed = append(changed, "service")
	}
	if !reflect.DeepEqual(oldUp, nextUp) {
		changed = append(changed, "upstream")
	}
	if oldAPI != nextAPI {
		changed = append(changed, "api")
	}
	if old.HealthCheck != next.HealthCheck {
		changed = append(changed, "health_check")
	}
	if oldLog != nextLog {
		changed = append(changed, "logging")
	}
	if old.ShutdownTimeout != next.ShutdownTimeout {
		changed = append(changed, "shutdown_timeout")
	}
	return changed
}
