package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/factory-vision/feed-relay/internal/config"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/feedserver"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/logger"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/metrics"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/upstream"
	"github.com/dj-oyu/factory-vision/feed-relay/internal/videofeed"
)

func main() {
	cfg := config.DefaultConfig()

	configPath := flag.String("config", "", "YAML config file (reloaded on change)")
	envFile := flag.String("env-file", ".env", "Environment file loaded before FEED_RELAY_* overrides")
	httpAddr := flag.String("http", cfg.HTTP.Addr, "HTTP server address")
	metricsAddr := flag.String("metrics", cfg.HTTP.MetricsAddr, "Metrics server address (empty to disable)")
	pprofAddr := flag.String("pprof", cfg.HTTP.PprofAddr, "pprof server address (empty to disable)")
	edgeMode := flag.String("edge", cfg.Upstream.EdgeMode, "Edge deployment mode (auto, on, off)")
	upstreamPort := flag.Int("upstream-port", cfg.Upstream.Port, "Frame publisher port")
	pollInterval := flag.Duration("poll", cfg.Feed.PollInterval, "Streamer poll interval")
	idleTimeout := flag.Duration("idle-timeout", cfg.Feed.IdleTimeout, "Close feeds idle this long (0 disables)")
	logLevel := flag.String("log-level", cfg.Log.Level, "Log level (debug, info, warn, error, silent)")
	logColor := flag.Bool("log-color", cfg.Log.Color, "Enable colored log output")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	// Flags given explicitly win over file and environment.
	applyFlags := func(c *config.Config) {
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "http":
				c.HTTP.Addr = *httpAddr
			case "metrics":
				c.HTTP.MetricsAddr = *metricsAddr
			case "pprof":
				c.HTTP.PprofAddr = *pprofAddr
			case "edge":
				c.Upstream.EdgeMode = *edgeMode
			case "upstream-port":
				c.Upstream.Port = *upstreamPort
			case "poll":
				c.Feed.PollInterval = *pollInterval
			case "idle-timeout":
				c.Feed.IdleTimeout = *idleTimeout
			case "log-level":
				c.Log.Level = *logLevel
			case "log-color":
				c.Log.Color = *logColor
			}
		})
	}
	cfg, err := config.Resolve(cfg, os.Getenv, applyFlags)
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	edge := cfg.Upstream.IsEdge(os.Getenv)
	source := &upstream.ZMQSource{
		Endpoint: upstream.Endpoint{
			Edge:        edge,
			ServiceHost: cfg.Upstream.ServiceHost,
			LocalHost:   cfg.Upstream.LocalHost,
			Port:        cfg.Upstream.Port,
			Resolver:    net.DefaultResolver,
		},
		DialRetry:      cfg.Upstream.DialRetry,
		DialMaxRetries: cfg.Upstream.DialMaxRetries,
	}

	m := metrics.New()
	registry := videofeed.NewRegistry(source, videofeed.Options{
		PollInterval: cfg.Feed.PollInterval,
		Metrics:      m,
	}, cfg.Feed.IdleTimeout)
	m.SetActiveFeedsFunc(registry.Len)

	server := feedserver.NewServer(registry, m)

	logger.Info("Main", "Feed relay listening on %s", cfg.HTTP.Addr)
	if edge {
		logger.Info("Main", "Upstream: %s:%d (edge)", cfg.Upstream.ServiceHost, cfg.Upstream.Port)
	} else {
		logger.Info("Main", "Upstream: %s:%d", cfg.Upstream.LocalHost, cfg.Upstream.Port)
	}
	logger.Info("Main", "Poll interval: %s, idle timeout: %s", cfg.Feed.PollInterval, cfg.Feed.IdleTimeout)
	logger.Info("Main", "Log level: %s", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go registry.Run(ctx, cfg.Feed.ReapInterval)

	if cfg.HTTP.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", cfg.HTTP.PprofAddr)
			if err := http.ListenAndServe(cfg.HTTP.PprofAddr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	if cfg.HTTP.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", cfg.HTTP.MetricsAddr)
			if err := m.StartServer(cfg.HTTP.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(reloaded config.Config) {
				next, err := config.Resolve(reloaded, os.Getenv, applyFlags)
				if err != nil {
					logger.Warn("Main", "Ignoring config reload: %v", err)
					return
				}
				if lvl, err := logger.ParseLevel(next.Log.Level); err == nil {
					logger.SetLevel(lvl)
				}
				registry.SetIdleTimeout(next.Feed.IdleTimeout)
			})
			if err != nil {
				logger.Warn("Main", "Config watch disabled: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Handler(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Streaming handlers only return once their feed closes, so close the
	// feeds while Shutdown drains connections.
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- httpServer.Shutdown(shutdownCtx) }()
	if err := registry.CloseAll(shutdownCtx); err != nil {
		logger.Warn("Main", "Feeds did not stop in time: %v", err)
	}
	if err := <-shutdownDone; err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}
