package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aegisflux/scanengine/internal/api"
	"github.com/aegisflux/scanengine/internal/builtin"
	"github.com/aegisflux/scanengine/internal/cache"
	"github.com/aegisflux/scanengine/internal/config"
	"github.com/aegisflux/scanengine/internal/execmodule"
	"github.com/aegisflux/scanengine/internal/fetch"
	"github.com/aegisflux/scanengine/internal/health"
	"github.com/aegisflux/scanengine/internal/metrics"
	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/natsio"
	"github.com/aegisflux/scanengine/internal/registry"
	"github.com/aegisflux/scanengine/internal/scan"
	"github.com/aegisflux/scanengine/internal/store"
)

func main() {
	base := config.FromEnv()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: base.Level(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting scan engine",
		"http_addr", base.HTTPAddr,
		"nats_url", base.NatsURL,
		"config_api_url", base.ConfigAPIURL,
		"descriptors_dir", base.DescriptorsDir,
		"cache_backend", base.CacheBackend,
		"max_scans", base.MaxScans)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := health.NewServiceChecker(logger)

	// NATS is optional; without it the engine is driven over HTTP only
	var nc *nats.Conn
	if base.NatsURL != "" {
		var err error
		nc, err = nats.Connect(base.NatsURL,
			nats.Name("scanengine"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("Disconnected from NATS", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
			}))
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		checker.AddProbe("nats", false, func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		})
		logger.Info("Connected to NATS")
	}

	moduleOptions, err := config.LoadModuleOptions(base.ModuleOptions)
	if err != nil {
		logger.Error("Failed to load module options", "path", base.ModuleOptions, "error", err)
		os.Exit(1)
	}

	var cfgClient *config.Client
	if base.ConfigAPIURL != "" {
		cfgClient = config.NewClient(base.ConfigAPIURL, logger)
	}
	configManager := config.NewManager(base, cfgClient, nc, moduleOptions, logger)
	if err := configManager.Initialize(ctx); err != nil {
		logger.Warn("Failed to initialize configuration manager, using environment defaults", "error", err)
	}
	defer configManager.Close()
	current := configManager.Current()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(promReg)

	backend, err := openCacheStore(ctx, current, checker, logger)
	if err != nil {
		logger.Error("Failed to open response cache", "backend", current.CacheBackend, "error", err)
		os.Exit(1)
	}
	responses := cache.New(backend, logger)
	responses.SetObserver(m)
	defer responses.Close()

	gateway := fetch.NewGateway(
		fetch.NewHTTPClient(current.FetchTimeout, current.UserAgent),
		responses,
		fetch.NewPacer(),
		fetch.GatewayConfig{Retries: current.FetchRetries, Backoff: 500 * time.Millisecond, MaxAge: current.CacheTTL},
		logger,
	)
	gateway.SetObserver(m)

	reg, err := buildRegistry(current.DescriptorsDir, logger)
	if err != nil {
		logger.Error("Failed to build module registry", "error", err)
		os.Exit(1)
	}
	catalog := model.NewCatalog()
	reg.RegisterTypes(catalog)
	checker.SetReady("registry", reg.Len() > 0)
	checker.SetRequired("registry", true)
	logger.Info("Module registry loaded", "modules", reg.Len())

	coord := scan.NewCoordinator(reg, catalog, gateway, m, scanConfig(current), logger)
	coord.SetOptionsSource(configManager.Options())

	findings := store.NewMemoryStore(current.RetainScans, current.RetainFindings, current.DedupeCap)
	coord.AddSink(findings)
	if nc != nil {
		coord.AddSink(natsio.NewPublisher(nc, m, logger))

		sub := natsio.NewSubscriber(nc, coord, natsio.DefaultQueueGroup, logger)
		go func() {
			if err := sub.Subscribe(ctx); err != nil {
				logger.Error("NATS subscriber stopped", "error", err)
			}
		}()
	}

	configManager.Subscribe(func(snap *config.Snapshot) {
		logger.Info("Configuration updated, applying changes",
			"queue_capacity", snap.QueueCapacity,
			"dedupe_cap", snap.DedupeCap,
			"scan_timeout", snap.ScanTimeout,
			"max_scans", snap.MaxScans)
		coord.UpdateConfig(scanConfig(snap))
	})

	srv := api.NewServer(coord, findings, checker, promReg, logger)
	httpServer := &http.Server{
		Addr:              current.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", current.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down scan engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("Scans did not stop in time", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	logger.Info("Scan engine stopped")
}

func scanConfig(s *config.Snapshot) scan.Config {
	return scan.Config{
		QueueCapacity:  s.QueueCapacity,
		DedupeCapacity: s.DedupeCap,
		ScanTimeout:    s.ScanTimeout,
		MaxScans:       s.MaxScans,
	}
}

// buildRegistry merges the compiled-in modules with the external ones found
// in dir. An external module replaces a built-in of the same name.
func buildRegistry(dir string, logger *slog.Logger) (*registry.Registry, error) {
	external, err := execmodule.NewLoader(dir, logger).Entries()
	if err != nil {
		return nil, fmt.Errorf("failed to load module descriptors: %w", err)
	}
	override := make(map[string]bool, len(external))
	for _, e := range external {
		override[e.Descriptor.Name] = true
	}
	entries := append(builtin.Entries(override), external...)
	return registry.New(entries...)
}

func openCacheStore(ctx context.Context, s *config.Snapshot, checker *health.ServiceChecker, logger *slog.Logger) (cache.Store, error) {
	switch s.CacheBackend {
	case "", "memory":
		return cache.NewMemoryStore(s.CacheEntries)
	case "fs", "file":
		return cache.NewFSStore(s.CacheDir, logger)
	case "postgres":
		pg, err := cache.NewPostgresStore(ctx, s.CacheDSN, logger)
		if err != nil {
			return nil, err
		}
		checker.AddProbe("cache", true, pg.Ping)
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.CacheBackend)
	}
}
