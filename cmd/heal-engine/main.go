package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/miradorstack/mirador-heal/internal/api"
	"github.com/miradorstack/mirador-heal/internal/config"
	"github.com/miradorstack/mirador-heal/internal/metrics"
	"github.com/miradorstack/mirador-heal/internal/services"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

func main() {
	var (
		configPath string
		once       bool
		migrate    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run a single check cycle, print the report as JSON and exit")
	flag.BoolVar(&migrate, "migrate", false, "Create database tables before starting")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-heal", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, migrate)
	if err != nil {
		logger.Error("failed to initialise engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.registry.Reload(ctx); err != nil {
		logger.Warn("initial pattern load failed; will retry on next cycle", slog.Any("error", err))
	} else {
		logger.Info("patterns loaded", slog.Int("count", a.registry.Len()))
	}

	if once {
		sendAlerts, executeFixes := a.engine.Defaults()
		report := a.engine.CheckErrorPatterns(ctx, sendAlerts, executeFixes)
		a.engine.Flush()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			logger.Error("failed to write report", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	adminService := services.NewAdminService(logger, a.engine)
	server, err := api.NewServer(cfg.Server, adminService,
		grpc.ChainStreamInterceptor(api.StreamTrackingInterceptor(a.streams)))
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		opts := api.HTTPOptions{
			Ops:       a.engine,
			Providers: a.tracker,
			Caches:    a.caches,
			Gatherer:  prometheus.DefaultGatherer,
			Logger:    logger,
		}
		if a.buffer != nil {
			opts.Errors = a.buffer
		}
		httpServer = &http.Server{
			Addr:         cfg.Server.HTTPAddress,
			Handler:      api.NewHTTPHandler(opts),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: cfg.Monitor.HandlerTimeout + 15*time.Second,
		}
		go func() {
			logger.Info("ops HTTP server listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops HTTP server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		if err := a.engine.Run(ctx); err != nil {
			logger.Error("monitoring loop exited", slog.Any("error", err))
			stop()
		}
	}()
	go func() {
		defer background.Done()
		server.WatchHealth(ctx, a.engine.Interval(), a.engine.SystemHealth)
	}()

	if a.fileStore != nil && cfg.Patterns.Watch {
		background.Add(1)
		go func() {
			defer background.Done()
			err := a.fileStore.Watch(ctx, 0, func() {
				a.registry.Invalidate()
				logger.Info("pattern file changed; registry invalidated")
			})
			if err != nil {
				logger.Warn("pattern file watch stopped", slog.Any("error", err))
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("ops HTTP server shutdown", slog.Any("error", err))
		}
	}

	background.Wait()
	a.engine.Flush()
	logger.Info("mirador-heal stopped")
}
