package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-heal/internal/cache"
	"github.com/miradorstack/mirador-heal/internal/config"
	"github.com/miradorstack/mirador-heal/internal/engine"
	"github.com/miradorstack/mirador-heal/internal/notify"
	"github.com/miradorstack/mirador-heal/internal/patterns"
	"github.com/miradorstack/mirador-heal/internal/providers"
	"github.com/miradorstack/mirador-heal/internal/remediation"
	"github.com/miradorstack/mirador-heal/internal/repo"
	"github.com/miradorstack/mirador-heal/internal/sources"
	"github.com/miradorstack/mirador-heal/internal/streaming"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

// patternStore is what both the registry and the dispatcher need from a backing store.
type patternStore interface {
	patterns.Store
	remediation.Store
}

// app holds everything main wires together.
type app struct {
	engine    *engine.Engine
	registry  *patterns.Registry
	postgres  *repo.PostgresStore
	redis     *cache.RedisProvider
	fileStore *repo.FileStore
	buffer    *sources.RedisBuffer
	tracker   *providers.Tracker
	streams   *streaming.Registry
	caches    *cache.NamedSet
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.postgres != nil {
		_ = a.postgres.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, migrate bool) (*app, error) {
	clock := utils.SystemClock{}
	a := &app{}

	if cfg.Database.DSN != "" {
		pg, err := repo.NewPostgresStore(repo.PostgresConfig{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.postgres = pg
		if migrate || cfg.Database.MigrateOnStart {
			migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := pg.CreateTables(migrateCtx)
			cancel()
			if err != nil {
				a.Close()
				return nil, err
			}
			logger.Info("database schema ensured")
		}
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		rp, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			PoolSize:     cfg.Cache.PoolSize,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			a.redis = rp
			cacheProvider = rp
			a.buffer = sources.NewRedisBuffer(rp, cfg.Cache.RecentErrorsKey, cfg.Cache.RecentErrorsMax)
		}
	}

	var store patternStore
	if cfg.Patterns.File != "" {
		fs, err := repo.NewFileStore(cfg.Patterns.File, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.fileStore = fs
		store = fs
	} else if a.postgres != nil {
		store = a.postgres
	} else {
		a.Close()
		return nil, fmt.Errorf("no pattern store configured")
	}

	a.registry = patterns.NewRegistry(logger, store, patterns.Options{
		TTL:          cfg.Patterns.TTL,
		StoreTimeout: cfg.Database.QueryTimeout,
		Clock:        clock,
	})

	a.tracker = providers.NewTracker(cfg.Providers.Names, providers.Options{
		FailureThreshold: cfg.Providers.FailureThreshold,
		OpenDuration:     cfg.Providers.OpenDuration,
		Clock:            clock,
	})
	a.streams = streaming.NewRegistry(clock)

	var remote cache.PrefixInvalidator
	if a.redis != nil {
		remote = a.redis
	}
	a.caches = cache.NewNamedSet(remote)
	for _, name := range cfg.Cache.LocalCaches {
		a.caches.Register(name, cache.NewMemoryCache(clock))
	}

	notifier := buildNotifier(cfg.Notifications, logger)

	targets := remediation.Targets{
		Providers:     a.tracker,
		Streaming:     a.streams,
		Caches:        a.caches,
		Notifier:      notifier,
		JobMaxRuntime: cfg.Jobs.MaxRuntime,
		Clock:         clock,
	}
	if a.redis != nil {
		targets.Cache = a.redis
	}
	if a.postgres != nil {
		targets.Pool = a.postgres
		targets.Jobs = a.postgres
	}
	dispatcher := remediation.NewDispatcher(logger, store, remediation.DefaultHandlers(logger, targets), remediation.Options{
		HandlerTimeout: cfg.Monitor.HandlerTimeout,
		StoreTimeout:   cfg.Monitor.StoreTimeout,
		Clock:          clock,
		ValidateConfig: true,
	})

	var srcs []sources.Source
	if a.buffer != nil {
		srcs = append(srcs, a.buffer)
	}
	if a.postgres != nil {
		srcs = append(srcs, sources.NewEventStore(a.postgres, cfg.Monitor.EventLookback, cfg.Monitor.EventLimit, clock))
	}

	providerClient := repo.NewProviderClient(cfg.Providers.StatusURL, cfg.Providers.StatusPath,
		cfg.Providers.Timeout, cacheProvider, cfg.Providers.StatusCacheTTL)

	var probes []engine.Probe
	if a.postgres != nil {
		pg := a.postgres
		probes = append(probes, engine.PingProbe("database", true, pg, func() map[string]any {
			stats := pg.PoolStats()
			return map[string]any{"open_connections": stats.OpenConnections, "idle": stats.Idle, "in_use": stats.InUse}
		}))
	}
	if a.redis != nil {
		rp := a.redis
		probes = append(probes, engine.PingProbe("cache", false, rp, func() map[string]any {
			stats := rp.PoolStats()
			return map[string]any{"total_conns": stats.TotalConns, "idle_conns": stats.IdleConns}
		}))
	}
	probes = append(probes, engine.ProviderProbe(providerClient, a.tracker))

	eng, err := engine.New(engine.Options{
		Logger:       logger,
		Clock:        clock,
		Registry:     a.registry,
		Dispatcher:   dispatcher,
		Sources:      sources.NewChain(logger, cfg.Database.QueryTimeout, srcs...),
		Notifier:     notifier,
		Probes:       probes,
		Interval:     cfg.Monitor.Interval,
		SendAlerts:   cfg.Monitor.SendAlerts,
		ExecuteFixes: cfg.Monitor.ExecuteFixes,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}

func buildNotifier(cfg config.NotificationsConfig, logger *slog.Logger) notify.Sink {
	sinks := notify.Multi{notify.LogSink{Logger: logger}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.Timeout))
	}
	if cfg.MinInterval <= 0 {
		return sinks
	}
	return notify.NewRateLimited(sinks, cfg.MinInterval, cfg.Burst)
}
