// Package app assembles the services shared by the api, worker and
// scheduler binaries from a loaded Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"isp-saas.com/netsync/internal/config"
	"isp-saas.com/netsync/internal/gateway"
	"isp-saas.com/netsync/internal/handlers"
	"isp-saas.com/netsync/internal/integration"
	"isp-saas.com/netsync/internal/metrics"
	"isp-saas.com/netsync/internal/payments"
	"isp-saas.com/netsync/internal/store/memstore"
	"isp-saas.com/netsync/internal/store/postgres"
	"isp-saas.com/netsync/internal/suspend"
	"isp-saas.com/netsync/internal/syncer"
	"isp-saas.com/netsync/pkg/database"
	"isp-saas.com/netsync/pkg/logger"
	"isp-saas.com/netsync/pkg/redis"
)

// Store is everything any component needs from persistence. Both
// memstore.Store and postgres.Store implement it.
type Store interface {
	handlers.Store
	gateway.Store
	gateway.KeyStore
	integration.Store
	syncer.QueueStore
	syncer.ExecutorStore
	suspend.Store
	payments.Store
}

type App struct {
	Config  *config.Config
	Logger  *logger.Logger
	Store   Store
	Redis   *redis.RedisClient
	Metrics *metrics.Collector

	Integrations *integration.Registry
	Queue        *syncer.Queue
	Executor     *syncer.Executor
	Sync         *syncer.Service
	Payments     *payments.Service
	Keys         *gateway.KeyService
	Scheduler    *suspend.Scheduler

	closers []func() error
}

// New connects the store (running migrations for postgres) and Redis when
// configured, then wires the services on top.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log, Metrics: metrics.NewCollector()}

	switch cfg.Database.Driver {
	case "memory":
		log.Warn("Using in-memory store; data is lost on exit and workers must run in this process")
		a.Store = memstore.New()
	default:
		if err := database.RunMigrations(cfg.Database.URL()); err != nil {
			return nil, err
		}
		db, err := database.Connect(cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.Store = postgres.New(db.DB)
		log.Info("Database connected successfully")
	}

	if addr := cfg.Redis.Addr(); addr != "" {
		rc, err := redis.Connect(ctx, addr, cfg.Redis.Password)
		if err != nil {
			a.Close()
			return nil, err
		}
		rc.OnReleaseError(func(key string, err error) {
			log.Warn("Failed to release sync lock", "key", key, "error", err)
		})
		a.Redis = rc
		a.closers = append(a.closers, rc.Close)
		log.Info("Redis connected", "addr", addr)
	}

	sealer, err := integration.NewSealer(cfg.Auth.EncryptionKey)
	if err != nil && !errors.Is(err, integration.ErrSealingDisabled) {
		a.Close()
		return nil, err
	}
	if sealer == nil {
		log.Warn("ENCRYPTION_KEY not set; integrations with credentials cannot be saved")
	}

	a.Integrations = integration.NewRegistry(a.Store, sealer, integration.Options{
		CallTimeout: cfg.Sync.CallTimeout,
		Rate:        cfg.Sync.ProviderRate,
		Burst:       cfg.Sync.ProviderBurst,
	})

	var locker syncer.Locker
	if a.Redis != nil {
		locker = a.Redis
	}
	a.Queue = syncer.NewQueue(a.Store, cfg.Sync.MaxRetries, a.Metrics)
	a.Executor = syncer.NewExecutor(a.Store, a.Queue, a.Integrations, locker, syncer.Backoff{
		Base:   cfg.Sync.BackoffBase,
		Factor: 2,
		Max:    cfg.Sync.BackoffMax,
	}, a.Metrics, log.With("component", "executor"))
	a.Sync = syncer.NewService(a.Queue, a.Executor, a.Integrations, log)

	a.Payments = payments.NewService(a.Store, a.Sync, a.Metrics, log.With("component", "payments"))
	a.Keys = gateway.NewKeyService(a.Store, cfg.Gateway.KeyTTL)
	a.Scheduler = suspend.NewScheduler(a.Store, a.Integrations, a.Sync, a.Metrics, log.With("component", "auto-suspend"))
	return a, nil
}

// Pool builds the queue worker pool from the sync settings.
func (a *App) Pool() *syncer.Pool {
	return syncer.NewPool(a.Queue, a.Executor, syncer.PoolConfig{
		Workers:      a.Config.Sync.Workers,
		BatchSize:    a.Config.Sync.BatchSize,
		PollInterval: a.Config.Sync.PollInterval,
		SweepEvery:   time.Minute,
		StaleAfter:   a.Config.Sync.StaleAfter,
	}, a.Logger.With("component", "worker"))
}

// Counter returns the shared rate-limit counter: Redis when connected,
// otherwise a process-local one.
func (a *App) Counter() gateway.Counter {
	if a.Redis != nil {
		return a.Redis
	}
	return gateway.NewMemoryCounter()
}

func (a *App) Gateway() *gateway.Gateway {
	return gateway.New(a.Keys, a.Store, a.Payments, a.Sync, a.Counter(), gateway.Config{
		RateLimit:  a.Config.Gateway.RateLimit,
		RateWindow: a.Config.Gateway.RateWindow,
	}, a.Metrics, a.Logger.With("component", "gateway"))
}

func (a *App) Handlers() *handlers.Handler {
	return handlers.New(handlers.Deps{
		Store:         a.Store,
		Integrations:  a.Integrations,
		Sync:          a.Sync,
		Keys:          a.Keys,
		Payments:      a.Payments,
		Scheduler:     a.Scheduler,
		Logger:        a.Logger,
		JWTSecret:     a.Config.Auth.JWTSecret,
		CronSecret:    a.Config.Auth.CronSecret,
		WebhookSecret: a.Config.Payments.WebhookSecret,
	})
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}
