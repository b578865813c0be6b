package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/dig"
	"go.uber.org/zap"

	rediscache "github.com/davidbz/creditgate/internal/cache/redis"
	"github.com/davidbz/creditgate/internal/config"
	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/exchange/awesomeapi"
	"github.com/davidbz/creditgate/internal/observability"
	"github.com/davidbz/creditgate/internal/storage/memory"
	"github.com/davidbz/creditgate/internal/storage/sqlstore"
)

// storeCloser releases the storage backend on shutdown.
type storeCloser func() error

type stores struct {
	dig.Out

	Ledger   domain.LedgerStore
	Tools    domain.ToolCostStore
	Settings domain.SettingsStore
	Close    storeCloser
}

// provideStores opens the configured backend once and exposes it under every store interface.
func provideStores(cfg *config.DatabaseConfig) (stores, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		store := memory.NewStore()
		return stores{
			Ledger:   store,
			Tools:    store,
			Settings: store,
			Close:    func() error { return nil },
		}, nil
	case config.DriverSQLite:
		store, err := sqlstore.Open(cfg.Path)
		if err != nil {
			return stores{}, err
		}
		return stores{
			Ledger:   store,
			Tools:    store,
			Settings: store,
			Close:    store.Close,
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// provideRateSource returns the live exchange rate source, shared through
// Redis when it is configured. A nil source leaves only manual overrides.
func provideRateSource(
	pricing *config.PricingConfig,
	exchangeCfg *awesomeapi.Config,
	redisCfg *rediscache.Config,
) (domain.RateSource, error) {
	if !pricing.LiveExchangeRate {
		return nil, nil
	}

	client, err := awesomeapi.NewClient(exchangeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange rate client: %w", err)
	}
	if redisCfg.Addr == "" {
		return client, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	return rediscache.NewRateCache(rdb, client, exchangeCfg.Pair, time.Duration(redisCfg.RateTTL)*time.Second)
}

// provideScheduler registers the auto-protection pass on its cron schedule.
// Overlapping runs are skipped.
func provideScheduler(
	cfg *config.MonitorConfig,
	monitor *domain.AutoProtectionMonitor,
	logger *zap.Logger,
) (*cron.Cron, error) {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if !cfg.Enabled {
		return scheduler, nil
	}

	if _, err := scheduler.AddFunc(cfg.Schedule, func() {
		ctx := observability.WithRequestID(context.Background(), observability.GenerateRequestID())
		if _, err := monitor.Run(ctx); err != nil {
			observability.FromContext(ctx).Error("scheduled monitor pass failed", observability.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid monitor schedule %q: %w", cfg.Schedule, err)
	}

	return scheduler, nil
}
