package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/observability"
)

const rateKeyPrefix = "creditgate:rate:"

// RateCache shares the last fetched exchange rate between gateway replicas so
// that only one of them hits the upstream quote service per TTL window.
type RateCache struct {
	client *redis.Client
	source domain.RateSource
	key    string
	ttl    time.Duration
}

// NewRateCache wraps source with a Redis hash cache under name.
func NewRateCache(client *redis.Client, source domain.RateSource, name string, ttl time.Duration) (*RateCache, error) {
	if client == nil || source == nil {
		return nil, errors.New("redis client and rate source are required")
	}
	if name == "" {
		return nil, errors.New("cache name cannot be empty")
	}

	return &RateCache{
		client: client,
		source: source,
		key:    rateKeyPrefix + name,
		ttl:    ttl,
	}, nil
}

// FetchRate returns the cached rate or fetches and caches a fresh one.
// Redis failures degrade to a direct fetch.
func (c *RateCache) FetchRate(ctx context.Context) (domain.ExchangeRate, error) {
	logger := observability.FromContext(ctx)

	cached, err := c.load(ctx)
	switch {
	case err != nil:
		logger.Warn("rate cache read failed", observability.String("key", c.key), observability.Error(err))
	case cached != nil:
		logger.Debug("rate cache hit", observability.Decimal("rate", cached.Rate))
		return *cached, nil
	}

	fresh, err := c.source.FetchRate(ctx)
	if err != nil {
		return domain.ExchangeRate{}, err
	}

	if err := c.store(ctx, fresh); err != nil {
		logger.Warn("rate cache write failed", observability.String("key", c.key), observability.Error(err))
	}

	return fresh, nil
}

func (c *RateCache) load(ctx context.Context) (*domain.ExchangeRate, error) {
	fields, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rate, err := decimal.NewFromString(fields["rate"])
	if err != nil {
		return nil, fmt.Errorf("corrupt cached rate: %w", err)
	}

	var fetchedAt time.Time
	if ts, parseErr := strconv.ParseInt(fields["fetched_at"], 10, 64); parseErr == nil {
		fetchedAt = time.Unix(ts, 0)
	}

	return &domain.ExchangeRate{
		Rate:      rate,
		Source:    fields["source"],
		FetchedAt: fetchedAt,
	}, nil
}

func (c *RateCache) store(ctx context.Context, rate domain.ExchangeRate) error {
	pipe := c.client.Pipeline()

	pipe.HSet(ctx, c.key,
		"rate", rate.Rate.String(),
		"source", rate.Source,
		"fetched_at", rate.FetchedAt.Unix(),
	)
	if c.ttl > 0 {
		pipe.Expire(ctx, c.key, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}
