package datasource

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/pkg/redis"
)

// CachedFetcher memoizes raw series in Redis.
// Errors (including DataUnavailable) are never cached.
type CachedFetcher struct {
	next  Fetcher
	cache *redis.Cache
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCachedFetcher wraps next with a Redis cache
func NewCachedFetcher(next Fetcher, cache *redis.Cache, ttl time.Duration, log zerolog.Logger) *CachedFetcher {
	if ttl <= 0 {
		ttl = redis.TTLLong
	}
	return &CachedFetcher{
		next:  next,
		cache: cache,
		ttl:   ttl,
		log:   log.With().Str("component", "datasource.cache").Logger(),
	}
}

func cacheKey(req contracts.SeriesRequest) string {
	return redis.SeriesKey(string(req.Source), req.Key, req.Field, req.Timeframe.Start.String(), req.Timeframe.End.String())
}

// Fetch returns the cached series or fetches and stores it
func (c *CachedFetcher) Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	key := cacheKey(req)

	var series contracts.RawSeries
	found, err := c.cache.Get(ctx, key, &series)
	if err != nil {
		// 캐시 장애는 조회 실패로 취급하지 않음
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	if found && series.Len() > 0 {
		return &series, nil
	}

	fresh, err := c.next.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, fresh, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return fresh, nil
}
