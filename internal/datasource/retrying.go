package datasource

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/wonny/backtester/internal/contracts"
)

// RetryingFetcher retries transient fetch errors with exponential backoff.
// DataUnavailable and context errors are permanent.
type RetryingFetcher struct {
	next       Fetcher
	maxElapsed time.Duration
	initial    time.Duration
	log        zerolog.Logger
}

// NewRetryingFetcher wraps next; maxElapsed bounds the total retry time
func NewRetryingFetcher(next Fetcher, maxElapsed time.Duration, log zerolog.Logger) *RetryingFetcher {
	return &RetryingFetcher{
		next:       next,
		maxElapsed: maxElapsed,
		initial:    200 * time.Millisecond,
		log:        log.With().Str("component", "datasource.retry").Logger(),
	}
}

// WithInitialInterval overrides the first backoff interval
func (r *RetryingFetcher) WithInitialInterval(d time.Duration) *RetryingFetcher {
	r.initial = d
	return r
}

// Fetch calls next until it succeeds, fails permanently or the budget runs out
func (r *RetryingFetcher) Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	var series *contracts.RawSeries
	attempt := 0

	operation := func() error {
		attempt++
		s, err := r.next.Fetch(ctx, req)
		if err == nil {
			series = s
			return nil
		}

		var unavailable *contracts.DataUnavailableError
		if errors.As(err, &unavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}

		r.log.Warn().Err(err).
			Int("attempt", attempt).
			Str("series", req.String()).
			Msg("fetch failed, retrying")
		return err
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = r.initial
	strategy.MaxElapsedTime = r.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(strategy, ctx)); err != nil {
		return nil, err
	}
	return series, nil
}
