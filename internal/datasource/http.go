package datasource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/pkg/httputil"
)

// HTTPFetcher reads series from a remote JSON provider behind a circuit breaker
//
//	GET {base}/series/{source}/{key|-}/{field}?start=YYYY-MM-DD&end=YYYY-MM-DD
//	200 {"points": [{"date": "2020-01-31", "value": 1.5}, ...]}
type HTTPFetcher struct {
	baseURL string
	client  *httputil.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// BreakerConfig tunes the provider circuit breaker
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration // open -> half-open
	MaxRequests         uint32        // probes allowed while half-open
}

// DefaultBreakerConfig returns conservative breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

type seriesResponse struct {
	Points []struct {
		Date  contracts.Date `json:"date"`
		Value *float64       `json:"value"`
	} `json:"points"`
}

// NewHTTPFetcher creates a remote fetcher
func NewHTTPFetcher(baseURL string, client *httputil.Client, cfg BreakerConfig, log zerolog.Logger) *HTTPFetcher {
	f := &HTTPFetcher{
		baseURL: baseURL,
		client:  client,
		log:     log.With().Str("component", "datasource.http").Logger(),
	}

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "data-provider",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		// 데이터 없음(404)은 공급자 장애가 아님
		IsSuccessful: func(err error) bool {
			var unavailable *contracts.DataUnavailableError
			return err == nil || errors.As(err, &unavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	return f
}

// State returns the breaker state (closed, half-open, open)
func (f *HTTPFetcher) State() string {
	return f.breaker.State().String()
}

// Fetch requests one series through the breaker
func (f *HTTPFetcher) Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("data provider unavailable for %s: %w", req, err)
		}
		return nil, err
	}
	return result.(*contracts.RawSeries), nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	key := req.Key
	if key == "" {
		key = "-"
	}
	u := fmt.Sprintf("%s/series/%s/%s/%s?%s",
		f.baseURL,
		url.PathEscape(string(req.Source)),
		url.PathEscape(key),
		url.PathEscape(req.Field),
		url.Values{
			"start": {req.Timeframe.Start.String()},
			"end":   {req.Timeframe.End.String()},
		}.Encode(),
	)

	var body seriesResponse
	if err := f.client.GetJSON(ctx, u, &body); err != nil {
		var statusErr *httputil.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, &contracts.DataUnavailableError{
				Source: req.Source,
				Key:    req.Key,
				Field:  req.Field,
				Reason: "provider has no such series",
			}
		}
		return nil, err
	}

	points := make([]contracts.Point, 0, len(body.Points))
	for _, p := range body.Points {
		if p.Value == nil {
			continue
		}
		points = append(points, contracts.Point{Date: p.Date.Time, Value: *p.Value})
	}
	return Normalize(req, points)
}
