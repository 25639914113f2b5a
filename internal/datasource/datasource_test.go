package datasource

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/pkg/config"
	"github.com/wonny/backtester/pkg/httputil"
	"github.com/wonny/backtester/pkg/logger"
	"github.com/wonny/backtester/pkg/redis"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var year2020 = contracts.Timeframe{
	Start: contracts.NewDate(2020, 1, 1),
	End:   contracts.NewDate(2020, 12, 31),
}

func TestAssetRequest(t *testing.T) {
	tests := []struct {
		asset contracts.Asset
		key   string
		field string
	}{
		{contracts.Asset{Symbol: "AAPL", Source: contracts.SourceEquities}, "AAPL", "close"},
		{contracts.Asset{Symbol: "cpi", Source: contracts.SourceMacro}, "", "cpi"},
		{contracts.Asset{Symbol: "spreads.hy", Source: contracts.SourceCustom}, "spreads", "hy"},
		{contracts.Asset{Symbol: "spreads", Source: contracts.SourceCustom}, "spreads", "value"},
	}
	for _, tt := range tests {
		req := AssetRequest(tt.asset, year2020)
		assert.Equal(t, tt.asset.Source, req.Source)
		assert.Equal(t, tt.key, req.Key)
		assert.Equal(t, tt.field, req.Field)
	}
}

func TestNormalize(t *testing.T) {
	req := contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "gdp"}

	series, err := Normalize(req, []contracts.Point{
		{Date: day(2020, 3, 1), Value: 3},
		{Date: day(2020, 1, 1), Value: 1},
		{Date: day(2020, 3, 1).Add(5 * time.Hour), Value: 4}, // 같은 날짜 -> 마지막 값
		{Date: day(2020, 2, 1), Value: math.NaN()},
	})
	require.NoError(t, err)
	require.Equal(t, 2, series.Len())
	assert.Equal(t, day(2020, 1, 1), series.Points[0].Date)
	assert.Equal(t, 4.0, series.Points[1].Value)

	_, err = Normalize(req, nil)
	var unavailable *contracts.DataUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "gdp", unavailable.Field)
}

func TestMemoryFetcher(t *testing.T) {
	m := NewMemoryFetcher().Add(contracts.SourceMacro, "", "gdp", []contracts.Point{
		{Date: day(2019, 12, 31), Value: 0},
		{Date: day(2020, 6, 30), Value: 1},
		{Date: day(2021, 1, 31), Value: 2},
	})

	series, err := m.Fetch(context.Background(), contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "gdp", Timeframe: year2020})
	require.NoError(t, err)
	require.Equal(t, 1, series.Len())
	assert.Equal(t, 1.0, series.Points[0].Value)
	assert.Equal(t, 1, m.Calls(contracts.SourceMacro, "", "gdp"))

	_, err = m.Fetch(context.Background(), contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "cpi", Timeframe: year2020})
	var unavailable *contracts.DataUnavailableError
	assert.True(t, errors.As(err, &unavailable))
}

func TestLoadFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"series": [
			{"source": "equities", "key": "AAPL", "field": "close",
			 "points": [{"date": "2020-01-31", "value": 100}, {"date": "2020-02-29", "value": 110}]}
		]
	}`), 0o644))

	m, err := LoadFixtures(path)
	require.NoError(t, err)

	series, err := m.Fetch(context.Background(), contracts.SeriesRequest{
		Source: contracts.SourceEquities, Key: "AAPL", Field: "close", Timeframe: year2020,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, series.Len())
	assert.Equal(t, day(2020, 2, 29), series.Points[1].Date)

	_, err = LoadFixtures(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	macro := NewMemoryFetcher().Add(contracts.SourceMacro, "", "gdp", []contracts.Point{{Date: day(2020, 1, 1), Value: 1}})
	r := &Router{Sources: map[contracts.Source]Fetcher{contracts.SourceMacro: macro}}

	_, err := r.Fetch(context.Background(), contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "gdp", Timeframe: year2020})
	require.NoError(t, err)

	_, err = r.Fetch(context.Background(), contracts.SeriesRequest{Source: contracts.SourceCustom, Key: "g", Field: "x", Timeframe: year2020})
	assert.Error(t, err)
}

func TestRetryingFetcher(t *testing.T) {
	var calls int32
	flaky := FetcherFunc(func(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("connection reset")
		}
		return &contracts.RawSeries{Source: req.Source, Field: req.Field, Points: []contracts.Point{{Date: day(2020, 1, 1), Value: 1}}}, nil
	})

	r := NewRetryingFetcher(flaky, 5*time.Second, zerolog.Nop()).WithInitialInterval(time.Millisecond)
	series, err := r.Fetch(context.Background(), contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "gdp"})
	require.NoError(t, err)
	assert.Equal(t, 1, series.Len())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryingFetcher_UnavailableIsPermanent(t *testing.T) {
	var calls int32
	missing := FetcherFunc(func(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &contracts.DataUnavailableError{Source: req.Source, Field: req.Field}
	})

	r := NewRetryingFetcher(missing, 5*time.Second, zerolog.Nop()).WithInitialInterval(time.Millisecond)
	_, err := r.Fetch(context.Background(), contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "gdp"})

	var unavailable *contracts.DataUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCachedFetcher_DisabledPassesThrough(t *testing.T) {
	m := NewMemoryFetcher().Add(contracts.SourceMacro, "", "gdp", []contracts.Point{{Date: day(2020, 1, 1), Value: 1}})
	c := NewCachedFetcher(m, redis.NewCache(redis.Disabled(), "test"), time.Minute, zerolog.Nop())

	req := contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "gdp", Timeframe: year2020}
	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.Calls(contracts.SourceMacro, "", "gdp"))
	assert.Equal(t, "series:macro:-:gdp:2020-01-01:2020-12-31", cacheKey(req))
}

type recordingObserver struct {
	sources []contracts.Source
	errs    int
}

func (r *recordingObserver) ObserveFetch(source contracts.Source, _ time.Duration, err error) {
	r.sources = append(r.sources, source)
	if err != nil {
		r.errs++
	}
}

func TestInstrumentedFetcher(t *testing.T) {
	m := NewMemoryFetcher().Add(contracts.SourceMacro, "", "gdp", []contracts.Point{{Date: day(2020, 1, 1), Value: 1}})
	obs := &recordingObserver{}
	f := NewInstrumentedFetcher(m, obs)

	_, _ = f.Fetch(context.Background(), contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "gdp", Timeframe: year2020})
	_, _ = f.Fetch(context.Background(), contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "cpi", Timeframe: year2020})

	assert.Equal(t, []contracts.Source{contracts.SourceMacro, contracts.SourceMacro}, obs.sources)
	assert.Equal(t, 1, obs.errs)
}

func newHTTPFetcher(baseURL string, cfg BreakerConfig) *HTTPFetcher {
	client := httputil.New(&config.Config{Env: "test"}, logger.Nop()).DisableRetry()
	return NewHTTPFetcher(baseURL, client, cfg, zerolog.Nop())
}

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/series/equities/AAPL/close":
			assert.Equal(t, "2020-01-01", r.URL.Query().Get("start"))
			_, _ = w.Write([]byte(`{"points":[{"date":"2020-02-29","value":110},{"date":"2020-01-31","value":100},{"date":"2020-03-31","value":null}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := newHTTPFetcher(server.URL, DefaultBreakerConfig())

	series, err := f.Fetch(context.Background(), contracts.SeriesRequest{
		Source: contracts.SourceEquities, Key: "AAPL", Field: "close", Timeframe: year2020,
	})
	require.NoError(t, err)
	require.Equal(t, 2, series.Len())
	assert.Equal(t, 100.0, series.Points[0].Value)

	_, err = f.Fetch(context.Background(), contracts.SeriesRequest{
		Source: contracts.SourceMacro, Field: "gdp", Timeframe: year2020,
	})
	var unavailable *contracts.DataUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "closed", f.State())
}

func TestHTTPFetcher_BreakerOpens(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newHTTPFetcher(server.URL, BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute, MaxRequests: 1})
	req := contracts.SeriesRequest{Source: contracts.SourceMacro, Field: "gdp", Timeframe: year2020}

	for i := 0; i < 4; i++ {
		_, err := f.Fetch(context.Background(), req)
		assert.Error(t, err)
	}
	assert.Equal(t, "open", f.State())
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}
