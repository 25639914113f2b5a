package datasource

import (
	"context"
	"time"

	"github.com/wonny/backtester/internal/contracts"
)

// FetchObserver receives the latency and outcome of every fetch
type FetchObserver interface {
	ObserveFetch(source contracts.Source, elapsed time.Duration, err error)
}

// InstrumentedFetcher reports every fetch to an observer
type InstrumentedFetcher struct {
	next     Fetcher
	observer FetchObserver
}

// NewInstrumentedFetcher wraps next
func NewInstrumentedFetcher(next Fetcher, observer FetchObserver) *InstrumentedFetcher {
	return &InstrumentedFetcher{next: next, observer: observer}
}

// Fetch times next.Fetch
func (f *InstrumentedFetcher) Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	start := time.Now()
	series, err := f.next.Fetch(ctx, req)
	f.observer.ObserveFetch(req.Source, time.Since(start), err)
	return series, err
}
