// Package datasource fetches raw time series for the assembler.
package datasource

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wonny/backtester/internal/contracts"
)

// AssetPriceField is the equities field used as the asset price series
const AssetPriceField = "close"

// Fetcher returns one raw series for the requested timeframe.
// A series with no observations is reported as *contracts.DataUnavailableError.
type Fetcher interface {
	Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	return f(ctx, req)
}

// AssetRequest maps the asset declaration onto a series request:
//   - equities: Key=symbol, Field=close
//   - macro:    Field=symbol
//   - custom:   "group.field" (no dot: Key=symbol, Field=value)
func AssetRequest(asset contracts.Asset, tf contracts.Timeframe) contracts.SeriesRequest {
	req := contracts.SeriesRequest{Source: asset.Source, Timeframe: tf}
	switch asset.Source {
	case contracts.SourceEquities:
		req.Key = asset.Symbol
		req.Field = AssetPriceField
	case contracts.SourceCustom:
		if group, field, ok := strings.Cut(asset.Symbol, "."); ok {
			req.Key, req.Field = group, field
		} else {
			req.Key, req.Field = asset.Symbol, "value"
		}
	default:
		req.Field = asset.Symbol
	}
	return req
}

// FieldRequest maps a declared field onto a series request
func FieldRequest(ref contracts.FieldRef, tf contracts.Timeframe) contracts.SeriesRequest {
	return contracts.SeriesRequest{
		Source:    ref.Source,
		Key:       ref.Key,
		Field:     ref.Field.Field,
		Timeframe: tf,
	}
}

// Normalize sorts points by date, keeps the last value of a duplicated date,
// drops non-finite values and returns DataUnavailableError when nothing is left.
// Every Fetcher implementation passes its result through here.
func Normalize(req contracts.SeriesRequest, points []contracts.Point) (*contracts.RawSeries, error) {
	clean := make([]contracts.Point, 0, len(points))
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		clean = append(clean, contracts.Point{Date: contracts.DateOf(p.Date).Time, Value: p.Value})
	}
	sort.SliceStable(clean, func(i, j int) bool { return clean[i].Date.Before(clean[j].Date) })

	// 같은 날짜가 여러 번 있으면 마지막 값 사용
	dedup := clean[:0]
	for _, p := range clean {
		if n := len(dedup); n > 0 && dedup[n-1].Date.Equal(p.Date) {
			dedup[n-1] = p
			continue
		}
		dedup = append(dedup, p)
	}

	if len(dedup) == 0 {
		return nil, &contracts.DataUnavailableError{
			Source: req.Source,
			Key:    req.Key,
			Field:  req.Field,
			Reason: "no observations",
		}
	}

	return &contracts.RawSeries{
		Source: req.Source,
		Key:    req.Key,
		Field:  req.Field,
		Points: dedup,
	}, nil
}

// Router dispatches requests to a per-source fetcher, falling back to Default
type Router struct {
	Default Fetcher
	Sources map[contracts.Source]Fetcher
}

// Fetch routes req by source
func (r *Router) Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	if f, ok := r.Sources[req.Source]; ok {
		return f.Fetch(ctx, req)
	}
	if r.Default == nil {
		return nil, fmt.Errorf("no fetcher for source %q", req.Source)
	}
	return r.Default.Fetch(ctx, req)
}
