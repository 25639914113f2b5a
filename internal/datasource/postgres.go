package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/backtester/internal/contracts"
)

// PostgresFetcher reads series from the market data schema
//
//	market.macro_series  (field, obs_date, value)
//	market.equity_prices (symbol, field, obs_date, value)
//	market.custom_series (view_name, field, obs_date, value)
type PostgresFetcher struct {
	pool *pgxpool.Pool
}

// NewPostgresFetcher creates a fetcher on pool
func NewPostgresFetcher(pool *pgxpool.Pool) *PostgresFetcher {
	return &PostgresFetcher{pool: pool}
}

const (
	macroSeriesQuery = `
		SELECT obs_date, value
		FROM market.macro_series
		WHERE field = $1 AND obs_date BETWEEN $2 AND $3 AND value IS NOT NULL
		ORDER BY obs_date`

	equitySeriesQuery = `
		SELECT obs_date, value
		FROM market.equity_prices
		WHERE symbol = $1 AND field = $2 AND obs_date BETWEEN $3 AND $4 AND value IS NOT NULL
		ORDER BY obs_date`

	customSeriesQuery = `
		SELECT obs_date, value
		FROM market.custom_series
		WHERE view_name = $1 AND field = $2 AND obs_date BETWEEN $3 AND $4 AND value IS NOT NULL
		ORDER BY obs_date`
)

// Fetch runs the source-specific query
func (f *PostgresFetcher) Fetch(ctx context.Context, req contracts.SeriesRequest) (*contracts.RawSeries, error) {
	start, end := req.Timeframe.Start.Time, req.Timeframe.End.Time

	var rows pgx.Rows
	var err error
	switch req.Source {
	case contracts.SourceMacro:
		rows, err = f.pool.Query(ctx, macroSeriesQuery, req.Field, start, end)
	case contracts.SourceEquities:
		rows, err = f.pool.Query(ctx, equitySeriesQuery, req.Key, req.Field, start, end)
	case contracts.SourceCustom:
		rows, err = f.pool.Query(ctx, customSeriesQuery, req.Key, req.Field, start, end)
	default:
		return nil, fmt.Errorf("unsupported source %q", req.Source)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req, err)
	}

	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (contracts.Point, error) {
		var p contracts.Point
		var d time.Time
		if err := row.Scan(&d, &p.Value); err != nil {
			return p, err
		}
		p.Date = d
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", req, err)
	}

	return Normalize(req, points)
}
