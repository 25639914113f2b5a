// Package assembler turns a JobSpec into a time-aligned FeatureTable.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/datasource"
	"github.com/wonny/backtester/internal/features"
)

// DefaultFetchConcurrency bounds parallel series fetches of one job
const DefaultFetchConcurrency = 4

// Assembler builds the FeatureTable once per run
// ⭐ SSOT: 학습 테이블 조립 (fetch -> resample -> normalize -> features -> join -> target)
type Assembler struct {
	fetcher     datasource.Fetcher
	builder     *features.Builder
	concurrency int
	log         zerolog.Logger
}

// New creates an assembler
func New(fetcher datasource.Fetcher, builder *features.Builder, log zerolog.Logger) *Assembler {
	return &Assembler{
		fetcher:     fetcher,
		builder:     builder,
		concurrency: DefaultFetchConcurrency,
		log:         log.With().Str("component", "assembler").Logger(),
	}
}

// WithConcurrency sets the number of parallel fetches
func (a *Assembler) WithConcurrency(n int) *Assembler {
	if n > 0 {
		a.concurrency = n
	}
	return a
}

type fetched struct {
	req    contracts.SeriesRequest
	ref    *contracts.FieldRef // nil for the asset
	series *contracts.RawSeries
	err    error
}

// Assemble fetches every series of spec and builds the table.
// Any fetch failure aborts with *contracts.DataAssemblyError naming the series.
func (a *Assembler) Assemble(ctx context.Context, spec *contracts.JobSpec) (*contracts.FeatureTable, error) {
	start := time.Now()
	refs := spec.Data.Fields()

	// slot 0 = asset, 1.. = declared fields (선언 순서 유지)
	slots := make([]fetched, len(refs)+1)
	slots[0] = fetched{req: datasource.AssetRequest(spec.Asset, spec.Timeframe)}
	for i := range refs {
		slots[i+1] = fetched{req: datasource.FieldRequest(refs[i], spec.Timeframe), ref: &refs[i]}
	}

	// 모든 fetch를 끝까지 수행: 어떤 실패가 보고될지 실행 순서에 좌우되지 않음
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i := range slots {
		g.Go(func() error {
			slots[i].series, slots[i].err = a.fetcher.Fetch(ctx, slots[i].req)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 가장 앞선 실패를 보고
	for _, s := range slots {
		if s.err == nil {
			continue
		}
		return nil, &contracts.DataAssemblyError{
			Source: s.req.Source,
			Key:    s.req.Key,
			Field:  s.req.Field,
			Err:    s.err,
		}
	}

	table := a.build(spec, slots)

	a.log.Info().
		Str("asset", spec.Asset.Symbol).
		Str("table", Describe(table)).
		Int("warnings", len(table.Warnings)).
		Dur("elapsed", time.Since(start)).
		Msg("feature table assembled")

	return table, nil
}

func (a *Assembler) build(spec *contracts.JobSpec, slots []fetched) *contracts.FeatureTable {
	horizon, tf := spec.Asset.Horizon, spec.Timeframe

	type columnSeries struct {
		col   contracts.Column
		dates []time.Time
	}

	asset := resample(slots[0].series.Points, horizon, tf)
	var cols []columnSeries
	var warnings []contracts.ColumnWarning
	names := make(map[string]bool)

	for _, s := range slots[1:] {
		ref := *s.ref
		rs := resample(s.series.Points, horizon, tf)
		values := rs.values
		if spec.Normalize {
			values = expandingZScore(values)
		}

		built := a.builder.Build(ref.Field, values)
		for _, w := range built.Warnings {
			w.Source, w.Key = ref.Source, ref.Key
			w.Column = columnName(ref, w.Column)
			warnings = append(warnings, w)
		}
		for _, c := range built.Columns {
			c.Name = columnName(ref, c.Name)
			c.Source, c.Key = ref.Source, ref.Key
			if names[c.Name] {
				warnings = append(warnings, contracts.ColumnWarning{
					Column: c.Name, Source: ref.Source, Key: ref.Key, Field: ref.Field.Field,
					Transform: c.Feature, Reason: "duplicate column skipped",
				})
				continue
			}
			names[c.Name] = true
			cols = append(cols, columnSeries{col: c, dates: rs.dates})
		}
	}

	// outer join: 모든 시계열 날짜의 합집합 (정렬, 중복 제거), 기간 내로 제한
	seen := make(map[time.Time]bool)
	var rows []time.Time
	addDates := func(dates []time.Time) {
		for _, d := range dates {
			if !seen[d] && tf.Contains(d) {
				seen[d] = true
				rows = append(rows, d)
			}
		}
	}
	addDates(asset.dates)
	for _, c := range cols {
		addDates(c.dates)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Before(rows[j]) })

	table := &contracts.FeatureTable{
		Dates:    rows,
		Columns:  make([]contracts.Column, len(cols)),
		Asset:    asOf(rows, asset.dates, asset.values),
		Warnings: warnings,
	}
	for i, c := range cols {
		c.col.Values = asOf(rows, c.dates, c.col.Values)
		table.Columns[i] = c.col
	}
	// 타깃은 자산 자체 관측일 기준으로 lag 만큼 이동 (다른 소스 날짜는 NaN)
	lag := int(spec.Asset.Lag)
	table.Target, table.Realized = alignTarget(rows, asset.dates, target(asset.values, lag, spec.Asset.Metric), lag)

	return table
}

// columnName prefixes a builder column ("gdp__self") with its source ("macro.gdp__self")
func columnName(ref contracts.FieldRef, builderName string) string {
	return ref.Prefix() + strings.TrimPrefix(builderName, ref.Field.Field)
}

// Describe returns a one-line summary of a table for logs
func Describe(t *contracts.FeatureTable) string {
	if t.Rows() == 0 {
		return "empty table"
	}
	return fmt.Sprintf("%d rows x %d columns (%s .. %s)",
		t.Rows(), t.Width(),
		t.Dates[0].Format(contracts.DateLayout), t.Dates[t.Rows()-1].Format(contracts.DateLayout))
}
