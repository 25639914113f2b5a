package backtest

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/wonny/backtester/internal/contracts"
)

// Aggregate folds window results into run metrics.
// Scores use ok windows only; every metric is nil when there is none.
// Pure: same results in, same metrics out.
func Aggregate(results []contracts.WindowResult) contracts.Metrics {
	m := contracts.Metrics{Total: len(results)}

	var errs, absErrs, sqErrs []float64
	hits := 0
	for _, r := range results {
		switch r.Status {
		case contracts.WindowOK:
			m.OK++
		case contracts.WindowSkipped:
			m.Skipped++
			continue
		default:
			m.Failed++
			continue
		}
		if r.Error == nil {
			continue
		}
		e := *r.Error
		errs = append(errs, e)
		absErrs = append(absErrs, math.Abs(e))
		sqErrs = append(sqErrs, e*e)
		if r.DirectionHit != nil && *r.DirectionHit {
			hits++
		}
	}

	if len(errs) == 0 {
		return m
	}

	m.MeanError = ptr(stat.Mean(errs, nil))
	m.MeanAbsError = ptr(stat.Mean(absErrs, nil))
	m.MedianError = ptr(median(errs))
	m.MedianAbsError = ptr(median(absErrs))
	m.RMSE = ptr(math.Sqrt(stat.Mean(sqErrs, nil)))
	m.HitRate = ptr(float64(hits) / float64(len(errs)))
	return m
}

// median averages the two middle values for an even count
func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sameDirection: zero counts as positive
func sameDirection(predicted, actual float64) bool {
	return (predicted >= 0) == (actual >= 0)
}

func ptr[T any](v T) *T {
	return &v
}
