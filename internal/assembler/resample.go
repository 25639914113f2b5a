package assembler

import (
	"math"
	"time"

	"github.com/wonny/backtester/internal/contracts"
)

// resampled is one series on its own horizon grid
type resampled struct {
	dates  []time.Time
	values []float64
}

// periodEnd returns the last calendar day of the period containing t
func periodEnd(t time.Time, h contracts.Horizon) time.Time {
	y, m, d := t.Date()
	switch h {
	case contracts.HorizonDaily:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case contracts.HorizonQuarterly:
		endMonth := ((m-1)/3+1)*3 + 1
		return time.Date(y, endMonth, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	case contracts.HorizonBiannually:
		endMonth := ((m-1)/6+1)*6 + 1
		return time.Date(y, endMonth, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	default: // monthly
		return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	}
}

// resample keeps the last observation of each period, labelled with the
// period end (clamped to the timeframe end so a partial last period survives).
// Points must be sorted by date (datasource.Normalize guarantees it).
func resample(points []contracts.Point, h contracts.Horizon, tf contracts.Timeframe) resampled {
	var out resampled
	for _, p := range points {
		label := periodEnd(p.Date, h)
		if label.After(tf.End.Time) {
			label = tf.End.Time
		}
		if n := len(out.dates); n > 0 && out.dates[n-1].Equal(label) {
			out.values[n-1] = p.Value
			continue
		}
		out.dates = append(out.dates, label)
		out.values = append(out.values, p.Value)
	}
	return out
}

// expandingZScore standardizes each value with the population mean/std of
// values[0..t] only, so no row sees a later observation. Zero std -> 0.
func expandingZScore(values []float64) []float64 {
	out := make([]float64, len(values))
	var sum, sumSq float64
	for t, v := range values {
		sum += v
		sumSq += v * v
		n := float64(t + 1)
		mean := sum / n
		variance := sumSq/n - mean*mean
		if variance <= 1e-24*math.Max(1, mean*mean) {
			out[t] = 0
			continue
		}
		out[t] = (v - mean) / math.Sqrt(variance)
	}
	return out
}

// asOf aligns a series onto the row grid carrying the last observation forward.
// Rows before the first observation are NaN.
func asOf(rows []time.Time, dates []time.Time, values []float64) []float64 {
	out := make([]float64, len(rows))
	j := -1
	for i, d := range rows {
		for j+1 < len(dates) && !dates[j+1].After(d) {
			j++
		}
		if j < 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[j]
	}
	return out
}

// target computes metric(asset) shifted lag observations forward on the asset's
// own dates; the last lag entries are NaN
func target(asset []float64, lag int, metric contracts.MetricType) []float64 {
	n := len(asset)
	out := make([]float64, n)
	for t := range out {
		out[t] = math.NaN()
		if t+lag >= n {
			continue
		}
		switch metric {
		case contracts.MetricPrice:
			out[t] = asset[t+lag]
		case contracts.MetricVolatility:
			var ss float64
			for k := t + 1; k <= t+lag; k++ {
				r := asset[k]/asset[k-1] - 1
				ss += r * r
			}
			out[t] = math.Sqrt(ss / float64(lag))
		default: // return
			out[t] = asset[t+lag]/asset[t] - 1
		}
		if math.IsInf(out[t], 0) {
			out[t] = math.NaN()
		}
	}
	return out
}

// alignTarget places the asset-dated targets onto the row grid. Rows the asset
// does not observe get NaN. realized[i] is the row of the asset observation that
// settles target i, or -1 when the target is undefined.
func alignTarget(rows, assetDates []time.Time, targets []float64, lag int) ([]float64, []int) {
	index := make(map[time.Time]int, len(rows))
	for i, d := range rows {
		index[d] = i
	}

	out := make([]float64, len(rows))
	realized := make([]int, len(rows))
	for i := range out {
		out[i] = math.NaN()
		realized[i] = -1
	}
	for k, d := range assetDates {
		i, ok := index[d]
		if !ok || math.IsNaN(targets[k]) || k+lag >= len(assetDates) {
			continue
		}
		at, ok := index[assetDates[k+lag]]
		if !ok {
			continue
		}
		out[i] = targets[k]
		realized[i] = at
	}
	return out, realized
}
