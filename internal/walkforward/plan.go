// Package walkforward enumerates the expanding-origin windows of a backtest.
package walkforward

import (
	"fmt"
	"iter"
	"time"

	"github.com/wonny/backtester/internal/contracts"
)

// Plan is a lazy, finite, restartable window sequence over a table of rows.
//
// Window k tests row first+k and trains on rows [0, test-lag+1).
// The last train row's label is realised lag rows later, i.e. exactly at the test row,
// so no training label is observed after the test point.
type Plan struct {
	rows     int
	lag      int
	minTrain int
	first    int
	count    int
}

// New builds the plan. minTrain < 1 is treated as 1.
// Returns a Plan with Len() == 0 when the table is too short; that is not an error.
func New(rows, lag, minTrain int) (*Plan, error) {
	if lag < 1 {
		return nil, fmt.Errorf("lag must be >= 1, got %d", lag)
	}
	if rows < 0 {
		return nil, fmt.Errorf("rows must be >= 0, got %d", rows)
	}
	if minTrain < 1 {
		minTrain = 1
	}

	// 첫 테스트 행: 학습 구간이 minTrain 행 이상이 되는 지점
	first := minTrain + lag - 1
	// 마지막 테스트 행: 실제값(t+lag)이 테이블 안에 있어야 함
	last := rows - lag - 1

	count := 0
	if last >= first {
		count = last - first + 1
	}

	return &Plan{
		rows:     rows,
		lag:      lag,
		minTrain: minTrain,
		first:    first,
		count:    count,
	}, nil
}

// Len returns the number of windows
func (p *Plan) Len() int {
	return p.count
}

// Lag returns the forecast distance in rows
func (p *Plan) Lag() int {
	return p.lag
}

// At returns window k (0 <= k < Len())
func (p *Plan) At(k int) contracts.Window {
	if k < 0 || k >= p.count {
		panic(fmt.Sprintf("walkforward: window %d out of range [0,%d)", k, p.count))
	}
	test := p.first + k
	return contracts.Window{
		Index:      k,
		TrainStart: 0,
		TrainEnd:   test - p.lag + 1,
		Test:       test,
		Lag:        p.lag,
	}
}

// All yields every window in order; each call restarts from the first window
func (p *Plan) All() iter.Seq[contracts.Window] {
	return func(yield func(contracts.Window) bool) {
		for k := 0; k < p.count; k++ {
			if !yield(p.At(k)) {
				return
			}
		}
	}
}

// Verify checks the no-look-ahead property of every window against the row dates:
// every train row is strictly before the test row, the last train label
// (row TrainEnd-1+lag) is not after the test row, and the test label exists.
func (p *Plan) Verify(dates []time.Time) error {
	if len(dates) != p.rows {
		return fmt.Errorf("plan built for %d rows, got %d dates", p.rows, len(dates))
	}
	for w := range p.All() {
		if w.TrainSize() < p.minTrain {
			return fmt.Errorf("window %d: train size %d < %d", w.Index, w.TrainSize(), p.minTrain)
		}
		lastTrain := w.TrainEnd - 1
		if !dates[lastTrain].Before(dates[w.Test]) {
			return fmt.Errorf("window %d: train row %s is not before test row %s",
				w.Index, dates[lastTrain].Format(contracts.DateLayout), dates[w.Test].Format(contracts.DateLayout))
		}
		if lastTrain+w.Lag > w.Test {
			return fmt.Errorf("window %d: train label at row %d is realised after test row %d",
				w.Index, lastTrain+w.Lag, w.Test)
		}
		if w.Test+w.Lag >= len(dates) {
			return fmt.Errorf("window %d: test label row %d beyond end of table", w.Index, w.Test+w.Lag)
		}
	}
	return nil
}
