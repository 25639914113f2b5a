// Package backtest runs the walk-forward loop of one job and folds its results.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/model"
	"github.com/wonny/backtester/internal/walkforward"
)

// TableAssembler builds the feature table of a job (assembler.Assembler)
type TableAssembler interface {
	Assemble(ctx context.Context, spec *contracts.JobSpec) (*contracts.FeatureTable, error)
}

// Persister receives the terminal outcome of a run, exactly once
type Persister interface {
	Save(ctx context.Context, jobID string, out *contracts.Outcome) error
}

// ProgressReporter receives state changes and finished windows.
// Report must not block the driver.
type ProgressReporter interface {
	Report(ev contracts.ProgressEvent)
}

// Observer records run and window counters (internal/metrics)
type Observer interface {
	ObserveWindow(status contracts.WindowStatus, elapsed time.Duration)
	ObserveRun(state contracts.RunState, elapsed time.Duration)
}

// Config tunes the driver
type Config struct {
	Concurrency  int // windows evaluated in parallel
	MinTrainSize int // rows in the first training window
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{Concurrency: 4, MinTrainSize: 1}
}

// Driver executes backtest runs
// ⭐ SSOT: 백테스트 실행 (assemble -> schedule -> fit/predict -> aggregate)은 여기서만
type Driver struct {
	assembler TableAssembler
	persister Persister
	progress  ProgressReporter
	observer  Observer
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// NewDriver creates a driver. persister may be nil (nothing is saved).
func NewDriver(assembler TableAssembler, persister Persister, cfg Config, log zerolog.Logger) *Driver {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Driver{
		assembler: assembler,
		persister: persister,
		cfg:       cfg,
		log:       log.With().Str("component", "backtest.driver").Logger(),
		now:       time.Now,
	}
}

// WithProgress attaches a progress reporter
func (d *Driver) WithProgress(p ProgressReporter) *Driver {
	d.progress = p
	return d
}

// WithObserver attaches a metrics observer
func (d *Driver) WithObserver(o Observer) *Driver {
	d.observer = o
	return d
}

// run is the mutable state of one execution; owned by Run's goroutine
type run struct {
	jobID   string
	state   contracts.RunState
	started time.Time
	log     zerolog.Logger
}

// Run executes one job to a terminal state and always returns an Outcome.
// Window failures are recorded, never returned; ctx cancellation yields CANCELLED
// with the windows finished so far.
func (d *Driver) Run(ctx context.Context, jobID string, spec *contracts.JobSpec) *contracts.Outcome {
	r := &run{
		jobID:   jobID,
		state:   contracts.StateInitialized,
		started: d.now(),
		log:     d.log.With().Str("job_id", jobID).Logger(),
	}

	out := d.execute(ctx, r, spec)
	d.finish(ctx, r, out)
	return out
}

func (d *Driver) execute(ctx context.Context, r *run, spec *contracts.JobSpec) *contracts.Outcome {
	// 1. Assemble
	d.transition(r, contracts.StateAssembling, "")
	table, err := d.assembler.Assemble(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return d.cancelled(r, nil, nil)
		}
		return d.failed(r, err)
	}

	// 2. Schedule
	d.transition(r, contracts.StateScheduling, "")
	plan, err := walkforward.New(table.Rows(), int(spec.Asset.Lag), d.cfg.MinTrainSize)
	if err == nil {
		err = plan.Verify(table.Dates)
	}
	if err != nil {
		return d.failed(r, fmt.Errorf("schedule windows: %w", err))
	}

	r.log.Info().
		Int("rows", table.Rows()).
		Int("columns", table.Width()).
		Int("windows", plan.Len()).
		Str("table_digest", table.Digest()).
		Msg("windows scheduled")

	// 3. Run windows
	d.transition(r, contracts.StateRunning, "")
	results, complete := d.runWindows(ctx, r, spec, table, plan)
	if !complete {
		return d.cancelled(r, table, results)
	}

	// 4. Aggregate
	d.transition(r, contracts.StateAggregating, "")
	summary := d.summary(r, table, results)
	d.transition(r, contracts.StateDone, "")

	return &contracts.Outcome{JobID: r.jobID, State: contracts.StateDone, Summary: summary}
}

// runWindows fans windows out over a bounded pool; each worker writes only its own slot.
// Returns the finished results in window order and whether every window ran.
func (d *Driver) runWindows(ctx context.Context, r *run, spec *contracts.JobSpec, table *contracts.FeatureTable, plan *walkforward.Plan) ([]contracts.WindowResult, bool) {
	total := plan.Len()
	slots := make([]*contracts.WindowResult, total)
	var completed atomic.Int64

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)

	for w := range plan.All() {
		// 취소는 창 시작 전에만 확인
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			start := d.now()
			res := d.evaluate(table, spec.Model, w)
			slots[w.Index] = &res

			if d.observer != nil {
				d.observer.ObserveWindow(res.Status, d.now().Sub(start))
			}
			if res.Status == contracts.WindowFailed {
				r.log.Warn().Int("window", w.Index).Str("reason", res.Reason).Msg("window failed")
			}
			d.report(contracts.ProgressEvent{
				JobID:     r.jobID,
				State:     contracts.StateRunning,
				Completed: int(completed.Add(1)),
				Total:     total,
				Window:    &res,
			})
			return nil
		})
	}
	_ = g.Wait()

	results := make([]contracts.WindowResult, 0, total)
	for _, s := range slots {
		if s != nil {
			results = append(results, *s)
		}
	}
	return results, len(results) == total
}

// evaluate fits a fresh model on the train range of w and scores the test row.
// It never panics; every problem becomes a skipped or failed result.
func (d *Driver) evaluate(table *contracts.FeatureTable, spec contracts.ModelSpec, w contracts.Window) (res contracts.WindowResult) {
	res = contracts.WindowResult{
		Window:   w,
		TestDate: table.Dates[w.Test],
		Status:   contracts.WindowOK,
	}

	defer func() {
		if p := recover(); p != nil {
			res = failedWindow(res, fmt.Errorf("panic: %v", p))
		}
	}()

	if !table.FeaturesComplete(w.Test) {
		res.Status, res.Reason = contracts.WindowSkipped, "test row has undefined features"
		return res
	}
	actual := table.Target[w.Test]
	if math.IsNaN(actual) {
		res.Status, res.Reason = contracts.WindowSkipped, "actual target undefined"
		return res
	}
	res.Actual = ptr(actual)

	x, y := trainSet(table, w)
	res.TrainRows = len(y)

	m, err := model.New(spec)
	if err != nil {
		return failedWindow(res, err)
	}
	if err := m.Fit(x, y); err != nil {
		return failedWindow(res, err)
	}
	pred, err := m.Predict([][]float64{table.Row(w.Test, nil)})
	if err != nil {
		return failedWindow(res, err)
	}
	p := pred[0]
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return failedWindow(res, fmt.Errorf("non-finite prediction %g", p))
	}

	if digest, err := model.Digest(m); err == nil {
		res.ModelDigest = digest
	}

	e := actual - p
	res.Predicted = ptr(p)
	res.Error = ptr(e)
	res.AbsError = ptr(math.Abs(e))
	res.DirectionHit = ptr(sameDirection(p, actual))
	return res
}

// trainSet copies the complete rows of the train range whose label is known at the test row
func trainSet(table *contracts.FeatureTable, w contracts.Window) ([][]float64, []float64) {
	x := make([][]float64, 0, w.TrainSize())
	y := make([]float64, 0, w.TrainSize())
	for i := w.TrainStart; i < w.TrainEnd; i++ {
		if !table.RowComplete(i) || !table.LabelKnownAt(i, w.Test, w.Lag) {
			continue
		}
		x = append(x, table.Row(i, nil))
		y = append(y, table.Target[i])
	}
	return x, y
}

func failedWindow(res contracts.WindowResult, err error) contracts.WindowResult {
	res.Status = contracts.WindowFailed
	res.Reason = err.Error()
	res.Predicted, res.Error, res.AbsError, res.DirectionHit = nil, nil, nil, nil
	return res
}

func (d *Driver) summary(r *run, table *contracts.FeatureTable, results []contracts.WindowResult) *contracts.BacktestSummary {
	if results == nil {
		results = []contracts.WindowResult{}
	}
	s := &contracts.BacktestSummary{
		JobID:      r.jobID,
		Metrics:    Aggregate(results),
		Results:    results,
		StartedAt:  r.started,
		FinishedAt: d.now(),
	}
	if table != nil {
		s.Columns = table.ColumnNames()
		s.Warnings = table.Warnings
		s.TableDigest = table.Digest()
		s.Rows = table.Rows()
	}
	s.Windows = len(results)
	return s
}

func (d *Driver) failed(r *run, err error) *contracts.Outcome {
	d.transition(r, contracts.StateFailed, err.Error())
	r.log.Error().Err(err).Msg("backtest failed")
	return &contracts.Outcome{JobID: r.jobID, State: contracts.StateFailed, Reason: err.Error(), Err: err}
}

// cancelled keeps the windows finished before the signal
func (d *Driver) cancelled(r *run, table *contracts.FeatureTable, results []contracts.WindowResult) *contracts.Outcome {
	reason := contracts.ErrCancellationRequested.Error()
	d.transition(r, contracts.StateCancelled, reason)
	return &contracts.Outcome{
		JobID:   r.jobID,
		State:   contracts.StateCancelled,
		Summary: d.summary(r, table, results),
		Reason:  reason,
		Err:     contracts.ErrCancellationRequested,
	}
}

// finish persists the outcome once; cancellation of ctx must not prevent the save
func (d *Driver) finish(ctx context.Context, r *run, out *contracts.Outcome) {
	elapsed := d.now().Sub(r.started)
	if d.observer != nil {
		d.observer.ObserveRun(out.State, elapsed)
	}

	ev := r.log.Info().Str("state", out.State.String()).Dur("elapsed", elapsed)
	if out.Summary != nil {
		ev = ev.Int("windows", out.Summary.Windows).Int("ok", out.Summary.Metrics.OK).
			Int("skipped", out.Summary.Metrics.Skipped).Int("failed", out.Summary.Metrics.Failed)
	}
	ev.Msg("backtest finished")

	if d.persister == nil {
		return
	}
	if err := d.persister.Save(context.WithoutCancel(ctx), r.jobID, out); err != nil {
		r.log.Error().Err(err).Msg("failed to save outcome")
	}
}

func (d *Driver) transition(r *run, next contracts.RunState, msg string) {
	if !r.state.CanTransition(next) {
		// 상태 머신 위반은 프로그래밍 오류
		panic(fmt.Sprintf("backtest: illegal transition %s -> %s", r.state, next))
	}
	r.log.Debug().Str("from", r.state.String()).Str("to", next.String()).Msg("state transition")
	r.state = next
	d.report(contracts.ProgressEvent{JobID: r.jobID, State: next, Message: msg})
}

func (d *Driver) report(ev contracts.ProgressEvent) {
	if d.progress == nil {
		return
	}
	ev.Timestamp = d.now()
	d.progress.Report(ev)
}

// IsCancelled reports whether an outcome ended by cooperative cancellation
func IsCancelled(out *contracts.Outcome) bool {
	return out != nil && errors.Is(out.Err, contracts.ErrCancellationRequested)
}
