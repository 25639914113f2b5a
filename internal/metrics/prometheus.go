// Package metrics records backtester counters with Prometheus.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wonny/backtester/internal/contracts"
)

// Recorder implements backtest.Observer and datasource.FetchObserver
type Recorder struct {
	runsTotal     *prometheus.CounterVec
	windowsTotal  *prometheus.CounterVec
	runDuration   prometheus.Histogram
	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
}

// New registers the backtester metrics on reg (prometheus.DefaultRegisterer in production)
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtester_runs_total",
				Help: "Backtest runs by terminal state",
			},
			[]string{"state"},
		),
		windowsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtester_windows_total",
				Help: "Evaluated walk-forward windows by status",
			},
			[]string{"status"},
		),
		runDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backtester_run_duration_seconds",
				Help:    "Wall time of a backtest run",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
		),
		fetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backtester_fetch_duration_seconds",
				Help:    "Duration of series fetches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		fetchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtester_fetch_errors_total",
				Help: "Failed series fetches by source and kind",
			},
			[]string{"source", "kind"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backtester_http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backtester_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route", "method"},
		),
		queueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backtester_queue_depth",
				Help: "Jobs waiting in the dispatch queue",
			},
			[]string{"queue"},
		),
	}
}

// ObserveRun records a finished run
func (r *Recorder) ObserveRun(state contracts.RunState, elapsed time.Duration) {
	r.runsTotal.WithLabelValues(string(state)).Inc()
	r.runDuration.Observe(elapsed.Seconds())
}

// ObserveWindow records one evaluated window
func (r *Recorder) ObserveWindow(status contracts.WindowStatus, _ time.Duration) {
	r.windowsTotal.WithLabelValues(string(status)).Inc()
}

// ObserveFetch records one series fetch
func (r *Recorder) ObserveFetch(source contracts.Source, elapsed time.Duration, err error) {
	r.fetchDuration.WithLabelValues(string(source)).Observe(elapsed.Seconds())
	if err != nil {
		r.fetchErrors.WithLabelValues(string(source), errorKind(err)).Inc()
	}
}

// ObserveHTTP records one API request
func (r *Recorder) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	r.httpRequests.WithLabelValues(route, method, statusClass(status)).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// SetQueueDepth records the pending job count of a queue
func (r *Recorder) SetQueueDepth(queue string, depth int64) {
	r.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func errorKind(err error) string {
	var unavailable *contracts.DataUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "other"
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
