package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/wonny/backtester/internal/contracts"
)

func TestRecorder(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.ObserveRun(contracts.StateDone, time.Second)
	r.ObserveRun(contracts.StateDone, 2*time.Second)
	r.ObserveRun(contracts.StateFailed, time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("DONE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("FAILED")))

	r.ObserveWindow(contracts.WindowOK, 0)
	r.ObserveWindow(contracts.WindowSkipped, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.windowsTotal.WithLabelValues("ok")))

	r.ObserveFetch(contracts.SourceMacro, time.Millisecond, nil)
	r.ObserveFetch(contracts.SourceMacro, time.Millisecond, &contracts.DataUnavailableError{Source: contracts.SourceMacro})
	r.ObserveFetch(contracts.SourceEquities, time.Millisecond, fmt.Errorf("fetch: %w", context.DeadlineExceeded))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fetchErrors.WithLabelValues("macro", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fetchErrors.WithLabelValues("equities", "context")))

	r.ObserveHTTP("/api/backtests", "POST", 201, time.Millisecond)
	r.ObserveHTTP("/api/backtests/{id}", "GET", 404, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("/api/backtests/{id}", "GET", "4xx")))

	r.SetQueueDepth("backtester:jobs", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("backtester:jobs")))
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(400))
	assert.Equal(t, "5xx", statusClass(503))
}
