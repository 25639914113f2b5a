package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/backtester/internal/api/handlers"
	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/dispatch"
	"github.com/wonny/backtester/internal/metrics"
	"github.com/wonny/backtester/internal/store"
	"github.com/wonny/backtester/pkg/logger"
)

const specJSON = `{
  "asset": {"symbol": "gdp", "source": "macro", "horizon": "monthly", "lag": 1, "metric": "return"},
  "data": {"macro": {"fields": [{"field": "cpi"}]}},
  "model": {"mtype": "linear_regression"},
  "timeframe": {"start": "2010-01-01", "end": "2020-12-31"},
  "metadata": {"owner": "research"}
}`

type fixture struct {
	router http.Handler
	repo   *store.Memory
	queue  *dispatch.LocalQueue
	broker *dispatch.LocalBroker
	reg    *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := store.NewMemory()
	queue := dispatch.NewLocalQueue(16, dispatch.QueueConfig{}, zerolog.Nop())
	broker := dispatch.NewLocalBroker()
	svc := dispatch.NewService(repo, queue, dispatch.NewLocalCanceller(), zerolog.Nop())
	reg := prometheus.NewRegistry()

	return &fixture{
		router: NewRouter(RouterDeps{
			Backtests: handlers.NewBacktestHandler(svc, repo, broker, logger.Nop()),
			Metrics:   metrics.New(reg),
			Gatherer:  reg,
			Checks: map[string]HealthCheck{
				"store": func(context.Context) error { return nil },
			},
			Logger: logger.Nop(),
		}),
		repo:   repo,
		queue:  queue,
		broker: broker,
		reg:    reg,
	}
}

func (f *fixture) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()
	rec := f.do("POST", "/api/backtests", "application/json", specJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp handlers.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.BacktestID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHealth_Degraded(t *testing.T) {
	router := NewRouter(RouterDeps{
		Backtests: handlers.NewBacktestHandler(nil, store.NewMemory(), dispatch.NewLocalBroker(), logger.Nop()),
		Checks: map[string]HealthCheck{
			"database": func(context.Context) error { return errors.New("connection refused") },
		},
		Logger: logger.Nop(),
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	rec := f.do("POST", "/api/backtests", "application/json", specJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp handlers.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "started", resp.Status)
	assert.NotEmpty(t, resp.BacktestID)
	assert.Len(t, resp.SpecHash, 64)

	depth, _ := f.queue.Depth(context.Background())
	assert.Equal(t, int64(1), depth)

	run, err := f.repo.Get(context.Background(), resp.BacktestID)
	require.NoError(t, err)
	assert.Equal(t, contracts.RunStatusStarted, run.Status)
}

func TestSubmit_YAML(t *testing.T) {
	f := newFixture(t)
	body := `
asset: {symbol: gdp}
data:
  macro:
    fields: [{field: cpi}]
model: {mtype: random_forest}
timeframe: {start: "2010-01-01", end: "2020-12-31"}
metadata: {owner: research}
`
	rec := f.do("POST", "/api/backtests", "application/yaml", body)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSubmit_Invalid(t *testing.T) {
	f := newFixture(t)
	bad := strings.Replace(specJSON, `"mtype": "linear_regression"`, `"mtype": "xgboost"`, 1)
	bad = strings.Replace(bad, `"owner": "research"`, `"owner": ""`, 1)

	rec := f.do("POST", "/api/backtests", "application/json", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	var fields []string
	for _, fe := range resp.Fields {
		fields = append(fields, fe.Field)
	}
	assert.Contains(t, fields, "model.mtype")
	assert.Contains(t, fields, "metadata.owner")

	// nothing queued
	depth, _ := f.queue.Depth(context.Background())
	assert.Equal(t, int64(0), depth)
}

func TestSubmit_Malformed(t *testing.T) {
	f := newFixture(t)
	rec := f.do("POST", "/api/backtests", "application/json", `{"asset": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t)

	rec := f.do("GET", "/api/backtests/"+id, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run store.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, id, run.ID)
	assert.Equal(t, "research", run.Owner)

	rec = f.do("GET", "/api/backtests/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do("GET", "/api/backtests?limit=5", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = f.do("GET", "/api/backtests?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t)

	rec := f.do("POST", "/api/backtests/"+id+"/cancel", "", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do("POST", "/api/backtests/missing/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.repo.Save(context.Background(), id, &contracts.Outcome{JobID: id, State: contracts.StateDone}))
	rec = f.do("POST", "/api/backtests/"+id+"/cancel", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.submit(t)
	f.do("GET", "/api/backtests/nope", "", "")

	// POST /api/backtests 2xx, GET /api/backtests/{id} 4xx
	n, err := testutil.GatherAndCount(f.reg, "backtester_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec := f.do("GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/api/backtests/{id}"`)
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/backtests/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snapshot contracts.ProgressEvent
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, id, snapshot.JobID)
	assert.Equal(t, "started", snapshot.Message)

	// the subscription is registered before the snapshot is written
	f.broker.Report(contracts.ProgressEvent{JobID: id, State: contracts.StateRunning, Completed: 1, Total: 2})
	f.broker.Report(contracts.ProgressEvent{JobID: id, State: contracts.StateDone, Completed: 2, Total: 2})

	var ev contracts.ProgressEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, contracts.StateRunning, ev.State)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, contracts.StateDone, ev.State)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestEvents_UnknownRun(t *testing.T) {
	f := newFixture(t)
	rec := f.do("GET", "/api/backtests/missing/events", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
