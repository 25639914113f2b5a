package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/dispatch"
	"github.com/wonny/backtester/internal/jobspec"
	"github.com/wonny/backtester/internal/store"
	"github.com/wonny/backtester/pkg/logger"
)

const (
	maxSpecBytes = 1 << 20
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// BacktestHandler handles the backtest job endpoints
// ⭐ SSOT: 백테스트 API 핸들러는 이 구조체에서만
type BacktestHandler struct {
	dispatcher dispatch.Dispatcher
	repo       store.Repository
	broker     dispatch.Broker
	upgrader   websocket.Upgrader
	logger     *logger.Logger
}

// NewBacktestHandler creates a new backtest handler
func NewBacktestHandler(
	dispatcher dispatch.Dispatcher,
	repo store.Repository,
	broker dispatch.Broker,
	log *logger.Logger,
) *BacktestHandler {
	return &BacktestHandler{
		dispatcher: dispatcher,
		repo:       repo,
		broker:     broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// SubmitResponse is returned when a job is accepted
type SubmitResponse struct {
	BacktestID string `json:"backtest_id"`
	Status     string `json:"status"`
	SpecHash   string `json:"spec_hash"`
}

// Submit validates a JobSpec and queues the run
// POST /api/backtests  (application/json or application/yaml)
func (h *BacktestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	format := jobspec.FormatJSON
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		format = jobspec.FormatYAML
	}

	spec, err := jobspec.Decode(http.MaxBytesReader(w, r.Body, maxSpecBytes), format)
	if err != nil {
		respondErr(w, err)
		return
	}

	id, err := h.dispatcher.Submit(r.Context(), spec)
	if err != nil {
		h.logger.WithError(err).Error("Failed to submit backtest")
		respondErr(w, err)
		return
	}

	hash, _ := jobspec.Hash(spec)
	respondJSON(w, http.StatusCreated, SubmitResponse{
		BacktestID: id,
		Status:     "started",
		SpecHash:   hash,
	})
}

// Get returns one run including its analysis result
// GET /api/backtests/{id}
func (h *BacktestHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.repo.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// List returns the most recent runs
// GET /api/backtests?limit=20
func (h *BacktestHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := h.repo.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list backtests")
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"backtests": runs,
		"count":     len(runs),
	})
}

// Cancel requests cooperative cancellation
// POST /api/backtests/{id}/cancel
func (h *BacktestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.dispatcher.Cancel(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"backtest_id": id,
		"status":      "cancelling",
	})
}

// Events streams progress events over a websocket until the run finishes
// GET /api/backtests/{id}/events
func (h *BacktestHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.repo.Get(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// 구독 먼저, 그 다음 현재 상태 조회 (사이에 끝난 실행을 놓치지 않도록)
	events, stop := h.broker.Subscribe(r.Context(), id)
	defer stop()

	if run, err = h.repo.Get(r.Context(), id); err == nil {
		snapshot := contracts.ProgressEvent{JobID: id, State: run.State, Message: string(run.Status), Timestamp: time.Now()}
		if err := writeEvent(conn, snapshot); err != nil || run.Status.Finished() {
			return
		}
	}

	// reader: detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			if ev.State.Terminal() {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(ev.State)),
					time.Now().Add(wsWriteWait))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev contracts.ProgressEvent) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
