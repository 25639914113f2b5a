package contracts

import "time"

// Run state machine (SSOT)
// 모든 로그, 진행 이벤트, DB row에서 이 상수를 사용해야 함
//
//   INITIALIZED → ASSEMBLING → SCHEDULING → RUNNING → AGGREGATING → DONE
//                     │             │           │
//                     └──► FAILED ◄─┘           └──► CANCELLED (partial results kept)
//
// A failing window never moves the run to FAILED; it is recorded as a failed WindowResult.

// RunState is a state of the backtest driver
type RunState string

const (
	StateInitialized RunState = "INITIALIZED"
	StateAssembling  RunState = "ASSEMBLING"
	StateScheduling  RunState = "SCHEDULING"
	StateRunning     RunState = "RUNNING"
	StateAggregating RunState = "AGGREGATING"
	StateDone        RunState = "DONE"
	StateFailed      RunState = "FAILED"
	StateCancelled   RunState = "CANCELLED"
)

// String returns the state name
func (s RunState) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether s -> next is a legal edge
func (s RunState) CanTransition(next RunState) bool {
	switch s {
	case StateInitialized:
		return next == StateAssembling || next == StateFailed
	case StateAssembling:
		return next == StateScheduling || next == StateFailed || next == StateCancelled
	case StateScheduling:
		return next == StateRunning || next == StateFailed || next == StateCancelled
	case StateRunning:
		return next == StateAggregating || next == StateCancelled
	case StateAggregating:
		return next == StateDone
	default:
		return false
	}
}

// Status returns the persisted run status for a terminal state
func (s RunState) Status() RunStatus {
	switch s {
	case StateDone:
		return RunStatusCompleted
	case StateFailed:
		return RunStatusFailed
	case StateCancelled:
		return RunStatusCancelled
	default:
		return RunStatusRunning
	}
}

// RunStatus is the persisted status of a job
type RunStatus string

const (
	RunStatusStarted   RunStatus = "started"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Finished reports whether the status is terminal
func (s RunStatus) Finished() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Window is one (train range, test point) slice of the feature table
type Window struct {
	Index      int `json:"index"`
	TrainStart int `json:"train_start"`
	TrainEnd   int `json:"train_end"` // exclusive
	Test       int `json:"test"`
	Lag        int `json:"lag"`
}

// TrainSize returns the number of rows in the train range
func (w Window) TrainSize() int {
	return w.TrainEnd - w.TrainStart
}

// WindowStatus is the outcome of one window
type WindowStatus string

const (
	WindowOK      WindowStatus = "ok"
	WindowSkipped WindowStatus = "skipped"
	WindowFailed  WindowStatus = "failed"
)

// WindowResult is produced once per window and never mutated afterwards
type WindowResult struct {
	Window       Window       `json:"window"`
	TestDate     time.Time    `json:"test_date"`
	TrainRows    int          `json:"train_rows"`
	Predicted    *float64     `json:"predicted"`
	Actual       *float64     `json:"actual"`
	Error        *float64     `json:"error"` // actual - predicted
	AbsError     *float64     `json:"abs_error"`
	DirectionHit *bool        `json:"direction_hit"`
	Status       WindowStatus `json:"status"`
	Reason       string       `json:"reason,omitempty"`
	ModelDigest  string       `json:"model_digest,omitempty"`
}

// Metrics are the aggregate scores over ok windows (nil when undefined)
type Metrics struct {
	MeanError      *float64 `json:"mean_error"`
	MeanAbsError   *float64 `json:"mean_abs_error"`
	MedianError    *float64 `json:"median_error"`
	MedianAbsError *float64 `json:"median_abs_error"`
	RMSE           *float64 `json:"rmse"`
	HitRate        *float64 `json:"hit_rate"`
	Total          int      `json:"total"`
	OK             int      `json:"ok"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
}

// BacktestSummary is the terminal artifact of a run
type BacktestSummary struct {
	JobID       string          `json:"job_id"`
	Metrics     Metrics         `json:"metrics"`
	Results     []WindowResult  `json:"results"`
	Columns     []string        `json:"columns"`
	Warnings    []ColumnWarning `json:"warnings,omitempty"`
	TableDigest string          `json:"table_digest"`
	Rows        int             `json:"rows"`
	Windows     int             `json:"windows"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Outcome is what the driver hands to the persistence collaborator
type Outcome struct {
	JobID   string           `json:"job_id"`
	State   RunState         `json:"state"`
	Summary *BacktestSummary `json:"summary,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Err     error            `json:"-"`
}

// ProgressEvent is emitted while a run advances
type ProgressEvent struct {
	JobID     string        `json:"job_id"`
	State     RunState      `json:"state"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Window    *WindowResult `json:"window,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
