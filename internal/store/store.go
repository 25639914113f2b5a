// Package store persists backtest runs and their window results.
package store

import (
	"context"
	"time"

	"github.com/wonny/backtester/internal/contracts"
)

// Run is one persisted backtest job
type Run struct {
	ID        string                     `json:"backtest_id"`
	Status    contracts.RunStatus        `json:"status"`
	State     contracts.RunState         `json:"state,omitempty"`
	Owner     string                     `json:"owner"`
	SpecHash  string                     `json:"spec_hash"`
	Spec      *contracts.JobSpec         `json:"spec,omitempty"`
	Summary   *contracts.BacktestSummary `json:"analysis_result,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	CreatedAt time.Time                  `json:"time_created"`
	UpdatedAt time.Time                  `json:"time_updated"`
}

// Repository is the persistence collaborator of the driver, dispatcher and API
// ⭐ SSOT: 백테스트 실행 기록은 이 인터페이스로만 읽고 씀
type Repository interface {
	// Create inserts a run in status started
	Create(ctx context.Context, id string, spec *contracts.JobSpec, specHash string) error
	// MarkRunning moves a started run to running
	MarkRunning(ctx context.Context, id string) error
	// Save stores the terminal outcome of a run (backtest.Persister)
	Save(ctx context.Context, id string, out *contracts.Outcome) error
	// Get returns contracts.ErrNotFound for an unknown id
	Get(ctx context.Context, id string) (*Run, error)
	// ListRecent returns the newest runs first, without summaries
	ListRecent(ctx context.Context, limit int) ([]Run, error)
	// MarkStale fails unfinished runs not updated since before; returns the ids
	MarkStale(ctx context.Context, before time.Time, reason string) ([]string, error)
}

// StatusOf maps a terminal outcome to the persisted status
func StatusOf(out *contracts.Outcome) contracts.RunStatus {
	return out.State.Status()
}
