package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/store"
)

// Runner executes one backtest (backtest.Driver)
type Runner interface {
	Run(ctx context.Context, jobID string, spec *contracts.JobSpec) *contracts.Outcome
}

// Worker is the queue Handler that executes jobs
type Worker struct {
	runner    Runner
	repo      store.Repository
	canceller Canceller
	log       zerolog.Logger
}

// NewWorker creates a worker; the runner persists outcomes itself
func NewWorker(runner Runner, repo store.Repository, canceller Canceller, log zerolog.Logger) *Worker {
	return &Worker{
		runner:    runner,
		repo:      repo,
		canceller: canceller,
		log:       log.With().Str("component", "dispatch.worker").Logger(),
	}
}

// Handle marks the run running and executes it under a cancellable context.
// Only infrastructure errors are returned (and retried); run failures are persisted outcomes.
func (w *Worker) Handle(ctx context.Context, job Job) error {
	if job.Spec == nil {
		return fmt.Errorf("job %s has no spec", job.ID)
	}

	if err := w.repo.MarkRunning(ctx, job.ID); err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			// 이미 종료된 실행 (reaper, 중복 전달)
			w.log.Warn().Str("job_id", job.ID).Msg("run not runnable, dropping job")
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}

	runCtx, stop := w.canceller.Watch(ctx, job.ID)
	defer stop()

	out := w.runner.Run(runCtx, job.ID, job.Spec)
	w.log.Info().Str("job_id", job.ID).Str("state", out.State.String()).Msg("job finished")
	return nil
}
