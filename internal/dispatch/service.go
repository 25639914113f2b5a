package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/jobspec"
	"github.com/wonny/backtester/internal/store"
)

// ErrAlreadyFinished is returned when cancelling a run in a terminal status
var ErrAlreadyFinished = errors.New("run already finished")

// Dispatcher is what the API needs to start and stop jobs
type Dispatcher interface {
	Submit(ctx context.Context, spec *contracts.JobSpec) (string, error)
	Cancel(ctx context.Context, id string) error
}

// Service creates the run row, enqueues the job and relays cancel requests
// ⭐ SSOT: 백테스트 id 발급은 여기서만
type Service struct {
	repo      store.Repository
	queue     Queue
	canceller Canceller
	log       zerolog.Logger
	newID     func() string
}

// NewService creates a dispatcher
func NewService(repo store.Repository, queue Queue, canceller Canceller, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		queue:     queue,
		canceller: canceller,
		log:       log.With().Str("component", "dispatch.service").Logger(),
		newID:     uuid.NewString,
	}
}

// Submit stores the run as started and queues it; spec must be validated already
func (s *Service) Submit(ctx context.Context, spec *contracts.JobSpec) (string, error) {
	hash, err := jobspec.Hash(spec)
	if err != nil {
		return "", fmt.Errorf("hash spec: %w", err)
	}

	id := s.newID()
	if err := s.repo.Create(ctx, id, spec, hash); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	if err := s.queue.Enqueue(ctx, Job{ID: id, Spec: spec}); err != nil {
		// 큐 실패 시 실행 기록을 failed로 남김
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if saveErr := s.repo.Save(context.WithoutCancel(ctx), id, &contracts.Outcome{JobID: id, State: contracts.StateFailed, Reason: reason}); saveErr != nil {
			s.log.Error().Err(saveErr).Str("job_id", id).Msg("failed to mark run failed")
		}
		return "", fmt.Errorf("enqueue: %w", err)
	}

	s.log.Info().Str("job_id", id).Str("spec_hash", hash).Str("owner", spec.Metadata.Owner).Msg("backtest submitted")
	return id, nil
}

// Cancel requests cooperative cancellation of an unfinished run
func (s *Service) Cancel(ctx context.Context, id string) error {
	run, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Finished() {
		return fmt.Errorf("run %s is %s: %w", id, run.Status, ErrAlreadyFinished)
	}
	if err := s.canceller.RequestCancel(ctx, id); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	s.log.Info().Str("job_id", id).Msg("cancel requested")
	return nil
}

// DeadLetter marks a run failed once its job exhausted the queue retries
func (s *Service) DeadLetter(ctx context.Context, job Job, cause error) {
	out := &contracts.Outcome{
		JobID:  job.ID,
		State:  contracts.StateFailed,
		Reason: fmt.Sprintf("dispatch failed after %d attempts: %v", job.Attempts+1, cause),
	}
	if err := s.repo.Save(ctx, job.ID, out); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark dead letter run")
	}
}
