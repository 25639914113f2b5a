package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LocalQueue runs jobs on in-process goroutines (REDIS_ENABLED=false, CLI, tests)
type LocalQueue struct {
	cfg        QueueConfig
	jobs       chan Job
	deadLetter DeadLetterFunc
	log        zerolog.Logger

	mu        sync.Mutex
	isRunning bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewLocalQueue creates a queue buffering up to size jobs
func NewLocalQueue(size int, cfg QueueConfig, log zerolog.Logger) *LocalQueue {
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		cfg:    cfg.withDefaults(),
		jobs:   make(chan Job, size),
		log:    log.With().Str("component", "dispatch.local_queue").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithDeadLetter sets the callback for jobs that exhausted their retries
func (q *LocalQueue) WithDeadLetter(fn DeadLetterFunc) *LocalQueue {
	q.deadLetter = fn
	return q
}

// Enqueue buffers a job; fails when the buffer is full
func (q *LocalQueue) Enqueue(_ context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("local queue full (%d jobs)", cap(q.jobs))
	}
}

// Depth returns the number of buffered jobs
func (q *LocalQueue) Depth(context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

// Name identifies the queue in metrics
func (q *LocalQueue) Name() string {
	return "local"
}

// Start launches the workers
func (q *LocalQueue) Start(handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isRunning {
		return fmt.Errorf("queue already running")
	}
	q.isRunning = true

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(handler)
	}
	q.log.Info().Int("workers", q.cfg.Workers).Msg("local queue started")
	return nil
}

// Stop cancels the workers and waits for them (or ctx)
func (q *LocalQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	q.cancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for queue workers: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (q *LocalQueue) worker(handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.process(handler, job)
		}
	}
}

func (q *LocalQueue) process(handler Handler, job Job) {
	for {
		err := handler(q.ctx, job)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		q.log.Error().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts+1).Msg("job processing error")

		if job.Attempts >= q.cfg.RetryLimit {
			if q.deadLetter != nil {
				q.deadLetter(context.Background(), job, err)
			}
			return
		}
		job.Attempts++

		select {
		case <-q.ctx.Done():
			return
		case <-time.After(q.cfg.RetryDelay):
		}
	}
}
