package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/wonny/backtester/internal/store"
	"github.com/wonny/backtester/pkg/logger"
)

// StaleReason is persisted on runs failed by the reaper
const StaleReason = "worker lost: run not updated within the stale threshold"

// StaleRunReaperJob fails runs whose worker stopped reporting
// (worker crash mid-run leaves the row in started/running forever)
type StaleRunReaperJob struct {
	repo       store.Repository
	schedule   string
	staleAfter time.Duration
	now        func() time.Time
	logger     *logger.Logger
}

// NewStaleRunReaperJob creates a new reaper job
func NewStaleRunReaperJob(repo store.Repository, schedule string, staleAfter time.Duration, log *logger.Logger) *StaleRunReaperJob {
	return &StaleRunReaperJob{
		repo:       repo,
		schedule:   schedule,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     log,
	}
}

// Name returns the job name
func (j *StaleRunReaperJob) Name() string {
	return "stale_run_reaper"
}

// Schedule returns the cron schedule
func (j *StaleRunReaperJob) Schedule() string {
	return j.schedule
}

// Run fails every unfinished run not updated for staleAfter
func (j *StaleRunReaperJob) Run(ctx context.Context) error {
	before := j.now().Add(-j.staleAfter)

	ids, err := j.repo.MarkStale(ctx, before, StaleReason)
	if err != nil {
		return fmt.Errorf("mark stale runs: %w", err)
	}

	if len(ids) > 0 {
		j.logger.WithFields(map[string]interface{}{
			"reaped": len(ids),
			"ids":    ids,
		}).Warn("Stale runs marked failed")
	}

	return nil
}

// DepthSource is a queue that can report its backlog
type DepthSource interface {
	Name() string
	Depth(ctx context.Context) (int64, error)
}

// DepthRecorder receives queue depth samples (metrics.Recorder)
type DepthRecorder interface {
	SetQueueDepth(queue string, depth int64)
}

// QueueDepthJob samples the dispatch queue backlog into the metrics gauge
type QueueDepthJob struct {
	queue    DepthSource
	recorder DepthRecorder
}

// NewQueueDepthJob creates a new queue depth job
func NewQueueDepthJob(queue DepthSource, recorder DepthRecorder) *QueueDepthJob {
	return &QueueDepthJob{queue: queue, recorder: recorder}
}

// Name returns the job name
func (j *QueueDepthJob) Name() string {
	return "queue_depth"
}

// Schedule returns the cron schedule (every 15 seconds)
func (j *QueueDepthJob) Schedule() string {
	return "*/15 * * * * *"
}

// Run samples the queue depth
func (j *QueueDepthJob) Run(ctx context.Context) error {
	depth, err := j.queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	j.recorder.SetQueueDepth(j.queue.Name(), depth)
	return nil
}
