package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wonny/backtester/pkg/redis"
)

// RedisQueue is a Redis list queue (LPUSH / BRPOP) with a ZSET retry schedule
// and a dead letter list
//
//	{prefix}:jobs   pending jobs
//	{prefix}:retry  jobs waiting for their retry time (score = unix seconds)
//	{prefix}:dlq    jobs that exhausted their retries
type RedisQueue struct {
	client     *goredis.Client
	cfg        QueueConfig
	prefix     string
	deadLetter DeadLetterFunc
	log        zerolog.Logger

	mu        sync.Mutex
	isRunning bool
	handler   Handler
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRedisQueue creates a queue on client; client must be enabled
func NewRedisQueue(client *redis.Client, prefix string, cfg QueueConfig, log zerolog.Logger) *RedisQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisQueue{
		client: client.Redis(),
		cfg:    cfg.withDefaults(),
		prefix: prefix,
		log:    log.With().Str("component", "dispatch.redis_queue").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithDeadLetter sets the callback for jobs moved to the dead letter queue
func (q *RedisQueue) WithDeadLetter(fn DeadLetterFunc) *RedisQueue {
	q.deadLetter = fn
	return q
}

// Enqueue pushes a job
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.jobsKey(), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// Depth returns the number of pending jobs
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.jobsKey()).Result()
}

// Name returns the key of the pending list
func (q *RedisQueue) Name() string {
	return q.jobsKey()
}

// Start launches the workers and the retry processor
func (q *RedisQueue) Start(handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isRunning {
		return fmt.Errorf("queue already running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	q.isRunning = true
	q.handler = handler
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.retryProcessor()

	q.log.Info().Int("workers", q.cfg.Workers).Str("queue", q.jobsKey()).Msg("redis queue started")
	return nil
}

// Stop cancels the workers and waits for them (or ctx)
func (q *RedisQueue) Stop(ctx context.Context) error {
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
		q.log.Info().Msg("redis queue stopped")
		return nil
	}
}

func (q *RedisQueue) worker(id int) {
	defer q.wg.Done()
	q.log.Debug().Int("worker_id", id).Msg("queue worker started")

	for q.ctx.Err() == nil {
		q.processNext()
	}
}

func (q *RedisQueue) processNext() {
	result, err := q.client.BRPop(q.ctx, time.Second, q.jobsKey()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		q.log.Error().Err(err).Msg("brpop error")
		select {
		case <-q.ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.log.Error().Err(err).Msg("unmarshal job")
		return
	}

	q.process(job)
}

func (q *RedisQueue) process(job Job) {
	start := time.Now()
	err := q.handler(q.ctx, job)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		q.log.Warn().Str("job_id", job.ID).Dur("elapsed", time.Since(start)).Msg("job cancelled")
		return
	}

	q.log.Error().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts+1).Msg("job processing error")

	if job.Attempts < q.cfg.RetryLimit {
		job.Attempts++
		retryAt := time.Now().Add(q.cfg.RetryDelay)
		q.scheduleRetry(job, retryAt)
		q.log.Info().Str("job_id", job.ID).Int("attempt", job.Attempts).Time("retry_at", retryAt).Msg("scheduled retry")
		return
	}

	q.log.Error().Str("job_id", job.ID).Msg("max retries reached")
	q.moveToDeadLetter(job, err)
}

func (q *RedisQueue) scheduleRetry(job Job, at time.Time) {
	data, err := json.Marshal(job)
	if err != nil {
		q.log.Error().Err(err).Msg("marshal retry")
		return
	}
	err = q.client.ZAdd(context.Background(), q.retryKey(), goredis.Z{
		Score:  float64(at.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		q.log.Error().Err(err).Msg("zadd retry")
	}
}

func (q *RedisQueue) moveToDeadLetter(job Job, cause error) {
	data, err := json.Marshal(job)
	if err != nil {
		q.log.Error().Err(err).Msg("marshal dlq")
		return
	}
	if err := q.client.LPush(context.Background(), q.dlqKey(), data).Err(); err != nil {
		q.log.Error().Err(err).Msg("lpush dlq")
	}
	if q.deadLetter != nil {
		q.deadLetter(context.Background(), job, cause)
	}
}

func (q *RedisQueue) retryProcessor() {
	defer q.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.processRetries()
		}
	}
}

// processRetries moves due retries back to the pending list
func (q *RedisQueue) processRetries() {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	due, err := q.client.ZRangeByScore(q.ctx, q.retryKey(), &goredis.ZRangeBy{Min: "0", Max: now}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.log.Error().Err(err).Msg("fetch retry jobs")
		}
		return
	}

	for _, member := range due {
		if q.ctx.Err() != nil {
			return
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(q.ctx, q.retryKey(), member)
		pipe.LPush(q.ctx, q.jobsKey(), member)
		if _, err := pipe.Exec(q.ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.log.Error().Err(err).Msg("move retry to queue")
		}
	}
}

func (q *RedisQueue) jobsKey() string  { return redis.Key(q.prefix, "jobs") }
func (q *RedisQueue) retryKey() string { return redis.Key(q.prefix, "retry") }
func (q *RedisQueue) dlqKey() string   { return redis.Key(q.prefix, "dlq") }
