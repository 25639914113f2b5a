// Package dispatch submits backtest jobs, runs them on workers and relays cancel
// requests and progress events between the API and the workers.
package dispatch

import (
	"context"
	"time"

	"github.com/wonny/backtester/internal/contracts"
)

// Job is one queued backtest
type Job struct {
	ID         string             `json:"id"`
	Spec       *contracts.JobSpec `json:"spec"`
	Attempts   int                `json:"attempts"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// Handler processes one job; a returned error schedules a retry
type Handler func(ctx context.Context, job Job) error

// DeadLetterFunc is called once a job exhausted its retries
type DeadLetterFunc func(ctx context.Context, job Job, err error)

// Queue transports jobs from the submitter to the workers
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Start(handler Handler) error
	Stop(ctx context.Context) error
}

// QueueConfig tunes a queue
type QueueConfig struct {
	Workers    int           // number of workers
	RetryLimit int           // retries before the dead letter queue
	RetryDelay time.Duration // delay between retries
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 10 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	return c
}
