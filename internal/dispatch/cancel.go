package dispatch

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wonny/backtester/pkg/redis"
)

// CancelTTL bounds how long a cancel flag outlives its run
const CancelTTL = 24 * time.Hour

// Canceller relays cancel requests from the API to the worker running the job
type Canceller interface {
	// RequestCancel flags id; a worker watching id cancels its run context
	RequestCancel(ctx context.Context, id string) error
	// Watch returns a context cancelled once id is flagged (or parent ends)
	Watch(parent context.Context, id string) (context.Context, context.CancelFunc)
}

// RedisCanceller stores a flag key and publishes on a per-job channel
//
//	{prefix}:cancel:{id}          flag (TTL 24h), read when a worker starts
//	{prefix}:cancel:{id}:notify   pub/sub channel for runs already executing
type RedisCanceller struct {
	client *goredis.Client
	prefix string
}

// NewRedisCanceller creates a canceller on an enabled client
func NewRedisCanceller(client *redis.Client, prefix string) *RedisCanceller {
	return &RedisCanceller{client: client.Redis(), prefix: prefix}
}

func (c *RedisCanceller) flagKey(id string) string { return redis.Key(c.prefix, "cancel", id) }

func (c *RedisCanceller) channelKey(id string) string {
	return redis.Key(c.prefix, "cancel", id, "notify")
}

// RequestCancel sets the flag and notifies running watchers
func (c *RedisCanceller) RequestCancel(ctx context.Context, id string) error {
	if err := c.client.Set(ctx, c.flagKey(id), "1", CancelTTL).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, c.channelKey(id), "cancel").Err()
}

// Requested reports whether id is flagged
func (c *RedisCanceller) Requested(ctx context.Context, id string) (bool, error) {
	n, err := c.client.Exists(ctx, c.flagKey(id)).Result()
	return n > 0, err
}

// Watch subscribes before checking the flag so a request between the two is not lost
func (c *RedisCanceller) Watch(parent context.Context, id string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sub := c.client.Subscribe(ctx, c.channelKey(id))
	if ok, err := c.Requested(ctx, id); err == nil && ok {
		cancel()
	}

	go func() {
		defer sub.Close()
		select {
		case <-ctx.Done():
		case <-sub.Channel():
			cancel()
		}
	}()

	return ctx, cancel
}

// LocalCanceller keeps cancel functions in process.
// A watcher leaves the map when its stop func runs; flags expire after CancelTTL.
type LocalCanceller struct {
	mu        sync.Mutex
	requested map[string]time.Time
	watchers  map[string]map[uint64]context.CancelFunc
	nextID    uint64
	now       func() time.Time
}

// NewLocalCanceller creates an empty canceller
func NewLocalCanceller() *LocalCanceller {
	return &LocalCanceller{
		requested: make(map[string]time.Time),
		watchers:  make(map[string]map[uint64]context.CancelFunc),
		now:       time.Now,
	}
}

// RequestCancel flags id and cancels its watchers
func (c *LocalCanceller) RequestCancel(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, at := range c.requested {
		if now.Sub(at) > CancelTTL {
			delete(c.requested, k)
		}
	}

	c.requested[id] = now
	for _, cancel := range c.watchers[id] {
		cancel()
	}
	delete(c.watchers, id)
	return nil
}

// Watch returns a context cancelled by RequestCancel(id).
// The returned stop func releases the watcher and the id's cancel flag.
func (c *LocalCanceller) Watch(parent context.Context, id string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.requested[id]; ok && c.now().Sub(at) <= CancelTTL {
		cancel()
		return ctx, c.release(id, 0, cancel)
	}

	c.nextID++
	key := c.nextID
	if c.watchers[id] == nil {
		c.watchers[id] = make(map[uint64]context.CancelFunc)
	}
	c.watchers[id][key] = cancel
	return ctx, c.release(id, key, cancel)
}

func (c *LocalCanceller) release(id string, key uint64, cancel context.CancelFunc) context.CancelFunc {
	return func() {
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		if ws, ok := c.watchers[id]; ok {
			delete(ws, key)
			if len(ws) == 0 {
				delete(c.watchers, id)
			}
		}
		if len(c.watchers[id]) == 0 {
			delete(c.requested, id)
		}
	}
}

// pending returns the number of ids with a live watcher or flag
func (c *LocalCanceller) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers) + len(c.requested)
}
