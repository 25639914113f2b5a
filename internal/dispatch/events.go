package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/pkg/redis"
)

// Broker fans progress events out from the driver to API subscribers.
// Report implements backtest.ProgressReporter and never blocks the driver.
type Broker interface {
	Report(ev contracts.ProgressEvent)
	Subscribe(ctx context.Context, id string) (<-chan contracts.ProgressEvent, func())
}

// subscriberBuffer events buffered per subscriber; slower subscribers miss events
const subscriberBuffer = 64

// RedisBroker publishes events as JSON on {prefix}:events:{id}
type RedisBroker struct {
	client *goredis.Client
	prefix string
	log    zerolog.Logger
}

// NewRedisBroker creates a broker on an enabled client
func NewRedisBroker(client *redis.Client, prefix string, log zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		client: client.Redis(),
		prefix: prefix,
		log:    log.With().Str("component", "dispatch.redis_broker").Logger(),
	}
}

func (b *RedisBroker) channel(id string) string {
	return redis.Key(b.prefix, "events", id)
}

// Report publishes ev; errors are logged only
func (b *RedisBroker) Report(ev contracts.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Msg("marshal progress event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel(ev.JobID), data).Err(); err != nil {
		b.log.Warn().Err(err).Str("job_id", ev.JobID).Msg("publish progress event")
	}
}

// Subscribe streams the events of id until ctx ends or the returned stop is called
func (b *RedisBroker) Subscribe(ctx context.Context, id string) (<-chan contracts.ProgressEvent, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sub := b.client.Subscribe(ctx, b.channel(id))
	out := make(chan contracts.ProgressEvent, subscriberBuffer)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev contracts.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Msg("decode progress event")
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	return out, cancel
}

// LocalBroker fans events out in process
type LocalBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan contracts.ProgressEvent]struct{}
}

// NewLocalBroker creates an empty broker
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[chan contracts.ProgressEvent]struct{})}
}

// Report delivers ev to every subscriber of ev.JobID; full buffers drop the event
func (b *LocalBroker) Report(ev contracts.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe streams the events of id until ctx ends or stop is called
func (b *LocalBroker) Subscribe(ctx context.Context, id string) (<-chan contracts.ProgressEvent, func()) {
	ch := make(chan contracts.ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan contracts.ProgressEvent]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[id], ch)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
			b.mu.Unlock()
			close(ch)
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	return ch, stop
}
