package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wonny/backtester/internal/assembler"
	"github.com/wonny/backtester/internal/backtest"
	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/datasource"
	"github.com/wonny/backtester/internal/dispatch"
	"github.com/wonny/backtester/internal/features"
	"github.com/wonny/backtester/internal/metrics"
	"github.com/wonny/backtester/internal/scheduler/jobs"
	"github.com/wonny/backtester/internal/store"
	"github.com/wonny/backtester/pkg/config"
	"github.com/wonny/backtester/pkg/database"
	"github.com/wonny/backtester/pkg/httputil"
	"github.com/wonny/backtester/pkg/logger"
	"github.com/wonny/backtester/pkg/redis"
)

// fetchRetryWindow bounds the retries of one series fetch
const fetchRetryWindow = 30 * time.Second

// runtime holds the shared infrastructure of the long-running commands
// ⭐ SSOT: 의존성 조립은 여기서만
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.DB
	redis    *redis.Client
	repo     store.Repository
	registry *prometheus.Registry
	recorder *metrics.Recorder
}

// loadConfig loads config and applies the global flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

// newRuntime connects to Postgres and Redis and prepares the schema
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg)

	db, err := database.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	rdb, err := redis.New(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	repo := store.NewPostgres(db.Pool)
	if err := repo.InitSchema(ctx); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	rt := &runtime{
		cfg:   cfg,
		log:   log,
		db:    db,
		redis: rdb,
		repo:  repo,
	}
	if cfg.MetricsEnabled {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rt.recorder = metrics.New(rt.registry)
	}

	log.WithFields(map[string]interface{}{
		"env":     cfg.Env,
		"redis":   rdb.Enabled(),
		"metrics": cfg.MetricsEnabled,
	}).Info("Runtime initialized")

	return rt, nil
}

// Close releases the connections
func (rt *runtime) Close() {
	rt.redis.Close()
	rt.db.Close()
}

// fetcher builds the series provider stack:
//
//	Instrumented -> Cached (redis) -> Retrying -> Router{postgres | http}
func (rt *runtime) fetcher() datasource.Fetcher {
	zl := rt.log.Zerolog()

	var base datasource.Fetcher
	switch rt.cfg.Data.Provider {
	case "http":
		client := httputil.New(rt.cfg, rt.log).WithLocalLimit(rt.cfg.Data.RateLimit)
		if rt.cfg.Data.APIKey != "" {
			client.WithHeader("Authorization", "Bearer "+rt.cfg.Data.APIKey)
		}
		if rt.redis.Enabled() && rt.cfg.Data.RateLimit > 0 {
			client.WithRateLimiter(redis.NewRateLimiter(rt.redis, rt.cfg.Queue.Prefix), redis.RateLimitConfig{
				Key:    "data-provider",
				Limit:  rt.cfg.Data.RateLimit,
				Window: time.Second,
			})
		}
		// 재시도는 RetryingFetcher(backoff)가 breaker 바깥에서 담당
		base = datasource.NewHTTPFetcher(rt.cfg.Data.BaseURL, client.DisableRetry(), datasource.DefaultBreakerConfig(), zl)
		base = datasource.NewRetryingFetcher(base, fetchRetryWindow, zl)
	default:
		base = datasource.NewRetryingFetcher(datasource.NewPostgresFetcher(rt.db.Pool), fetchRetryWindow, zl)
	}

	var f datasource.Fetcher = &datasource.Router{Default: base}
	if rt.redis.Enabled() && rt.cfg.Data.CacheTTL > 0 {
		f = datasource.NewCachedFetcher(f, redis.NewCache(rt.redis, rt.cfg.Queue.Prefix+":series"), rt.cfg.Data.CacheTTL, zl)
	}
	if rt.recorder != nil {
		f = datasource.NewInstrumentedFetcher(f, rt.recorder)
	}
	return f
}

// driver builds a backtest driver persisting to the repository
func (rt *runtime) driver(progress backtest.ProgressReporter) *backtest.Driver {
	zl := rt.log.Zerolog()
	asm := assembler.New(rt.fetcher(), features.NewBuilder(zl), zl)

	d := backtest.NewDriver(asm, rt.repo, backtest.Config{
		Concurrency:  rt.cfg.Engine.Concurrency,
		MinTrainSize: rt.cfg.Engine.MinTrainSize,
	}, zl)
	if progress != nil {
		d.WithProgress(progress)
	}
	if rt.recorder != nil {
		d.WithObserver(rt.recorder)
	}
	return d
}

// transport is the queue/cancel/events triple shared by API and workers
type transport struct {
	queue     dispatch.Queue
	depth     jobs.DepthSource
	canceller dispatch.Canceller
	broker    dispatch.Broker
	// local is true when jobs never leave this process
	local bool
}

// transport picks Redis when enabled, in-process otherwise
func (rt *runtime) transport(deadLetter dispatch.DeadLetterFunc) transport {
	zl := rt.log.Zerolog()
	qcfg := dispatch.QueueConfig{
		Workers:    rt.cfg.Queue.Workers,
		RetryLimit: rt.cfg.Queue.RetryLimit,
		RetryDelay: rt.cfg.Queue.RetryDelay,
	}

	if rt.redis.Enabled() {
		q := dispatch.NewRedisQueue(rt.redis, rt.cfg.Queue.Prefix, qcfg, zl).WithDeadLetter(deadLetter)
		return transport{
			queue:     q,
			depth:     q,
			canceller: dispatch.NewRedisCanceller(rt.redis, rt.cfg.Queue.Prefix),
			broker:    dispatch.NewRedisBroker(rt.redis, rt.cfg.Queue.Prefix, zl),
		}
	}

	q := dispatch.NewLocalQueue(0, qcfg, zl).WithDeadLetter(deadLetter)
	return transport{
		queue:     q,
		depth:     q,
		canceller: dispatch.NewLocalCanceller(),
		broker:    dispatch.NewLocalBroker(),
		local:     true,
	}
}

// signalContext is cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitCode maps a terminal state to the process exit code of `run`
func exitCode(state contracts.RunState) int {
	switch state {
	case contracts.StateDone:
		return 0
	case contracts.StateCancelled:
		return 130
	default:
		return 1
	}
}
