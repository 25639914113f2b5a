package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wonny/backtester/internal/dispatch"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "백그라운드 워커",
	Long: `Redis 큐에서 백테스트 작업을 가져와 실행하는 워커입니다.

이 워커는:
- Redis job queue에서 작업 가져오기 (BRPOP)
- 백테스트 실행 및 결과 저장 (PostgreSQL)
- 진행 이벤트 발행 (Redis pub/sub)
- 취소 요청 처리
- 실패한 작업 재시도 / DLQ
- Graceful shutdown 지원

Example:
  go run ./cmd/backtester worker start
  go run ./cmd/backtester worker start --concurrency 5`,
}

// workerStartCmd represents the start subcommand
var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "워커 시작",
	RunE:  runWorkerStart,
}

var (
	// Worker flags
	workerConcurrency int
	workerMetricsAddr string
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerStartCmd)

	// Flags
	workerStartCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "동시 실행 작업 수 (0 = QUEUE_WORKERS)")
	workerStartCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", ":9101", "metrics 엔드포인트 주소 (빈 값 = 비활성)")
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if !rt.redis.Enabled() {
		return errors.New("worker requires REDIS_ENABLED=true (without Redis the api command runs jobs in process)")
	}
	if workerConcurrency > 0 {
		rt.cfg.Queue.Workers = workerConcurrency
	}

	var svc *dispatch.Service
	tr := rt.transport(func(ctx context.Context, job dispatch.Job, err error) {
		svc.DeadLetter(ctx, job, err)
	})
	svc = dispatch.NewService(rt.repo, tr.queue, tr.canceller, rt.log.Zerolog())

	worker := dispatch.NewWorker(rt.driver(tr.broker), rt.repo, tr.canceller, rt.log.Zerolog())
	if err := tr.queue.Start(worker.Handle); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	if rt.registry != nil && workerMetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              workerMetricsAddr,
			Handler:           promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer metricsSrv.Close()
	}

	fmt.Println("🚀 Worker started")
	fmt.Printf("   Concurrency: %d, Queue: %s\n", rt.cfg.Queue.Workers, tr.depth.Name())
	fmt.Println("   Press Ctrl+C to stop gracefully")

	<-ctx.Done()

	fmt.Println("\n⚠️  Shutdown signal received")
	fmt.Println("   Cancelling in-flight backtests (partial results are kept)...")
	stopQueue(rt, tr.queue)
	fmt.Println("✅ Worker stopped gracefully")
	return nil
}
