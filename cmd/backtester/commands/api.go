package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/backtester/internal/api"
	"github.com/wonny/backtester/internal/api/handlers"
	"github.com/wonny/backtester/internal/dispatch"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "API 서버 시작",
	Long: `REST API 서버를 시작합니다.

REDIS_ENABLED=false 이면 작업은 이 프로세스 안의 워커가 처리합니다.
그렇지 않으면 작업은 Redis 큐로 들어가고 'worker start' 프로세스가 처리합니다.

Endpoints:
  GET  /health                        - Health check
  GET  /metrics                       - Prometheus metrics
  POST /api/backtests                 - 백테스트 제출 (JSON/YAML JobSpec)
  GET  /api/backtests                 - 최근 실행 목록
  GET  /api/backtests/{id}            - 실행 상태 / 분석 결과
  POST /api/backtests/{id}/cancel     - 취소 요청
  GET  /api/backtests/{id}/events     - 진행 이벤트 (websocket)

Example:
  go run ./cmd/backtester api
  go run ./cmd/backtester api --port 8080`,
	RunE: runAPIServer,
}

var (
	apiPort string
)

func init() {
	rootCmd.AddCommand(apiCmd)

	// Flags
	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (기본 PORT)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if apiPort != "" {
		rt.cfg.Port = apiPort
	}

	var svc *dispatch.Service
	tr := rt.transport(func(ctx context.Context, job dispatch.Job, err error) {
		svc.DeadLetter(ctx, job, err)
	})
	svc = dispatch.NewService(rt.repo, tr.queue, tr.canceller, rt.log.Zerolog())

	// 로컬 모드: API 프로세스가 직접 작업 실행
	if tr.local {
		worker := dispatch.NewWorker(rt.driver(tr.broker), rt.repo, tr.canceller, rt.log.Zerolog())
		if err := tr.queue.Start(worker.Handle); err != nil {
			return fmt.Errorf("start local queue: %w", err)
		}
		defer stopQueue(rt, tr.queue)
	}

	deps := api.RouterDeps{
		Backtests: handlers.NewBacktestHandler(svc, rt.repo, tr.broker, rt.log),
		Checks: map[string]api.HealthCheck{
			"database": rt.db.Ping,
			"redis":    rt.redis.Ping,
		},
		Logger: rt.log,
	}
	if rt.recorder != nil {
		deps.Metrics = rt.recorder
		deps.Gatherer = rt.registry
	}

	server := api.New(rt.cfg, rt.log, api.NewRouter(deps))

	fmt.Printf("\n✅ Server running on http://localhost:%s (workers: %s)\n", rt.cfg.Port, workerMode(tr))
	fmt.Println("\nPress Ctrl+C to stop")

	if err := server.Run(ctx); err != nil {
		return err
	}

	rt.log.Info("Server stopped")
	return nil
}

func workerMode(tr transport) string {
	if tr.local {
		return "in-process"
	}
	return "redis queue"
}

// stopQueue stops the workers; running backtests see a cancelled context and persist partial results
func stopQueue(rt *runtime, q dispatch.Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		rt.log.WithError(err).Warn("Queue did not stop cleanly")
	}
}
