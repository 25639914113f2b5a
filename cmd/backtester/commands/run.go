package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wonny/backtester/internal/assembler"
	"github.com/wonny/backtester/internal/backtest"
	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/datasource"
	"github.com/wonny/backtester/internal/features"
	"github.com/wonny/backtester/internal/jobspec"
	"github.com/wonny/backtester/internal/store"
	"github.com/wonny/backtester/pkg/config"
	"github.com/wonny/backtester/pkg/logger"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <jobspec>",
	Short: "백테스트 1회 실행 (포그라운드)",
	Long: `JobSpec 파일 하나를 이 프로세스에서 바로 실행합니다.

--fixtures 를 주면 DB/Redis 없이 JSON 픽스처에서 시계열을 읽고,
주지 않으면 설정된 데이터 소스(DATA_PROVIDER)와 PostgreSQL을 사용합니다.

Exit codes:
  0    DONE
  1    FAILED / invalid spec
  130  CANCELLED (Ctrl+C, 부분 결과 저장)

Example:
  go run ./cmd/backtester run job.yaml --fixtures testdata/series.json
  go run ./cmd/backtester run job.json --out summary.json --concurrency 8`,
	Args: cobra.ExactArgs(1),
	RunE: runBacktest,
}

var (
	runFixtures    string
	runOut         string
	runConcurrency int
	runMinTrain    int
	runWindows     bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	// Flags
	runCmd.Flags().StringVar(&runFixtures, "fixtures", "", "JSON 픽스처 파일 (DB 없이 실행)")
	runCmd.Flags().StringVar(&runOut, "out", "", "요약 JSON 출력 경로 (- = stdout)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "병렬 윈도우 수 (0 = ENGINE_CONCURRENCY)")
	runCmd.Flags().IntVar(&runMinTrain, "min-train", 0, "첫 학습 윈도우 행 수 (0 = ENGINE_MIN_TRAIN_SIZE)")
	runCmd.Flags().BoolVar(&runWindows, "windows", false, "윈도우별 결과 표 출력")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	spec, _, err := jobspec.Load(args[0])
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}

	ctx, stop := signalContext()
	defer stop()

	var (
		out *contracts.Outcome
		log *logger.Logger
	)
	if runFixtures != "" {
		out, log, err = runWithFixtures(ctx, spec)
	} else {
		out, log, err = runWithRuntime(ctx, spec)
	}
	if err != nil {
		return err
	}

	PrintOutcome(out)
	if runWindows && out.Summary != nil {
		PrintWindows(out.Summary.Results)
	}
	if err := writeSummary(out); err != nil {
		return err
	}

	if code := exitCode(out.State); code != 0 {
		log.WithFields(map[string]interface{}{
			"job_id": out.JobID,
			"state":  out.State,
			"reason": out.Reason,
		}).Warn("Backtest did not complete")
		os.Exit(code)
	}
	return nil
}

// runWithFixtures runs against a fixture file and an in-memory repository
func runWithFixtures(ctx context.Context, spec *contracts.JobSpec) (*contracts.Outcome, *logger.Logger, error) {
	cfg := fixtureConfig()
	log := logger.New(cfg)
	zl := log.Zerolog()

	fetcher, err := datasource.LoadFixtures(runFixtures)
	if err != nil {
		return nil, nil, err
	}

	repo := store.NewMemory()
	id := uuid.NewString()
	hash, _ := jobspec.Hash(spec)
	if err := repo.Create(ctx, id, spec, hash); err != nil {
		return nil, nil, err
	}

	d := backtest.NewDriver(
		assembler.New(fetcher, features.NewBuilder(zl), zl),
		repo,
		engineConfig(cfg),
		zl,
	)
	return d.Run(ctx, id, spec), log, nil
}

// runWithRuntime runs against the configured provider and persists to Postgres
func runWithRuntime(ctx context.Context, spec *contracts.JobSpec) (*contracts.Outcome, *logger.Logger, error) {
	rt, err := newRuntime(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer rt.Close()
	if runConcurrency > 0 {
		rt.cfg.Engine.Concurrency = runConcurrency
	}
	if runMinTrain > 0 {
		rt.cfg.Engine.MinTrainSize = runMinTrain
	}

	id := uuid.NewString()
	hash, _ := jobspec.Hash(spec)
	if err := rt.repo.Create(ctx, id, spec, hash); err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	if err := rt.repo.MarkRunning(ctx, id); err != nil {
		return nil, nil, fmt.Errorf("mark running: %w", err)
	}

	rt.log.WithJob(id).Info("Running backtest in foreground")
	return rt.driver(nil).Run(ctx, id, spec), rt.log, nil
}

// fixtureConfig is the config of a database-less run; env is read when available
func fixtureConfig() *config.Config {
	cfg := &config.Config{
		Env:       "development",
		LogLevel:  "info",
		LogFormat: "console",
		Engine:    config.EngineConfig{Concurrency: 4, MinTrainSize: 1},
	}
	if loaded, err := loadConfig(); err == nil {
		cfg = loaded
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg
}

func engineConfig(cfg *config.Config) backtest.Config {
	c := backtest.Config{Concurrency: cfg.Engine.Concurrency, MinTrainSize: cfg.Engine.MinTrainSize}
	if runConcurrency > 0 {
		c.Concurrency = runConcurrency
	}
	if runMinTrain > 0 {
		c.MinTrainSize = runMinTrain
	}
	return c
}

func writeSummary(out *contracts.Outcome) error {
	if runOut == "" {
		return nil
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if runOut == "-" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(runOut, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	PrintSuccess("Summary written to " + runOut)
	return nil
}
