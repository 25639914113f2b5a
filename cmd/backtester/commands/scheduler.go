package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/backtester/internal/scheduler"
	"github.com/wonny/backtester/internal/scheduler/jobs"
)

// schedulerCmd represents the scheduler command
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "스케줄러 관리",
	Long: `유지보수 스케줄러를 시작하거나 작업을 즉시 실행합니다.

등록되는 작업:
- stale_run_reaper: REAPER_SCHEDULE (기본 5분마다)
  REAPER_STALE_AFTER 동안 갱신되지 않은 started/running 실행을 failed로 표시
- queue_depth: 15초마다 (METRICS_ENABLED, REDIS_ENABLED 일 때)

Subcommands:
  start   - 스케줄러 시작
  list    - 등록된 작업 목록
  run     - 특정 작업 즉시 실행

Example:
  go run ./cmd/backtester scheduler start
  go run ./cmd/backtester scheduler run stale_run_reaper`,
}

var (
	schedulerStartCmd = &cobra.Command{
		Use:   "start",
		Short: "스케줄러 시작",
		RunE:  runScheduler,
	}

	schedulerListCmd = &cobra.Command{
		Use:   "list",
		Short: "등록된 작업 목록",
		RunE:  listJobs,
	}

	schedulerRunCmd = &cobra.Command{
		Use:   "run [job_name]",
		Short: "특정 작업 즉시 실행",
		Args:  cobra.ExactArgs(1),
		RunE:  runJob,
	}
)

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerListCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
}

// initScheduler registers the maintenance jobs
func initScheduler(rt *runtime) (*scheduler.Scheduler, error) {
	sched := scheduler.New(rt.log, scheduler.WithRetry(2, 10*time.Second))

	reaper := jobs.NewStaleRunReaperJob(rt.repo, rt.cfg.Reaper.Schedule, rt.cfg.Reaper.StaleAfter, rt.log)
	if err := sched.AddJob(reaper); err != nil {
		return nil, err
	}

	if rt.recorder != nil && rt.redis.Enabled() {
		tr := rt.transport(nil)
		if err := sched.AddJob(jobs.NewQueueDepthJob(tr.depth, rt.recorder)); err != nil {
			return nil, err
		}
	}

	return sched, nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched, err := initScheduler(rt)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	sched.Start()

	fmt.Println("\n✅ Scheduler started successfully")
	fmt.Println("\nRegistered jobs:")
	for _, jobName := range sched.GetAllJobs() {
		fmt.Printf("  - %s\n", jobName)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()
	sched.Stop()
	return nil
}

func listJobs(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.Close()

	sched, err := initScheduler(rt)
	if err != nil {
		return err
	}

	stats := sched.GetJobStats()
	widths := []int{20, 16, 20}
	PrintTableHeader([]string{"Job", "Schedule", "Next run"}, widths)
	for _, name := range sched.GetAllJobs() {
		next := "-"
		if st := stats[name]; st.NextRun != nil {
			next = st.NextRun.Format(time.RFC3339)
		}
		PrintTableRow([]string{name, stats[name].Schedule, next}, widths)
	}
	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(context.Background())
	if err != nil {
		return err
	}
	defer rt.Close()

	sched, err := initScheduler(rt)
	if err != nil {
		return err
	}

	result, err := sched.RunJob(args[0])
	if err != nil {
		return err
	}
	if !result.Success {
		PrintError(fmt.Sprintf("%s failed after %s: %s", result.JobName, result.Duration, result.Error))
		return fmt.Errorf("job %s failed", result.JobName)
	}
	PrintSuccess(fmt.Sprintf("%s completed in %s", result.JobName, result.Duration.Round(time.Millisecond)))
	return nil
}
