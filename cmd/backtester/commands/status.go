package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/backtester/internal/contracts"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [backtest_id]",
	Short: "실행 상태 조회",
	Long: `백테스트 실행 상태를 조회합니다.

id를 주면 해당 실행의 상태와 분석 결과를,
주지 않으면 최근 실행 목록을 표시합니다.

Example:
  go run ./cmd/backtester status
  go run ./cmd/backtester status --limit 50
  go run ./cmd/backtester status 6f1c...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	// Status flags
	statusLimit int
)

func init() {
	rootCmd.AddCommand(statusCmd)

	// Flags
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "목록 개수")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if len(args) == 1 {
		run, err := rt.repo.Get(ctx, args[0])
		if err != nil {
			return err
		}
		PrintOutcome(&contracts.Outcome{JobID: run.ID, State: run.State, Summary: run.Summary, Reason: run.Reason})
		PrintKeyValue("Status", string(run.Status), 16)
		PrintKeyValue("Owner", run.Owner, 16)
		PrintKeyValue("Created", run.CreatedAt.Format(time.RFC3339), 16)
		PrintKeyValue("Updated", run.UpdatedAt.Format(time.RFC3339), 16)
		return nil
	}

	runs, err := rt.repo.ListRecent(ctx, statusLimit)
	if err != nil {
		return err
	}

	widths := []int{36, 10, 12, 16, 20}
	PrintTableHeader([]string{"ID", "Status", "State", "Owner", "Updated"}, widths)
	for _, r := range runs {
		PrintTableRow([]string{r.ID, string(r.Status), string(r.State), r.Owner, r.UpdatedAt.Format("2006-01-02 15:04:05")}, widths)
	}
	fmt.Printf("\n%d run(s)\n", len(runs))
	return nil
}
