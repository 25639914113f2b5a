package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wonny/backtester/internal/contracts"
	"github.com/wonny/backtester/internal/jobspec"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate <jobspec>...",
	Short: "JobSpec 검증",
	Long: `JobSpec 파일을 파싱하고 검증합니다. 실행은 하지 않습니다.

모든 필드 오류를 한 번에 보고하고, 통과하면 spec hash를 출력합니다.

Example:
  go run ./cmd/backtester validate job.yaml
  go run ./cmd/backtester validate jobs/*.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		spec, _, err := jobspec.Load(path)
		if err != nil {
			failed++
			PrintError(path)
			var verr *contracts.ConfigValidationError
			if errors.As(err, &verr) {
				for _, fe := range verr.Errors {
					fmt.Printf("   %-32s %-24s %s\n", fe.Field, fe.Code, fe.Message)
				}
			} else {
				fmt.Printf("   %v\n", err)
			}
			continue
		}

		hash, err := jobspec.Hash(spec)
		if err != nil {
			return err
		}
		PrintSuccess(fmt.Sprintf("%s  %s", path, hash))
		PrintKeyValue("asset", fmt.Sprintf("%s/%s %s lag=%d %s", spec.Asset.Source, spec.Asset.Symbol, spec.Asset.Horizon, spec.Asset.Lag, spec.Asset.Metric), 10)
		PrintKeyValue("model", string(spec.Model.Type), 10)
		PrintKeyValue("timeframe", fmt.Sprintf("%s ~ %s", spec.Timeframe.Start, spec.Timeframe.End), 10)
		PrintKeyValue("fields", fmt.Sprintf("%d", len(spec.Data.Fields())), 10)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d spec(s) invalid", failed, len(args))
	}
	return nil
}
