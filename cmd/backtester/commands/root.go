package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "backtester",
	Short: "Walk-forward 모델 백테스터",
	Long: `Walk-forward backtester CLI

JobSpec (YAML/JSON) 하나로 시계열을 모으고, 피처를 만들고,
각 테스트 시점마다 과거 데이터로만 학습한 모델의 예측을 평가합니다.

Usage:
  go run ./cmd/backtester [command]

Examples:
  go run ./cmd/backtester validate job.yaml
  go run ./cmd/backtester run job.yaml --fixtures series.json
  go run ./cmd/backtester api
  go run ./cmd/backtester worker start
  go run ./cmd/backtester scheduler start`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags (override LOG_LEVEL / LOG_FORMAT)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json|console)")
}
