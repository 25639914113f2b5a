package commands

import (
	"fmt"
	"strconv"

	"github.com/wonny/backtester/internal/contracts"
)

// ═══════════════════════════════════════════════════════════
// Common Formatting Utilities
// 모든 커맨드가 동일한 출력 포맷을 사용하도록 통일
// ═══════════════════════════════════════════════════════════

// PrintSeparator prints a visual separator
func PrintSeparator() {
	fmt.Println("───────────────────────────────────────────────────────────")
}

// PrintDoubleSeparator prints a double-line separator
func PrintDoubleSeparator() {
	fmt.Println("═══════════════════════════════════════════════════════════")
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Printf("✅ %s\n", message)
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Printf("❌ %s\n", message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Printf("⚠️  %s\n", message)
}

// PrintKeyValue prints key-value pairs
func PrintKeyValue(key string, value string, keyWidth int) {
	fmt.Printf("   %-*s : %s\n", keyWidth, key, value)
}

// PrintTableHeader prints a table header
func PrintTableHeader(columns []string, widths []int) {
	PrintTableRow(columns, widths)

	totalWidth := 0
	for i, width := range widths {
		totalWidth += width
		if i < len(widths)-1 {
			totalWidth += 2 // spacing
		}
	}
	for i := 0; i < totalWidth; i++ {
		fmt.Print("─")
	}
	fmt.Println()
}

// PrintTableRow prints a table row
func PrintTableRow(values []string, widths []int) {
	for i, val := range values {
		fmt.Printf("%-*s", widths[i], val)
		if i < len(values)-1 {
			fmt.Print("  ")
		}
	}
	fmt.Println()
}

// PrintOutcome prints the terminal state and aggregate metrics of a run
func PrintOutcome(out *contracts.Outcome) {
	fmt.Println()
	PrintDoubleSeparator()
	fmt.Printf("  Backtest %s\n", out.JobID)
	PrintSeparator()
	PrintKeyValue("State", string(out.State), 16)
	if out.Reason != "" {
		PrintKeyValue("Reason", out.Reason, 16)
	}

	if s := out.Summary; s != nil {
		m := s.Metrics
		PrintKeyValue("Rows", strconv.Itoa(s.Rows), 16)
		PrintKeyValue("Windows", fmt.Sprintf("%d (ok %d, skipped %d, failed %d)", m.Total, m.OK, m.Skipped, m.Failed), 16)
		PrintKeyValue("Features", strconv.Itoa(len(s.Columns)), 16)
		PrintSeparator()
		PrintKeyValue("Mean error", formatMetric(m.MeanError), 16)
		PrintKeyValue("Mean |error|", formatMetric(m.MeanAbsError), 16)
		PrintKeyValue("Median error", formatMetric(m.MedianError), 16)
		PrintKeyValue("Median |error|", formatMetric(m.MedianAbsError), 16)
		PrintKeyValue("RMSE", formatMetric(m.RMSE), 16)
		PrintKeyValue("Hit rate", formatMetric(m.HitRate), 16)
		for _, w := range s.Warnings {
			PrintWarning(fmt.Sprintf("%s: %s", w.Column, w.Reason))
		}
	}
	PrintDoubleSeparator()
}

// PrintWindows prints one row per window result
func PrintWindows(results []contracts.WindowResult) {
	widths := []int{6, 10, 7, 12, 12, 12, 8}
	PrintTableHeader([]string{"#", "Date", "Train", "Predicted", "Actual", "Error", "Status"}, widths)
	for _, r := range results {
		PrintTableRow([]string{
			strconv.Itoa(r.Window.Index),
			r.TestDate.Format(contracts.DateLayout),
			strconv.Itoa(r.TrainRows),
			formatMetric(r.Predicted),
			formatMetric(r.Actual),
			formatMetric(r.Error),
			string(r.Status),
		}, widths)
	}
}

func formatMetric(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 6, 64)
}
