package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flare-signals/internal/app"
)

var (
	backtestSignal     string
	backtestDefinition string
	backtestFrom       string
	backtestTo         string
	backtestStep       time.Duration
	backtestWorkers    int
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay a signal over a historical range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backtestFrom == "" || backtestTo == "" {
			return fmt.Errorf("--from and --to are required")
		}

		from, err := parseTimestamp("--from", backtestFrom)
		if err != nil {
			return err
		}
		to, err := parseTimestamp("--to", backtestTo)
		if err != nil {
			return err
		}

		opts := app.BacktestOptions{
			SignalID:       backtestSignal,
			DefinitionPath: backtestDefinition,
			From:           from,
			To:             to,
			Step:           backtestStep,
			Workers:        backtestWorkers,
		}

		return getApp().Backtest(cmd.Context(), opts)
	},
}

func init() {
	backtestCmd.Flags().StringVar(&backtestSignal, "signal", "", "Stored signal id")
	backtestCmd.Flags().StringVar(&backtestDefinition, "definition", "", "Path to a signal definition JSON document")
	backtestCmd.Flags().StringVar(&backtestFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backtestCmd.Flags().StringVar(&backtestTo, "to", "", "End timestamp (RFC3339, exclusive)")
	backtestCmd.Flags().DurationVar(&backtestStep, "step", 0, "Evaluation step (defaults to scheduler interval)")
	backtestCmd.Flags().IntVar(&backtestWorkers, "workers", 4, "Concurrent evaluations")
}
