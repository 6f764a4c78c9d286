package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flare-signals/internal/app"
)

var (
	evaluateSignal     string
	evaluateDefinition string
	evaluateAt         string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a signal once without sending a webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.EvaluateOptions{
			SignalID:       evaluateSignal,
			DefinitionPath: evaluateDefinition,
		}

		if evaluateAt != "" {
			at, err := parseTimestamp("--at", evaluateAt)
			if err != nil {
				return err
			}
			opts.At = &at
		}

		return getApp().Evaluate(cmd.Context(), opts)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateSignal, "signal", "", "Stored signal id")
	evaluateCmd.Flags().StringVar(&evaluateDefinition, "definition", "", "Path to a signal definition JSON document")
	evaluateCmd.Flags().StringVar(&evaluateAt, "at", "", "Evaluate as of this timestamp (RFC3339, defaults to now)")
}

func parseTimestamp(flag, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return t, nil
}
