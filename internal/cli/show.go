package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flare-signals/internal/app"
)

var (
	showLimit   int
	showSignals bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent webhook notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			Signals: showSignals,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "List the chains used for block anchoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Chains()
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of notifications to display")
	showCmd.Flags().BoolVar(&showSignals, "signals", false, "Also list configured signals")
}
