package cli

import (
	"github.com/spf13/cobra"

	"flare-signals/internal/app"
)

var (
	simulateSignal string
	simulateURL    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-webhook",
	Short: "Send a signed test payload to a webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateWebhook(cmd.Context(), app.SimulateOptions{
			SignalID: simulateSignal,
			URL:      simulateURL,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSignal, "signal", "", "Stored signal whose webhook receives the test")
	simulateCmd.Flags().StringVar(&simulateURL, "url", "", "Webhook URL (overrides the signal's)")
}
