package cli

import (
	"github.com/spf13/cobra"

	"flare-signals/internal/app"
	"flare-signals/internal/signal"
)

var (
	importID          string
	importName        string
	importDescription string
	importDefinition  string
	importWebhookURL  string
	importCooldown    int
	importInactive    bool
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Manage stored signals",
}

var signalsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Create or replace a signal from a definition JSON document",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ImportSignal(cmd.Context(), app.ImportOptions{
			SignalID:        importID,
			Name:            importName,
			Description:     importDescription,
			DefinitionPath:  importDefinition,
			WebhookURL:      importWebhookURL,
			CooldownMinutes: importCooldown,
			Inactive:        importInactive,
		})
	},
}

func init() {
	signalsImportCmd.Flags().StringVar(&importID, "id", "", "Signal id")
	signalsImportCmd.Flags().StringVar(&importName, "name", "", "Display name (defaults to the id)")
	signalsImportCmd.Flags().StringVar(&importDescription, "description", "", "Free-form description")
	signalsImportCmd.Flags().StringVar(&importDefinition, "definition", "", "Path to a signal definition JSON document")
	signalsImportCmd.Flags().StringVar(&importWebhookURL, "webhook-url", "", "Webhook that receives notifications")
	signalsImportCmd.Flags().IntVar(&importCooldown, "cooldown", signal.DefaultCooldownMinutes, "Minutes between notifications")
	signalsImportCmd.Flags().BoolVar(&importInactive, "inactive", false, "Store the signal without scheduling it")

	signalsCmd.AddCommand(signalsImportCmd)
}
