package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"flare-signals/internal/alerting"
	"flare-signals/internal/signal"
)

// SimulateWebhook sends a test payload for a signal, or to a bare URL, and prints the delivery result.
// Nothing is persisted.
func (a *App) SimulateWebhook(ctx context.Context, opts SimulateOptions) error {
	var sig signal.Signal
	switch {
	case opts.SignalID != "":
		loaded, err := a.loadSignal(ctx, opts.SignalID, "")
		if err != nil {
			return err
		}
		sig = loaded
	case opts.URL != "":
		sig = signal.Signal{ID: "test", Name: "Test webhook"}
	default:
		return errors.New("either --signal or --url must be provided")
	}
	if opts.URL != "" {
		sig.WebhookURL = opts.URL
	}
	if sig.WebhookURL == "" {
		return fmt.Errorf("signal %s has no webhook url", sig.ID)
	}

	dispatcher := alerting.NewDispatcher(a.newNotifier(), nil, a.Logger)
	delivery := dispatcher.Test(ctx, sig)

	status := "-"
	if delivery.Status != nil {
		status = fmt.Sprint(*delivery.Status)
	}
	fmt.Fprintf(os.Stdout, "url:       %s\n", sig.WebhookURL)
	fmt.Fprintf(os.Stdout, "success:   %t\n", delivery.Success)
	fmt.Fprintf(os.Stdout, "status:    %s\n", status)
	fmt.Fprintf(os.Stdout, "duration:  %s\n", delivery.Duration)
	if delivery.Err != "" {
		fmt.Fprintf(os.Stdout, "error:     %s\n", sanitizeInline(delivery.Err))
	}

	if !delivery.Success {
		return errors.New("webhook delivery failed")
	}
	return nil
}
