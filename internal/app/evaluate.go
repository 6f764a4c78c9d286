package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"flare-signals/internal/alerting"
	"flare-signals/internal/engine"
	"flare-signals/internal/signal"
)

// Evaluate runs one dry-run check of a signal without touching cooldown state or sending webhooks.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	sig, err := a.loadSignal(ctx, opts.SignalID, opts.DefinitionPath)
	if err != nil {
		return err
	}

	var evalOpts []engine.Option
	if opts.At != nil {
		at := opts.At.UTC()
		evalOpts = append(evalOpts, engine.WithClock(func() time.Time { return at }), engine.WithPinnedNow())
	}

	evaluator, cleanup, err := a.newEvaluator(nil, evalOpts...)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := evaluator.Evaluate(ctx, sig)
	if err != nil {
		return err
	}

	writeEvaluation(os.Stdout, sig, result)
	return nil
}

func writeEvaluation(out io.Writer, sig signal.Signal, result signal.EvaluationResult) {
	fmt.Fprintf(out, "signal:     %s (%s)\n", sig.ID, sanitizeInline(sig.Name))
	fmt.Fprintf(out, "evaluated:  %s\n", result.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "window:     %s\n", engine.ParseWindow(sig.Window.Duration))
	fmt.Fprintf(out, "triggered:  %t\n", result.Triggered)
	if result.Triggered {
		fmt.Fprintf(out, "cooldown:   %t\n", alerting.InCooldown(sig, result.Timestamp))
	}
}
