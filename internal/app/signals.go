package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"flare-signals/internal/signal"
	"flare-signals/internal/storage"
)

// ImportOptions describe a signal created or replaced from a definition document.
type ImportOptions struct {
	SignalID        string
	Name            string
	Description     string
	DefinitionPath  string
	WebhookURL      string
	CooldownMinutes int
	Inactive        bool
}

// ImportSignal upserts a signal from a definition file. Cooldown and evaluation timestamps of an
// existing signal are kept.
func (a *App) ImportSignal(ctx context.Context, opts ImportOptions) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sig, err := a.importSignal(ctx, store, opts)
	if err != nil {
		return err
	}
	a.log.Info().
		Str("signal_id", sig.ID).
		Bool("active", sig.IsActive).
		Int("cooldown_minutes", sig.CooldownMinutes).
		Msg("signal imported")
	return nil
}

func (a *App) importSignal(ctx context.Context, w storage.SignalWriter, opts ImportOptions) (signal.Signal, error) {
	if opts.SignalID == "" {
		return signal.Signal{}, errors.New("--id is required")
	}
	if opts.DefinitionPath == "" {
		return signal.Signal{}, errors.New("--definition is required")
	}
	if opts.CooldownMinutes < 0 {
		return signal.Signal{}, errors.New("--cooldown must not be negative")
	}
	target, err := url.Parse(opts.WebhookURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return signal.Signal{}, fmt.Errorf("invalid --webhook-url %q", opts.WebhookURL)
	}

	sig, err := a.loadSignal(ctx, opts.SignalID, opts.DefinitionPath)
	if err != nil {
		return signal.Signal{}, err
	}
	if opts.Name != "" {
		sig.Name = opts.Name
	}
	sig.Description = opts.Description
	sig.WebhookURL = opts.WebhookURL
	sig.CooldownMinutes = opts.CooldownMinutes
	sig.IsActive = !opts.Inactive

	if err := w.UpsertSignal(ctx, sig); err != nil {
		return signal.Signal{}, fmt.Errorf("store signal %s: %w", sig.ID, err)
	}
	return sig, nil
}
