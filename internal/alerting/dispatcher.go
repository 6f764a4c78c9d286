package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"flare-signals/internal/logging"
	"flare-signals/internal/metrics"
	"flare-signals/internal/signal"
)

// Outcome is the cooldown gate's decision for one evaluation.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeCooldown  Outcome = "cooldown"
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// Recorder persists the side effects of a dispatch.
type Recorder interface {
	MarkTriggered(ctx context.Context, signalID string, at time.Time) error
	InsertNotification(ctx context.Context, rec signal.NotificationRecord) error
}

// Dispatcher decides whether a triggered signal notifies and records the attempt.
type Dispatcher struct {
	notifier Notifier
	recorder Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   zerolog.Logger
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the clock used for cooldown checks.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher wires a notifier and the store it records into.
func NewDispatcher(notifier Notifier, recorder Recorder, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifier: notifier,
		recorder: recorder,
		now:      time.Now,
		logger:   logging.Component(logger, "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InCooldown reports whether sig fired too recently to fire again at now.
// A signal that never fired is treated as last firing at the epoch.
func InCooldown(sig signal.Signal, now time.Time) bool {
	last := time.Unix(0, 0)
	if sig.LastTriggeredAt != nil {
		last = *sig.LastTriggeredAt
	}
	return now.Sub(last) <= sig.Cooldown()
}

// Handle applies the cooldown gate to result and delivers the webhook when it passes.
// last_triggered_at advances even when delivery fails. Only persistence errors are returned.
func (d *Dispatcher) Handle(ctx context.Context, sig signal.Signal, result signal.EvaluationResult) (Outcome, error) {
	if !result.Triggered {
		d.metrics.ObserveDispatch(string(OutcomeIdle))
		return OutcomeIdle, nil
	}

	now := d.now()
	if InCooldown(sig, now) {
		d.logger.Info().Str("signal_id", sig.ID).Msg("signal triggered but in cooldown")
		d.metrics.ObserveDispatch(string(OutcomeCooldown))
		return OutcomeCooldown, nil
	}

	payload := BuildPayload(sig, result)
	delivery := d.notifier.Send(ctx, sig.WebhookURL, payload)
	d.metrics.ObserveWebhook(delivery.Duration)

	var markErr, insertErr error
	if err := d.recorder.MarkTriggered(ctx, sig.ID, now); err != nil {
		markErr = fmt.Errorf("mark signal %s triggered: %w", sig.ID, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Join(markErr, fmt.Errorf("marshal notification payload: %w", err))
	}
	rec := signal.NotificationRecord{
		SignalID:      sig.ID,
		TriggeredAt:   now,
		Payload:       body,
		WebhookStatus: delivery.Status,
		DurationMs:    delivery.Duration.Milliseconds(),
	}
	if !delivery.Success {
		msg := delivery.Err
		rec.Error = &msg
	}
	// the webhook already went out, so the audit record is written even when the cooldown update failed
	if err := d.recorder.InsertNotification(ctx, rec); err != nil {
		insertErr = fmt.Errorf("record notification for %s: %w", sig.ID, err)
	}
	if err := errors.Join(markErr, insertErr); err != nil {
		return "", err
	}

	outcome := OutcomeDelivered
	if !delivery.Success {
		outcome = OutcomeFailed
	}
	d.metrics.ObserveDispatch(string(outcome))
	return outcome, nil
}

// Test sends a sample payload for sig without touching its cooldown or the audit log.
func (d *Dispatcher) Test(ctx context.Context, sig signal.Signal) Delivery {
	payload := BuildPayload(sig, signal.EvaluationResult{
		SignalID:  sig.ID,
		Triggered: true,
		Timestamp: d.now(),
	})
	payload.Context["test"] = true
	return d.notifier.Send(ctx, sig.WebhookURL, payload)
}

// BuildPayload renders the webhook body for a triggered evaluation.
func BuildPayload(sig signal.Signal, result signal.EvaluationResult) signal.WebhookPayload {
	scope := sig.Chains
	if scope == nil {
		scope = []int64{}
	}
	return signal.WebhookPayload{
		SignalID:      sig.ID,
		SignalName:    sig.Name,
		TriggeredAt:   result.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Scope:         scope,
		ConditionsMet: []any{},
		Context:       map[string]any{},
	}
}
