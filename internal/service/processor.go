package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"flare-signals/internal/alerting"
	"flare-signals/internal/logging"
	"flare-signals/internal/signal"
	"flare-signals/internal/storage"
)

// Evaluator checks one signal.
type Evaluator interface {
	Evaluate(ctx context.Context, sig signal.Signal) (signal.EvaluationResult, error)
}

// Gate applies the cooldown and delivers notifications.
type Gate interface {
	Handle(ctx context.Context, sig signal.Signal, result signal.EvaluationResult) (alerting.Outcome, error)
}

// Processor runs the evaluate, gate, record sequence for one signal id.
type Processor struct {
	signals   storage.SignalStore
	evaluator Evaluator
	gate      Gate
	now       func() time.Time
	logger    zerolog.Logger
}

// NewProcessor wires a processor.
func NewProcessor(signals storage.SignalStore, evaluator Evaluator, gate Gate, logger zerolog.Logger) *Processor {
	return &Processor{
		signals:   signals,
		evaluator: evaluator,
		gate:      gate,
		now:       time.Now,
		logger:    logging.Component(logger, "processor"),
	}
}

// Process evaluates signalID. Missing and inactive signals are skipped without error.
// Any other failure is returned so the queue can retry the task.
func (p *Processor) Process(ctx context.Context, signalID string) error {
	sig, err := p.signals.GetSignal(ctx, signalID)
	if errors.Is(err, storage.ErrSignalNotFound) {
		p.logger.Debug().Str("signal_id", signalID).Msg("signal no longer exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load signal %s: %w", signalID, err)
	}
	if !sig.IsActive {
		p.logger.Debug().Str("signal_id", signalID).Msg("signal inactive")
		return nil
	}

	result, err := p.evaluator.Evaluate(ctx, sig)
	if err != nil {
		return err
	}

	outcome, err := p.gate.Handle(ctx, sig, result)
	if err != nil {
		return err
	}

	if err := p.signals.MarkEvaluated(ctx, sig.ID, p.now()); err != nil {
		return fmt.Errorf("mark signal %s evaluated: %w", sig.ID, err)
	}

	p.logger.Info().
		Str("signal_id", sig.ID).
		Bool("triggered", result.Triggered).
		Str("outcome", string(outcome)).
		Msg("signal processed")
	return nil
}
