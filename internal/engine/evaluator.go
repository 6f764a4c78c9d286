package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"flare-signals/internal/datasource"
	"flare-signals/internal/logging"
	"flare-signals/internal/metrics"
	"flare-signals/internal/signal"
)

// AnchorResolver maps a chain and timestamp (unix ms) to a block number.
type AnchorResolver interface {
	Resolve(ctx context.Context, chainID int64, timestampMs int64) (uint64, error)
}

// Evaluator checks a signal's condition over its window.
type Evaluator struct {
	source   datasource.Source
	resolver AnchorResolver
	metrics  *metrics.Metrics
	now      func() time.Time
	pinNow   bool
	logger   zerolog.Logger
}

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the evaluation clock.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithPinnedNow resolves the block at the evaluation clock and reads current snapshots there.
// Use it with WithClock for historical replays; live evaluation reads the chain head.
func WithPinnedNow() Option {
	return func(e *Evaluator) { e.pinNow = true }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator wires the data source and block resolver.
func NewEvaluator(source datasource.Source, resolver AnchorResolver, logger zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		source:   source,
		resolver: resolver,
		now:      time.Now,
		logger:   logging.Component(logger, "evaluator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs one check of sig. The signal itself is not modified.
func (e *Evaluator) Evaluate(ctx context.Context, sig signal.Signal) (signal.EvaluationResult, error) {
	started := time.Now()
	now := e.now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - DurationMillis(sig.Window.Duration)
	chainID := sig.AnchorChain()

	ec := &Context{
		WindowStart: windowStart,
		Now:         nowMs,
		ChainID:     chainID,
		Source:      e.source,
	}

	if signal.NeedsWindowAnchor(sig.Condition.Left) || signal.NeedsWindowAnchor(sig.Condition.Right) {
		block, err := e.resolver.Resolve(ctx, chainID, windowStart)
		if err != nil {
			e.metrics.ObserveEvaluation(false, err, time.Since(started))
			return signal.EvaluationResult{}, fmt.Errorf("resolve window anchor: %w", err)
		}
		ec.AnchorBlock = &block
	}

	if e.pinNow && (signal.ReadsCurrentState(sig.Condition.Left) || signal.ReadsCurrentState(sig.Condition.Right)) {
		block, err := e.resolver.Resolve(ctx, chainID, nowMs)
		if err != nil {
			e.metrics.ObserveEvaluation(false, err, time.Since(started))
			return signal.EvaluationResult{}, fmt.Errorf("resolve current anchor: %w", err)
		}
		ec.NowBlock = &block
	}

	triggered, err := EvaluateCondition(ctx, sig.Condition, ec)
	e.metrics.ObserveEvaluation(triggered, err, time.Since(started))
	if err != nil {
		return signal.EvaluationResult{}, fmt.Errorf("evaluate signal %s: %w", sig.ID, err)
	}

	ev := e.logger.Debug().
		Str("signal_id", sig.ID).
		Int64("chain_id", chainID).
		Int64("window_start", windowStart).
		Bool("triggered", triggered)
	if ec.AnchorBlock != nil {
		ev = ev.Uint64("anchor_block", *ec.AnchorBlock)
	}
	ev.Msg("signal evaluated")

	return signal.EvaluationResult{
		SignalID:  sig.ID,
		Triggered: triggered,
		Timestamp: now,
	}, nil
}
