package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"flare-signals/internal/alerting"
	"flare-signals/internal/engine"
	"flare-signals/internal/signal"
)

const defaultBacktestWorkers = 4

// BacktestPoint is the replayed outcome at one historical instant.
type BacktestPoint struct {
	At        time.Time
	Triggered bool
	Notify    bool
	Err       error
}

// Backtest replays a signal over [From, To) every Step and reports when it would have notified.
func (a *App) Backtest(ctx context.Context, opts BacktestOptions) error {
	if opts.Step <= 0 {
		opts.Step = a.Config.Scheduler.Interval
	}
	if !opts.From.Before(opts.To) {
		return errors.New("from must be before to")
	}

	sig, err := a.loadSignal(ctx, opts.SignalID, opts.DefinitionPath)
	if err != nil {
		return err
	}

	factory, cleanup, err := a.newEvaluatorFactory(nil)
	if err != nil {
		return err
	}
	defer cleanup()

	ticks := backtestTicks(opts.From.UTC(), opts.To.UTC(), opts.Step)
	a.log.Info().
		Str("signal_id", sig.ID).
		Time("from", opts.From).
		Time("to", opts.To).
		Dur("step", opts.Step).
		Int("points", len(ticks)).
		Msg("starting backtest")

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultBacktestWorkers
	}

	points := make([]BacktestPoint, len(ticks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, tick := range ticks {
		i, tick := i, tick
		g.Go(func() error {
			evaluator := factory.build(engine.WithClock(func() time.Time { return tick }), engine.WithPinnedNow())
			result, err := evaluator.Evaluate(gctx, sig)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			points[i] = BacktestPoint{At: tick, Triggered: result.Triggered, Err: err}
			if err != nil {
				a.log.Warn().Err(err).Time("at", tick).Msg("backtest evaluation failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	applyCooldown(sig, points)
	writeBacktest(os.Stdout, points)
	return nil
}

func backtestTicks(from, to time.Time, step time.Duration) []time.Time {
	var ticks []time.Time
	for t := from; t.Before(to); t = t.Add(step) {
		ticks = append(ticks, t)
	}
	return ticks
}

// applyCooldown walks points in time order and marks the ones that would have sent a webhook.
// Every notification advances the simulated cooldown, as a live dispatch would.
func applyCooldown(sig signal.Signal, points []BacktestPoint) {
	sim := sig
	sim.LastTriggeredAt = nil
	for i := range points {
		if !points[i].Triggered || points[i].Err != nil {
			continue
		}
		if alerting.InCooldown(sim, points[i].At) {
			continue
		}
		points[i].Notify = true
		at := points[i].At
		sim.LastTriggeredAt = &at
	}
}

func writeBacktest(out io.Writer, points []BacktestPoint) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTriggered\tNotify\tError")

	var triggered, notified, failed int
	for _, p := range points {
		errMsg := ""
		if p.Err != nil {
			errMsg = sanitizeInline(p.Err.Error())
			failed++
		}
		if p.Triggered {
			triggered++
		}
		if p.Notify {
			notified++
		}
		fmt.Fprintf(writer, "%s\t%t\t%t\t%s\n", p.At.Format(time.RFC3339), p.Triggered, p.Notify, errMsg)
	}
	writer.Flush()

	fmt.Fprintf(out, "\n%d points, %d triggered, %d notifications, %d errors\n", len(points), triggered, notified, failed)
}
