package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"flare-signals/internal/logging"
	"flare-signals/internal/metrics"
	"flare-signals/internal/queue"
)

// TaskProcessor handles one dequeued signal id.
type TaskProcessor interface {
	Process(ctx context.Context, signalID string) error
}

// PoolOptions sizes the worker pool.
type PoolOptions struct {
	Concurrency  int
	PollInterval time.Duration
	TaskTimeout  time.Duration
}

// Pool runs Concurrency workers that drain the queue.
type Pool struct {
	queue     queue.Queue
	processor TaskProcessor
	opts      PoolOptions
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewPool builds a worker pool.
func NewPool(q queue.Queue, processor TaskProcessor, opts PoolOptions, m *metrics.Metrics, logger zerolog.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Minute
	}
	return &Pool{
		queue:     q,
		processor: processor,
		opts:      opts,
		metrics:   m,
		logger:    logging.Component(logger, "worker_pool"),
	}
}

// Run blocks until ctx is cancelled and every worker has finished its current task.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.work(gctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	logger := p.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.queue.Dequeue(ctx)
		switch {
		case err == nil:
			p.handle(ctx, task, logger)
			continue
		case errors.Is(err, queue.ErrEmpty):
		case ctx.Err() != nil:
			return
		default:
			logger.Error().Err(err).Msg("dequeue failed")
		}

		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Pool) handle(ctx context.Context, task queue.Task, logger zerolog.Logger) {
	taskCtx, cancel := context.WithTimeout(ctx, p.opts.TaskTimeout)
	err := p.processor.Process(taskCtx, task.SignalID)
	cancel()
	p.metrics.TaskProcessed(err)

	// ctx may already be cancelled on shutdown
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer settleCancel()

	if err == nil {
		if ackErr := p.queue.Ack(settleCtx, task); ackErr != nil {
			logger.Error().Err(ackErr).Str("task_id", task.ID.String()).Msg("ack failed")
		}
		return
	}

	event := logger.Warn()
	nackErr := p.queue.Nack(settleCtx, task, err)
	if errors.Is(nackErr, queue.ErrAttemptsExhausted) {
		event = logger.Error()
	} else if nackErr != nil {
		logger.Error().Err(nackErr).Str("task_id", task.ID.String()).Msg("nack failed")
	}
	event.Err(err).
		Str("task_id", task.ID.String()).
		Str("signal_id", task.SignalID).
		Int("attempt", task.Attempt).
		Bool("dropped", errors.Is(nackErr, queue.ErrAttemptsExhausted)).
		Msg("task failed")
}
