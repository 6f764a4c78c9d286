package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"flare-signals/internal/logging"
	"flare-signals/internal/metrics"
	"flare-signals/internal/queue"
	"flare-signals/internal/scheduler"
	"flare-signals/internal/storage"
)

// Service enqueues active signals on every tick and runs the worker pool that evaluates them.
type Service struct {
	scheduler *scheduler.Scheduler
	queue     queue.Queue
	signals   storage.SignalStore
	pool      *Pool
	locker    storage.AdvisoryLocker
	lockKey   int64
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Deps collects the collaborators of a Service.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Queue     queue.Queue
	Signals   storage.SignalStore
	Pool      *Pool
	// Locker, when set with a non-zero LockKey, elects one enqueuer across replicas.
	Locker  storage.AdvisoryLocker
	LockKey int64
	Metrics *metrics.Metrics
}

// New constructs the evaluation service.
func New(deps Deps, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: deps.Scheduler,
		queue:     deps.Queue,
		signals:   deps.Signals,
		pool:      deps.Pool,
		locker:    deps.Locker,
		lockKey:   deps.LockKey,
		metrics:   deps.Metrics,
		logger:    logging.Component(logger, "service"),
	}
}

// Run starts the scheduler and the worker pool and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.pool == nil {
		return fmt.Errorf("worker pool not configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Run(gctx, func(ctx context.Context, tick time.Time) error {
			_, err := s.EnqueueActive(ctx, tick)
			return err
		})
	})
	g.Go(func() error {
		return s.pool.Run(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// EnqueueActive hands one task per active signal to the queue and returns how many were added.
// When another replica holds the advisory lock the tick is skipped.
func (s *Service) EnqueueActive(ctx context.Context, tick time.Time) (int, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return 0, nil
	}
	if unlock != nil {
		defer unlock()
	}

	ids, err := s.signals.ListActiveSignalIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active signals: %w", err)
	}
	if len(ids) == 0 {
		s.logger.Debug().Time("tick", tick).Msg("no active signals")
		return 0, nil
	}

	added, err := s.queue.Enqueue(ctx, ids...)
	if err != nil {
		return added, fmt.Errorf("enqueue signals: %w", err)
	}
	s.metrics.TasksEnqueued(added)

	s.logger.Info().
		Time("tick", tick).
		Int("active", len(ids)).
		Int("enqueued", added).
		Msg("signals scheduled")
	return added, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
