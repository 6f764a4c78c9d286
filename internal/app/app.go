package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"flare-signals/internal/alerting"
	"flare-signals/internal/chain"
	"flare-signals/internal/config"
	"flare-signals/internal/datasource"
	"flare-signals/internal/engine"
	"flare-signals/internal/logging"
	"flare-signals/internal/metrics"
	"flare-signals/internal/queue"
	"flare-signals/internal/scheduler"
	"flare-signals/internal/service"
	"flare-signals/internal/signal"
	"flare-signals/internal/storage"
	"flare-signals/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
// Logger is the base logger handed to components; each tags its own name.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	log    zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger, log: logging.Component(logger, "app")}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("configuration: %w", storage.ErrDSNRequired)
	}
	return store, closeStore, nil
}

func (a *App) newSource(m *metrics.Metrics) (*datasource.Envio, error) {
	cfg := a.Config.Datasource
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	source, err := datasource.NewEnvio(datasource.EnvioOptions{
		Endpoint:          cfg.Endpoint,
		EventPrefix:       cfg.EventPrefix,
		Timeout:           cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		UserAgent:         userAgent,
		Metrics:           m,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	return source, nil
}

func (a *App) newRegistry() *chain.Registry {
	registry := chain.DefaultRegistry()
	for _, c := range a.Config.Chains.Registry {
		registry.Register(chain.Chain{
			ID:               c.ID,
			Name:             c.Name,
			AvgBlockTime:     c.AvgBlockTime,
			GenesisTimestamp: c.GenesisTimestamp,
			RPCEndpoints:     c.RPCEndpoints,
		})
	}
	return registry
}

// newResolver returns the anchor resolver and a cleanup for any RPC clients it dialled.
func (a *App) newResolver(m *metrics.Metrics) (*chain.Resolver, func(), error) {
	opts := chain.ResolverOptions{
		CacheSize: a.Config.Chains.CacheSize,
		Metrics:   m,
	}
	cleanup := func() {}
	if a.Config.Chains.RPCRefine {
		locator := chain.NewRPCLocator(a.Config.Chains.RPCTimeout, a.Logger)
		opts.Locator = locator
		cleanup = locator.Close
	}
	resolver, err := chain.NewResolver(a.newRegistry(), opts, a.Logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return resolver, cleanup, nil
}

// evaluatorFactory shares one data source and resolver between evaluators with different clocks.
type evaluatorFactory struct {
	source   *datasource.Envio
	resolver *chain.Resolver
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func (f *evaluatorFactory) build(opts ...engine.Option) *engine.Evaluator {
	opts = append(opts, engine.WithMetrics(f.metrics))
	return engine.NewEvaluator(f.source, f.resolver, f.logger, opts...)
}

func (a *App) newEvaluatorFactory(m *metrics.Metrics) (*evaluatorFactory, func(), error) {
	source, err := a.newSource(m)
	if err != nil {
		return nil, nil, err
	}
	resolver, cleanup, err := a.newResolver(m)
	if err != nil {
		return nil, nil, err
	}
	return &evaluatorFactory{source: source, resolver: resolver, metrics: m, logger: a.Logger}, cleanup, nil
}

func (a *App) newEvaluator(m *metrics.Metrics, opts ...engine.Option) (*engine.Evaluator, func(), error) {
	factory, cleanup, err := a.newEvaluatorFactory(m)
	if err != nil {
		return nil, nil, err
	}
	return factory.build(opts...), cleanup, nil
}

// loadSignal reads a stored signal, or builds a transient one from a definition document on disk.
func (a *App) loadSignal(ctx context.Context, id, definitionPath string) (signal.Signal, error) {
	if definitionPath != "" {
		data, err := os.ReadFile(definitionPath)
		if err != nil {
			return signal.Signal{}, fmt.Errorf("read definition: %w", err)
		}
		def, err := signal.DecodeDefinition(data)
		if err != nil {
			return signal.Signal{}, err
		}
		name := id
		if name == "" {
			name = filepath.Base(definitionPath)
		}
		return signal.Signal{
			ID:              name,
			Name:            name,
			Chains:          def.Chains,
			Window:          def.Window,
			Condition:       def.Condition,
			CooldownMinutes: signal.DefaultCooldownMinutes,
			IsActive:        true,
		}, nil
	}
	if id == "" {
		return signal.Signal{}, errors.New("either --signal or --definition must be provided")
	}

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return signal.Signal{}, err
	}
	defer closeStore()
	return store.GetSignal(ctx, id)
}

func (a *App) newNotifier() *alerting.WebhookNotifier {
	return alerting.NewWebhookNotifier(a.Config.Webhook.Secret, a.Config.Webhook.Timeout, a.Logger)
}

func (a *App) newQueue(store *storage.Store) (queue.Queue, error) {
	opts := queue.Options{
		MaxAttempts:       a.Config.Worker.MaxAttempts,
		RetryBackoff:      a.Config.Worker.RetryBackoff,
		VisibilityTimeout: a.Config.Worker.VisibilityTimeout,
	}
	switch a.Config.Worker.Queue {
	case "memory":
		a.log.Warn().Msg("using in-memory task queue; pending tasks are lost on restart")
		return queue.NewMemoryQueue(opts), nil
	case "postgres":
		return queue.NewPostgresQueue(store.Pool(), opts), nil
	default:
		return nil, fmt.Errorf("unknown worker.queue %q", a.Config.Worker.Queue)
	}
}

// Run executes the long-running evaluation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := ossignal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var m *metrics.Metrics
	if a.Config.Metrics.Enabled {
		m = metrics.New()
	}

	evaluator, closeResolver, err := a.newEvaluator(m)
	if err != nil {
		return err
	}
	defer closeResolver()

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	q, err := a.newQueue(store)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:        a.Config.Scheduler.Interval,
		AlignToInterval: a.Config.Scheduler.AlignToInterval,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
		Immediate:       true,
	}, a.Logger)
	if err != nil {
		return err
	}

	dispatcher := alerting.NewDispatcher(a.newNotifier(), store, a.Logger, alerting.WithMetrics(m))
	processor := service.NewProcessor(store, evaluator, dispatcher, a.Logger)
	pool := service.NewPool(q, processor, service.PoolOptions{
		Concurrency:  a.Config.Worker.Concurrency,
		PollInterval: a.Config.Worker.PollInterval,
		TaskTimeout:  a.Config.Worker.TaskTimeout,
	}, m, a.Logger)

	svc := service.New(service.Deps{
		Scheduler: sched,
		Queue:     q,
		Signals:   store,
		Pool:      pool,
		Locker:    store,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
		Metrics:   m,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	if m != nil {
		handler := metrics.NewRouter(m, store.Ping)
		g.Go(func() error {
			return metrics.Serve(gctx, a.Config.Metrics.Listen, handler, a.Logger)
		})
	}
	g.Go(func() error {
		return svc.Run(gctx)
	})

	a.log.Info().
		Str("version", version.Version).
		Dur("interval", a.Config.Scheduler.Interval).
		Int("workers", a.Config.Worker.Concurrency).
		Str("queue", a.Config.Worker.Queue).
		Msg("starting signal service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.log.Info().Msg("signal service stopped")
	return nil
}

// Migrate applies the database schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.log.Info().Msg("schema applied")
	return nil
}

// ExportOptions hold parameters for exporting notification history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	Signals bool
}

// EvaluateOptions configure a one-off dry-run evaluation.
type EvaluateOptions struct {
	SignalID string
	// DefinitionPath evaluates a definition document from disk instead of a stored signal.
	DefinitionPath string
	At             *time.Time
}

// BacktestOptions configure a historical replay of one signal.
type BacktestOptions struct {
	SignalID       string
	DefinitionPath string
	From           time.Time
	To             time.Time
	Step           time.Duration
	Workers        int
}

// SimulateOptions configure a test webhook delivery.
type SimulateOptions struct {
	SignalID string
	URL      string
}
