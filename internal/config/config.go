package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"flare-signals/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Datasource DatasourceConfig `mapstructure:"datasource"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Chains     ChainsConfig     `mapstructure:"chains"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs how often active signals are enqueued.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToInterval bool          `mapstructure:"align_to_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// WorkerConfig sizes the evaluation pool and its queue.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	// Queue selects the task queue backend: "postgres" or "memory".
	Queue string `mapstructure:"queue"`
}

// DatasourceConfig points at the indexed chain data endpoint.
type DatasourceConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	EventPrefix       string        `mapstructure:"event_prefix"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// WebhookConfig controls notification delivery.
type WebhookConfig struct {
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ChainsConfig tunes block anchoring.
type ChainsConfig struct {
	RPCRefine  bool          `mapstructure:"rpc_refine"`
	CacheSize  int           `mapstructure:"cache_size"`
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`
	Registry   []ChainConfig `mapstructure:"registry"`
}

// ChainConfig registers or overrides one chain at startup.
type ChainConfig struct {
	ID               int64         `mapstructure:"id"`
	Name             string        `mapstructure:"name"`
	AvgBlockTime     time.Duration `mapstructure:"avg_block_time"`
	GenesisTimestamp int64         `mapstructure:"genesis_timestamp"`
	RPCEndpoints     []string      `mapstructure:"rpc_endpoints"`
}

// MetricsConfig exposes the ops HTTP listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "flare")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_interval", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x666c6172))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.task_timeout", "60s")
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_backoff", "5s")
	v.SetDefault("worker.visibility_timeout", "2m")
	v.SetDefault("worker.queue", "postgres")

	v.SetDefault("datasource.endpoint", "")
	v.SetDefault("datasource.event_prefix", "Morpho_")
	v.SetDefault("datasource.request_timeout", "15s")
	v.SetDefault("datasource.requests_per_second", 20.0)
	v.SetDefault("datasource.user_agent", "")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "10s")

	v.SetDefault("chains.rpc_refine", false)
	v.SetDefault("chains.cache_size", 4096)
	v.SetDefault("chains.rpc_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
// A missing datasource endpoint is checked where the service starts, not here,
// so that read-only commands work without one.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be greater than zero")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be greater than zero")
	}
	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("worker.task_timeout must be greater than zero")
	}
	switch c.Worker.Queue {
	case "postgres", "memory":
	default:
		return fmt.Errorf("worker.queue must be postgres or memory, got %q", c.Worker.Queue)
	}
	if c.Datasource.RequestsPerSecond < 0 {
		return fmt.Errorf("datasource.requests_per_second cannot be negative")
	}
	if c.Chains.CacheSize <= 0 {
		return fmt.Errorf("chains.cache_size must be greater than zero")
	}
	for i, ch := range c.Chains.Registry {
		if ch.ID <= 0 {
			return fmt.Errorf("chains.registry[%d].id must be positive", i)
		}
		if ch.AvgBlockTime <= 0 {
			return fmt.Errorf("chains.registry[%d].avg_block_time must be greater than zero", i)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
