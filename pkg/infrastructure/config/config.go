package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation failure so callers can
// detect configuration problems with errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all engine configuration
type Config struct {
	// Worker pool
	Pool PoolConfig `mapstructure:"pool"`

	// Adaptive cache
	Cache CacheConfig `mapstructure:"cache"`

	// Batch coordinator
	Batch BatchConfig `mapstructure:"batch"`

	// Metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `mapstructure:"logging"`
}

// PoolConfig holds worker pool settings
type PoolConfig struct {
	// Size is the number of workers. Zero derives it from the CPU count,
	// clamped to [1,16].
	Size int `mapstructure:"size"`

	// MaxQueueSize bounds the pending task queue.
	MaxQueueSize int `mapstructure:"max_queue_size"`

	// TaskTimeout is the default per-task deadline.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// CacheConfig holds adaptive cache settings
type CacheConfig struct {
	// MaxBytes is the byte budget for cached values.
	MaxBytes int64 `mapstructure:"max_bytes"`

	// MaxItems bounds the number of entries. Also the ARC list capacity.
	MaxItems int `mapstructure:"max_items"`

	// Strategy selects the eviction policy: lru, lfu, ttl or arc.
	Strategy string `mapstructure:"strategy"`

	// DefaultTTL applies to entries stored without an explicit TTL.
	// Zero disables expiry for those entries.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`

	// SweepInterval controls the proactive expiry sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// Persistence mirrors entries to disk when enabled.
	Persist          bool          `mapstructure:"persist"`
	PersistPath      string        `mapstructure:"persist_path"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// BatchConfig holds batch coordinator settings
type BatchConfig struct {
	// MaxConcurrency is the dispatch ceiling.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// MaxQueueSize bounds the submission queue.
	MaxQueueSize int `mapstructure:"max_queue_size"`

	// MaxRetries is the default retry budget per job.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryBaseDelay seeds the exponential backoff; RetryMaxDelay caps it.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`

	// JobTimeout is the default per-job deadline.
	JobTimeout time.Duration `mapstructure:"job_timeout"`

	// DependencyTracking enables the dependency graph. When disabled,
	// declared dependencies are ignored and every job is eligible.
	DependencyTracking bool `mapstructure:"dependency_tracking"`
}

// MetricsConfig holds Prometheus endpoint settings
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// ValidStrategies lists the recognized cache eviction strategies.
var ValidStrategies = []string{"lru", "lfu", "ttl", "arc"}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Size:         defaultPoolSize(),
			MaxQueueSize: 256,
			TaskTimeout:  30 * time.Second,
		},
		Cache: CacheConfig{
			MaxBytes:         64 * 1024 * 1024,
			MaxItems:         4096,
			Strategy:         "lru",
			DefaultTTL:       0,
			SweepInterval:    time.Minute,
			Persist:          false,
			PersistPath:      "",
			SnapshotInterval: 5 * time.Minute,
		},
		Batch: BatchConfig{
			MaxConcurrency:     4,
			MaxQueueSize:       1024,
			MaxRetries:         3,
			RetryBaseDelay:     100 * time.Millisecond,
			RetryMaxDelay:      30 * time.Second,
			JobTimeout:         60 * time.Second,
			DependencyTracking: true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9091",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// defaultPoolSize derives the worker count from available parallelism,
// clamped to [1,16].
func defaultPoolSize() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	return n
}

// Load reads configuration from the given file (yaml or json), applying
// defaults first and CSSFORGE_* environment overrides last. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CSSFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("pool.size", def.Pool.Size)
	v.SetDefault("pool.max_queue_size", def.Pool.MaxQueueSize)
	v.SetDefault("pool.task_timeout", def.Pool.TaskTimeout)

	v.SetDefault("cache.max_bytes", def.Cache.MaxBytes)
	v.SetDefault("cache.max_items", def.Cache.MaxItems)
	v.SetDefault("cache.strategy", def.Cache.Strategy)
	v.SetDefault("cache.default_ttl", def.Cache.DefaultTTL)
	v.SetDefault("cache.sweep_interval", def.Cache.SweepInterval)
	v.SetDefault("cache.persist", def.Cache.Persist)
	v.SetDefault("cache.persist_path", def.Cache.PersistPath)
	v.SetDefault("cache.snapshot_interval", def.Cache.SnapshotInterval)

	v.SetDefault("batch.max_concurrency", def.Batch.MaxConcurrency)
	v.SetDefault("batch.max_queue_size", def.Batch.MaxQueueSize)
	v.SetDefault("batch.max_retries", def.Batch.MaxRetries)
	v.SetDefault("batch.retry_base_delay", def.Batch.RetryBaseDelay)
	v.SetDefault("batch.retry_max_delay", def.Batch.RetryMaxDelay)
	v.SetDefault("batch.job_timeout", def.Batch.JobTimeout)
	v.SetDefault("batch.dependency_tracking", def.Batch.DependencyTracking)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.listen_address", def.Metrics.ListenAddress)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
}

// Validate checks the configuration for contradictions. Every failure wraps
// ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Pool.Size < 0 {
		return fmt.Errorf("%w: pool.size must not be negative", ErrInvalidConfig)
	}
	if c.Pool.Size > 16 {
		return fmt.Errorf("%w: pool.size must not exceed 16", ErrInvalidConfig)
	}
	if c.Pool.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: pool.max_queue_size must be positive", ErrInvalidConfig)
	}
	if c.Pool.TaskTimeout <= 0 {
		return fmt.Errorf("%w: pool.task_timeout must be positive", ErrInvalidConfig)
	}

	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("%w: cache.max_bytes must be positive", ErrInvalidConfig)
	}
	if c.Cache.MaxItems <= 0 {
		return fmt.Errorf("%w: cache.max_items must be positive", ErrInvalidConfig)
	}
	if !validStrategy(c.Cache.Strategy) {
		return fmt.Errorf("%w: cache.strategy %q is not one of %s",
			ErrInvalidConfig, c.Cache.Strategy, strings.Join(ValidStrategies, ", "))
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("%w: cache.sweep_interval must be positive", ErrInvalidConfig)
	}
	if c.Cache.Persist && c.Cache.PersistPath == "" {
		return fmt.Errorf("%w: cache.persist_path is required when persistence is enabled", ErrInvalidConfig)
	}
	if c.Cache.Persist && c.Cache.SnapshotInterval <= 0 {
		return fmt.Errorf("%w: cache.snapshot_interval must be positive", ErrInvalidConfig)
	}

	if c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: batch.max_concurrency must be positive", ErrInvalidConfig)
	}
	if c.Batch.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: batch.max_queue_size must be positive", ErrInvalidConfig)
	}
	if c.Batch.MaxRetries < 0 {
		return fmt.Errorf("%w: batch.max_retries must not be negative", ErrInvalidConfig)
	}
	if c.Batch.RetryBaseDelay <= 0 {
		return fmt.Errorf("%w: batch.retry_base_delay must be positive", ErrInvalidConfig)
	}
	if c.Batch.RetryMaxDelay < c.Batch.RetryBaseDelay {
		return fmt.Errorf("%w: batch.retry_max_delay must not be below retry_base_delay", ErrInvalidConfig)
	}
	if c.Batch.JobTimeout <= 0 {
		return fmt.Errorf("%w: batch.job_timeout must be positive", ErrInvalidConfig)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := parseFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

func validStrategy(name string) bool {
	for _, s := range ValidStrategies {
		if s == strings.ToLower(name) {
			return true
		}
	}
	return false
}

func parseLevel(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return strings.ToLower(level), nil
	default:
		return "", fmt.Errorf("invalid logging level: %s", level)
	}
}

func parseFormat(format string) (string, error) {
	switch strings.ToLower(format) {
	case "text", "json", "":
		return strings.ToLower(format), nil
	default:
		return "", fmt.Errorf("invalid logging format: %s", format)
	}
}
