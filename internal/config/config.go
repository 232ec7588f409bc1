package config

import (
	"time"
)

// Config is the complete parkcache configuration.
type Config struct {
	Redis        RedisConfig               `yaml:"redis"`
	Cache        CacheConfig               `yaml:"cache"`
	Strategies   map[string]StrategyConfig `yaml:"strategies"` // keyed by namespace name
	Facade       FacadeConfig              `yaml:"facade"`
	Invalidation InvalidationConfig        `yaml:"invalidation"`
	WriteBehind  WriteBehindConfig         `yaml:"write_behind"`
	Warming      WarmingConfig             `yaml:"warming"`
	Admin        AdminConfig               `yaml:"admin"`
	Logging      LoggingConfig             `yaml:"logging"`
}

// RedisConfig defines the backing store connection.
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"` // e.g. "pk:"
}

// CacheConfig defines engine-level behavior.
type CacheConfig struct {
	Backend        string        `yaml:"backend"` // "redis" or "memory"
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	OpTimeout      time.Duration `yaml:"op_timeout"`      // per-store-call timeout
	MemoryMaxKeys  int           `yaml:"memory_max_keys"` // memory backend only
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig defines circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// FacadeConfig defines how domain reads use the cache.
type FacadeConfig struct {
	UseCache bool `yaml:"use_cache"` // false degrades every read to the system of record
	Fallback bool `yaml:"fallback"`  // on cache-path errors, fall back to the loader
}

// StrategyConfig defines per-namespace caching behavior.
type StrategyConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	Priority     string        `yaml:"priority"` // low, medium, high, critical
	WriteThrough bool          `yaml:"write_through"`
	RefreshAhead bool          `yaml:"refresh_ahead"`
	Tags         []string      `yaml:"tags"`
}

// CascadeRule declares patterns to also invalidate when a pattern is invalidated.
type CascadeRule struct {
	Pattern     string   `yaml:"pattern"`
	Invalidates []string `yaml:"invalidates"`
}

// InvalidationConfig defines cascade rules and recursion limits.
type InvalidationConfig struct {
	MaxCascadeDepth int           `yaml:"max_cascade_depth"`
	Cascades        []CascadeRule `yaml:"cascades"`
}

// WriteBehindConfig defines the deferred-persistence queue.
type WriteBehindConfig struct {
	Capacity       int           `yaml:"capacity"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// WarmingConfig defines background refresh scanning.
type WarmingConfig struct {
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	RefreshThreshold float64       `yaml:"refresh_threshold"` // fraction of TTL, e.g. 0.9
}

// AdminConfig defines the operator HTTP surface.
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
}

// LoggingConfig defines structured logging output.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	File     string            `yaml:"file"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Address:     "localhost:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
			KeyPrefix:   "pk:",
		},
		Cache: CacheConfig{
			Backend:       "redis",
			DefaultTTL:    5 * time.Minute,
			OpTimeout:     500 * time.Millisecond,
			MemoryMaxKeys: 10000,
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 10,
				Cooldown:         60 * time.Second,
			},
		},
		Facade: FacadeConfig{
			UseCache: true,
			Fallback: true,
		},
		Invalidation: InvalidationConfig{
			MaxCascadeDepth: 5,
		},
		WriteBehind: WriteBehindConfig{
			Capacity:       10000,
			BatchSize:      100,
			FlushInterval:  5 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Warming: WarmingConfig{
			RefreshInterval:  30 * time.Second,
			RefreshThreshold: 0.9,
		},
		Admin: AdminConfig{
			Enabled:     true,
			Address:     ":9090",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
