package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TierConfig describes one storage tier
type TierConfig struct {
	Name          string `yaml:"name"`
	Backend       string `yaml:"backend"` // memory | disk | redis
	SpeedRank     int    `yaml:"speed_rank"`
	CapacityBytes int64  `yaml:"capacity_bytes"`
	CacheBearing  bool   `yaml:"cache_bearing"`

	// ARC sizing, used only when cache_bearing is true.
	CacheEntries  int   `yaml:"cache_entries"`
	CacheMaxBytes int64 `yaml:"cache_max_bytes"`

	Memory MemoryBackendConfig `yaml:"memory"`
	Disk   DiskBackendConfig   `yaml:"disk"`
	Redis  RedisBackendConfig  `yaml:"redis"`
}

// MemoryBackendConfig holds BigCache tuning for memory tiers
type MemoryBackendConfig struct {
	LifeWindow  time.Duration `yaml:"life_window"`
	CleanWindow time.Duration `yaml:"clean_window"`
	MaxSizeMB   int           `yaml:"max_size_mb"`
	Shards      int           `yaml:"shards"`
}

// DiskBackendConfig holds Badger settings for disk tiers
type DiskBackendConfig struct {
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// RedisBackendConfig holds client settings for redis tiers
type RedisBackendConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// EngineConfig holds fetch and migration tuning
type EngineConfig struct {
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	HeatDecayPerSecond  float64       `yaml:"heat_decay_per_second"`
	PromotionThreshold  float64       `yaml:"promotion_threshold"`
	DemotionIdle        time.Duration `yaml:"demotion_idle"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	CopyTimeout         time.Duration `yaml:"copy_timeout"`
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	DefaultCacheEntries int           `yaml:"default_cache_entries"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// ReplicationConfig holds the replication factors
type ReplicationConfig struct {
	MinFactor    int           `yaml:"min_factor"`
	TargetFactor int           `yaml:"target_factor"`
	MaxFactor    int           `yaml:"max_factor"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BreakerConfig holds circuit breaker tuning
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
	FailureWindow    time.Duration `yaml:"failure_window"`
}

// IntegrityConfig holds the verification sweep tuning
type IntegrityConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	SampleSize     int           `yaml:"sample_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

// MetadataConfig holds metadata store settings
type MetadataConfig struct {
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
	// RebuildOnStart reconstructs metadata from tier scans when the
	// store opens empty but tiers hold content.
	RebuildOnStart bool `yaml:"rebuild_on_start"`
}

// MetricsConfig holds metrics server settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HealthConfig holds health checker settings
type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the cache engine
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Tiers       []TierConfig      `yaml:"tiers"`
	Replication ReplicationConfig `yaml:"replication"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Integrity   IntegrityConfig   `yaml:"integrity"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Health      HealthConfig      `yaml:"health"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Engine.FetchTimeout == 0 {
		cfg.Engine.FetchTimeout = 10 * time.Second
	}
	if cfg.Engine.HeatDecayPerSecond == 0 {
		cfg.Engine.HeatDecayPerSecond = 0.995
	}
	if cfg.Engine.PromotionThreshold == 0 {
		cfg.Engine.PromotionThreshold = 3
	}
	if cfg.Engine.DemotionIdle == 0 {
		cfg.Engine.DemotionIdle = 30 * time.Minute
	}
	if cfg.Engine.SweepInterval == 0 {
		cfg.Engine.SweepInterval = 5 * time.Minute
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.QueueSize == 0 {
		cfg.Engine.QueueSize = 128
	}
	if cfg.Engine.DefaultCacheEntries == 0 {
		cfg.Engine.DefaultCacheEntries = 4096
	}
	if cfg.Engine.ShutdownTimeout == 0 {
		cfg.Engine.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Engine.CopyTimeout == 0 {
		cfg.Engine.CopyTimeout = 30 * time.Second
	}

	if cfg.Replication.MinFactor == 0 {
		cfg.Replication.MinFactor = 3
	}
	if cfg.Replication.TargetFactor == 0 {
		cfg.Replication.TargetFactor = 4
	}
	if cfg.Replication.MaxFactor == 0 {
		cfg.Replication.MaxFactor = 5
	}
	if cfg.Replication.WriteTimeout == 0 {
		cfg.Replication.WriteTimeout = 30 * time.Second
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 5 * time.Second
	}
	if cfg.Breaker.MaxCooldown == 0 {
		cfg.Breaker.MaxCooldown = 2 * time.Minute
	}
	if cfg.Breaker.FailureWindow == 0 {
		cfg.Breaker.FailureWindow = time.Minute
	}

	if cfg.Integrity.SampleInterval == 0 {
		cfg.Integrity.SampleInterval = 10 * time.Minute
	}
	if cfg.Integrity.SampleSize == 0 {
		cfg.Integrity.SampleSize = 64
	}
	if cfg.Integrity.ReadTimeout == 0 {
		cfg.Integrity.ReadTimeout = 30 * time.Second
	}

	if cfg.Metadata.Path == "" {
		cfg.Metadata.Path = "/var/lib/tiercache/metadata"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 10 * time.Second
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	for i := range cfg.Tiers {
		tier := &cfg.Tiers[i]
		switch tier.Backend {
		case "memory":
			if tier.Memory.MaxSizeMB == 0 {
				tier.Memory.MaxSizeMB = 256
			}
		case "redis":
			if tier.Redis.KeyPrefix == "" {
				tier.Redis.KeyPrefix = "tiercache:"
			}
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}

	names := make(map[string]bool, len(c.Tiers))
	ranks := make(map[int]string, len(c.Tiers))
	for _, tier := range c.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("tier name is required")
		}
		if names[tier.Name] {
			return fmt.Errorf("duplicate tier name %q", tier.Name)
		}
		names[tier.Name] = true

		if other, taken := ranks[tier.SpeedRank]; taken {
			return fmt.Errorf("tiers %q and %q share speed_rank %d", other, tier.Name, tier.SpeedRank)
		}
		ranks[tier.SpeedRank] = tier.Name

		switch tier.Backend {
		case "memory":
		case "disk":
			if tier.Disk.Path == "" {
				return fmt.Errorf("tier %q: disk.path is required", tier.Name)
			}
		case "redis":
			if tier.Redis.Addr == "" {
				return fmt.Errorf("tier %q: redis.addr is required", tier.Name)
			}
		default:
			return fmt.Errorf("tier %q: unknown backend %q", tier.Name, tier.Backend)
		}

		if tier.CapacityBytes < 0 {
			return fmt.Errorf("tier %q: capacity_bytes must not be negative", tier.Name)
		}
	}

	if c.Replication.MinFactor < 1 {
		return fmt.Errorf("replication.min_factor must be at least 1")
	}
	if c.Replication.TargetFactor < c.Replication.MinFactor {
		return fmt.Errorf("replication.target_factor must be >= min_factor")
	}
	if c.Replication.MaxFactor < c.Replication.TargetFactor {
		return fmt.Errorf("replication.max_factor must be >= target_factor")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	if c.Engine.HeatDecayPerSecond <= 0 || c.Engine.HeatDecayPerSecond > 1 {
		return fmt.Errorf("engine.heat_decay_per_second must be in (0, 1]")
	}
	return nil
}
