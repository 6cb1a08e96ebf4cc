package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for the core substrate. Sections map
// one-to-one onto component configs; zero values take documented defaults.
type Config struct {
	EventBus struct {
		HistoryLimit         int           `yaml:"history_limit"`
		DefaultQueueCapacity int           `yaml:"default_queue_capacity"`
		DefaultBlockTimeout  time.Duration `yaml:"default_block_timeout"`
		PressureTripAfter    time.Duration `yaml:"pressure_trip_after"`
		DrainTimeout         time.Duration `yaml:"drain_timeout"`
	} `yaml:"event_bus"`

	State struct {
		HistoryLimit     int           `yaml:"history_limit"`
		MirrorRetries    int           `yaml:"mirror_retries"`
		MirrorRetryDelay time.Duration `yaml:"mirror_retry_delay"`
		// RedisAddr enables the durable Redis mirror when non-empty.
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		KeyPrefix     string `yaml:"key_prefix"`
	} `yaml:"state"`

	Cache struct {
		MaxEntryMB      float64       `yaml:"max_entry_mb"`
		EntryTTL        time.Duration `yaml:"entry_ttl"`
		WriteRetries    int           `yaml:"write_retries"`
		WriteRetryDelay time.Duration `yaml:"write_retry_delay"`
	} `yaml:"cache"`

	Context struct {
		// EphemeralTTL defaults to one hour; persistent contexts survive
		// until explicitly discarded.
		EphemeralTTL time.Duration `yaml:"ephemeral_ttl"`
		ReapInterval time.Duration `yaml:"reap_interval"`
	} `yaml:"context"`

	Monitor struct {
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		MemoryWarningMB float64       `yaml:"memory_warning_mb"`
	} `yaml:"monitor"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
		FailureWindow    time.Duration `yaml:"failure_window"`
		HalfOpenMaxTries int           `yaml:"half_open_max_tries"`
	} `yaml:"breaker"`

	Pipeline struct {
		MaxRetries   int           `yaml:"max_retries"`
		MaxBackoff   time.Duration `yaml:"max_backoff"`
		StageTimeout time.Duration `yaml:"stage_timeout"`
		MaxNesting   int           `yaml:"max_nesting"`
	} `yaml:"pipeline"`
}

// DefaultConfig returns the documented defaults for every section.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.EventBus.HistoryLimit = 256
	cfg.EventBus.DefaultQueueCapacity = 64
	cfg.EventBus.DefaultBlockTimeout = time.Second
	cfg.EventBus.PressureTripAfter = 5 * time.Second
	cfg.EventBus.DrainTimeout = 2 * time.Second

	cfg.State.MirrorRetries = 3
	cfg.State.MirrorRetryDelay = 100 * time.Millisecond
	cfg.State.KeyPrefix = "fftt"

	cfg.Cache.MaxEntryMB = 100
	cfg.Cache.EntryTTL = time.Hour
	cfg.Cache.WriteRetries = 3
	cfg.Cache.WriteRetryDelay = 100 * time.Millisecond

	cfg.Context.EphemeralTTL = time.Hour
	cfg.Context.ReapInterval = time.Minute

	cfg.Monitor.SweepInterval = 10 * time.Second
	cfg.Monitor.MemoryWarningMB = 512

	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.RecoveryTimeout = 30 * time.Second
	cfg.Breaker.FailureWindow = 60 * time.Second
	cfg.Breaker.HalfOpenMaxTries = 1

	cfg.Pipeline.MaxRetries = 3
	cfg.Pipeline.MaxBackoff = 5 * time.Second
	cfg.Pipeline.StageTimeout = 60 * time.Second
	cfg.Pipeline.MaxNesting = 4
	return cfg
}

// LoadConfigFile reads a YAML config file over the defaults and applies
// environment overrides last.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w: %v", ErrInvalidConfiguration, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FFTT_* environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FFTT_REDIS_ADDR"); v != "" {
		c.State.RedisAddr = v
	}
	if v := os.Getenv("FFTT_REDIS_PASSWORD"); v != "" {
		c.State.RedisPassword = v
	}
	if v := os.Getenv("FFTT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.State.RedisDB = db
		}
	}
	if v := os.Getenv("FFTT_CACHE_MAX_ENTRY_MB"); v != "" {
		if mb, err := strconv.ParseFloat(v, 64); err == nil {
			c.Cache.MaxEntryMB = mb
		}
	}
	if v := os.Getenv("FFTT_CONTEXT_EPHEMERAL_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Context.EphemeralTTL = d
		}
	}
	if v := os.Getenv("FFTT_MONITOR_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.SweepInterval = d
		}
	}
}

// Validate checks cross-field constraints that yaml decoding cannot.
func (c *Config) Validate() error {
	if c.Cache.MaxEntryMB <= 0 {
		return fmt.Errorf("cache.max_entry_mb must be positive: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Breaker.HalfOpenMaxTries < 1 {
		return fmt.Errorf("breaker.half_open_max_tries must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Pipeline.MaxNesting < 1 {
		return fmt.Errorf("pipeline.max_nesting must be at least 1: %w", ErrInvalidConfiguration)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be non-negative: %w", ErrInvalidConfiguration)
	}
	return nil
}

// EventBusConfig builds the event bus section as a component config.
func (c *Config) EventBusConfig(logger Logger) EventBusConfig {
	return EventBusConfig{
		HistoryLimit:         c.EventBus.HistoryLimit,
		DefaultQueueCapacity: c.EventBus.DefaultQueueCapacity,
		DefaultBlockTimeout:  c.EventBus.DefaultBlockTimeout,
		PressureTripAfter:    c.EventBus.PressureTripAfter,
		DrainTimeout:         c.EventBus.DrainTimeout,
		Logger:               logger,
	}
}

// StateStoreConfig builds the state section as a component config.
func (c *Config) StateStoreConfig(logger Logger) StateStoreConfig {
	return StateStoreConfig{
		HistoryLimit:     c.State.HistoryLimit,
		MirrorRetries:    c.State.MirrorRetries,
		MirrorRetryDelay: c.State.MirrorRetryDelay,
		Logger:           logger,
	}
}

// CacheConfig builds the cache section as a component config.
func (c *Config) CacheConfig(logger Logger) CacheConfig {
	return CacheConfig{
		MaxEntryMB:      c.Cache.MaxEntryMB,
		EntryTTL:        c.Cache.EntryTTL,
		WriteRetries:    c.Cache.WriteRetries,
		WriteRetryDelay: c.Cache.WriteRetryDelay,
		Logger:          logger,
	}
}

// ContextStoreConfig builds the context section as a component config.
func (c *Config) ContextStoreConfig(logger Logger) ContextStoreConfig {
	return ContextStoreConfig{
		EphemeralTTL: c.Context.EphemeralTTL,
		ReapInterval: c.Context.ReapInterval,
		Logger:       logger,
	}
}

// MonitorConfig builds the monitor section as a component config.
func (c *Config) MonitorConfig(logger Logger) MonitorConfig {
	return MonitorConfig{
		SweepInterval:   c.Monitor.SweepInterval,
		MemoryWarningMB: c.Monitor.MemoryWarningMB,
		Logger:          logger,
	}
}
