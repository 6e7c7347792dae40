// Package config loads the audit core configuration with viper. Values come
// from a YAML file plus BKAUDIT_* environment overrides; defaults keep a
// bare local run working with in-process mocks.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
		// RateLimit is requests per second per client on the operator API.
		RateLimit float64 `mapstructure:"rate_limit"`
		RateBurst int     `mapstructure:"rate_burst"`
	} `mapstructure:"server"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	ClickHouse struct {
		Enabled  bool     `mapstructure:"enabled"`
		Addrs    []string `mapstructure:"addrs"`
		Database string   `mapstructure:"database"`
		Username string   `mapstructure:"username"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"clickhouse"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
		// DedupTTL bounds how long an open-ticket dedup entry is cached.
		DedupTTL time.Duration `mapstructure:"dedup_ttl"`
	} `mapstructure:"redis"`

	Scheduler struct {
		// MaxConcurrent caps simultaneously evaluating strategies.
		MaxConcurrent int `mapstructure:"max_concurrent"`
		// RefreshInterval is how often the running-strategy set is
		// recomputed from the store.
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	} `mapstructure:"scheduler"`

	Pipeline struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		// Soft deadlines: past these the operation keeps polling but is
		// surfaced to the operator as abnormally slow, never auto-failed.
		EnableDeadline  time.Duration `mapstructure:"enable_deadline"`
		DisableDeadline time.Duration `mapstructure:"disable_deadline"`
	} `mapstructure:"pipeline"`

	Tool struct {
		CatalogPath   string `mapstructure:"catalog_path"`
		MaxConcurrent int    `mapstructure:"max_concurrent"`
	} `mapstructure:"tool"`

	Reconciler struct {
		Interval  time.Duration `mapstructure:"interval"`
		CacheSize int           `mapstructure:"cache_size"`
	} `mapstructure:"reconciler"`

	Notify []NotifyChannel `mapstructure:"notify"`

	Logging struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"logging"`
}

// NotifyChannel configures one notification sink channel.
type NotifyChannel struct {
	Type    string            `mapstructure:"type"` // webhook, log
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8194)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("sqlite.path", "data/bkaudit.db")
	v.SetDefault("clickhouse.enabled", false)
	v.SetDefault("clickhouse.addrs", []string{"localhost:9000"})
	v.SetDefault("clickhouse.database", "bkaudit")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dedup_ttl", 24*time.Hour)
	v.SetDefault("scheduler.max_concurrent", 16)
	v.SetDefault("scheduler.refresh_interval", 30*time.Second)
	v.SetDefault("pipeline.poll_interval", 10*time.Second)
	v.SetDefault("pipeline.enable_deadline", 10*time.Minute)
	v.SetDefault("pipeline.disable_deadline", 2*time.Minute)
	v.SetDefault("tool.max_concurrent", 10)
	v.SetDefault("reconciler.interval", 5*time.Minute)
	v.SetDefault("reconciler.cache_size", 256)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)
}

// Load reads configuration from the given file (optional) and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BKAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.SQLite.Path == "" {
		return fmt.Errorf("sqlite.path cannot be empty")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive")
	}
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be positive")
	}
	if c.ClickHouse.Enabled && len(c.ClickHouse.Addrs) == 0 {
		return fmt.Errorf("clickhouse.addrs cannot be empty when clickhouse is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty when redis is enabled")
	}
	for i, ch := range c.Notify {
		switch ch.Type {
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("notify[%d]: webhook url cannot be empty", i)
			}
		case "log":
		default:
			return fmt.Errorf("notify[%d]: unknown channel type %q", i, ch.Type)
		}
	}
	return nil
}
