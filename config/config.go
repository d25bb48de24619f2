// Package config loads service configuration from a YAML file with
// TRANSIT_* environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Listen    string          `mapstructure:"listen"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Static    StaticConfig    `mapstructure:"static"`
	Query     QueryConfig     `mapstructure:"query"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Collector CollectorConfig `mapstructure:"collector"`
	Sources   []Source        `mapstructure:"sources"`
}

type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	PostgresConnStr string `mapstructure:"postgres_conn_str"`
}

type CacheConfig struct {
	// "memory", "redis" or "none".
	Provider  string        `mapstructure:"provider"`
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type QueryConfig struct {
	// Ceiling on the per-request departure limit.
	MaxLimit int `mapstructure:"max_limit"`
}

type FanoutConfig struct {
	QueueCapacity int    `mapstructure:"queue_capacity"`
	ReorderWindow uint64 `mapstructure:"reorder_window"`
}

type CollectorConfig struct {
	DegradedAfter          int `mapstructure:"degraded_after"`
	DegradedIntervalFactor int `mapstructure:"degraded_interval_factor"`
}

type StaticConfig struct {
	FeedID  string            `mapstructure:"feed_id"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// One upstream realtime feed.
type Source struct {
	ID           string            `mapstructure:"id"`
	URL          string            `mapstructure:"url"`
	Kind         string            `mapstructure:"kind"`
	Headers      map[string]string `mapstructure:"headers"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Timeout      time.Duration     `mapstructure:"timeout"`
}

// Load reads configuration from path (or ./config.yaml when blank).
// Environment variables override file values: storage.backend becomes
// TRANSIT_STORAGE_BACKEND. A missing file is fine, env and defaults
// carry it.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TRANSIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("query.max_limit", 100)
	v.SetDefault("fanout.queue_capacity", 64)
	v.SetDefault("fanout.reorder_window", 32)
	v.SetDefault("collector.degraded_after", 3)
	v.SetDefault("collector.degraded_interval_factor", 4)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for i := range cfg.Sources {
		if cfg.Sources[i].PollInterval == 0 {
			cfg.Sources[i].PollInterval = 30 * time.Second
		}
		if cfg.Sources[i].Timeout == 0 {
			cfg.Sources[i].Timeout = 10 * time.Second
		}
	}

	return &cfg, nil
}
