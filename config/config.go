// Package config loads proxy configuration from a TOML file, then applies
// environment variable overrides on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full proxy configuration.
type Config struct {
	Redis       RedisConfig       `toml:"redis"`
	Broker      BrokerConfig      `toml:"broker"`
	API         APIConfig         `toml:"api"`
	Server      ServerConfig      `toml:"server"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Logging     LoggingConfig     `toml:"logging"`
	RateLimiter RateLimiterConfig `toml:"ratelimiter"`
}

// RedisConfig configures the shared rate-limit store.
type RedisConfig struct {
	URL      string `toml:"url"`
	PoolSize int    `toml:"pool_size"`
}

// BrokerConfig configures the message bus.
type BrokerConfig struct {
	URL         string `toml:"url"`
	Group       string `toml:"group"`
	Event       string `toml:"event"`
	CancelEvent string `toml:"cancel_event"`
}

// APIConfig configures the remote HTTP API the proxy fronts.
type APIConfig struct {
	Base    string `toml:"base"`
	Scheme  string `toml:"scheme"`
	Version int    `toml:"version"`
}

// ServerConfig configures per-request behaviour.
type ServerConfig struct {
	Timeout time.Duration `toml:"timeout"`
}

// MetricsConfig configures the Prometheus/health HTTP surface.
type MetricsConfig struct {
	Addr string `toml:"addr"`
	Path string `toml:"path"`
	// UpstreamDetail enables the per-call upstream HTTP histogram, labeled
	// by method/path/status. Off by default: the envelope-level counters
	// already cover request/response volume and latency, and the extra
	// label cardinality isn't free.
	UpstreamDetail bool `toml:"upstream_detail"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// RateLimiterConfig selects and tunes the rate-limit gate implementation.
type RateLimiterConfig struct {
	// Mode is "redis" (shared, cross-process) or "local" (process-local).
	Mode string `toml:"mode"`
}

// Default returns the configuration the proxy runs with when no TOML file
// and no environment overrides are present.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			URL:      "redis://localhost:6379",
			PoolSize: 10,
		},
		Broker: BrokerConfig{
			URL:         "nats://localhost:4222",
			Group:       "rest",
			Event:       "REQUEST",
			CancelEvent: "CANCEL",
		},
		API: APIConfig{
			Base:    "discord.com",
			Scheme:  "https",
			Version: 6,
		},
		Server: ServerConfig{
			Timeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr:           ":9090",
			Path:           "/metrics",
			UpstreamDetail: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimiter: RateLimiterConfig{
			Mode: "redis",
		},
	}
}

// Load reads a TOML file at path on top of Default(), falling back to
// Default() unchanged if the file doesn't exist. It does not apply
// environment overrides; call WithEnv for that.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// WithEnv applies the environment variable overrides documented in the
// proxy's operational surface: REDIS_URL, REDIS_POOL_SIZE, BROKER_GROUP,
// BROKER_EVENT, TIMEOUT, DISCORD_API_VERSION, METRICS_ADDR, METRICS_PATH,
// METRICS_UPSTREAM_DETAIL.
// It mutates cfg in place and also returns it for chaining.
func (cfg *Config) WithEnv() *Config {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.PoolSize = n
		}
	}
	if v := os.Getenv("BROKER_GROUP"); v != "" {
		cfg.Broker.Group = v
	}
	if v := os.Getenv("BROKER_EVENT"); v != "" {
		cfg.Broker.Event = v
	}
	if v := os.Getenv("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.Timeout = d
		}
	}
	if v := os.Getenv("DISCORD_API_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Version = n
		}
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
	if v := os.Getenv("METRICS_UPSTREAM_DETAIL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.UpstreamDetail = b
		}
	}

	return cfg
}
