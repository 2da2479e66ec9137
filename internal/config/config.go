// Package config loads engine configuration from defaults, an optional YAML
// file, and SIDEKIQ_-prefixed environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable for one server or client instance.
type Config struct {
	Redis       RedisConfig `mapstructure:"redis" yaml:"redis"`
	Concurrency int         `mapstructure:"concurrency" yaml:"concurrency"`
	Queues      []string    `mapstructure:"queues" yaml:"queues"`
	Strict      bool        `mapstructure:"strict" yaml:"strict"`
	MaxRetries  int         `mapstructure:"max_retries" yaml:"max_retries"`

	// Timeout bounds the graceful-shutdown wait before stragglers are
	// hard-killed.
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`

	AverageScheduledPollInterval time.Duration `mapstructure:"average_scheduled_poll_interval" yaml:"average_scheduled_poll_interval"`

	Dead    DeadConfig    `mapstructure:"dead" yaml:"dead"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Admin   AdminConfig   `mapstructure:"admin" yaml:"admin"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Events  EventsConfig  `mapstructure:"events" yaml:"events"`
	Client  ClientConfig  `mapstructure:"client" yaml:"client"`
	Janitor JanitorConfig `mapstructure:"janitor" yaml:"janitor"`

	// raw mirrors the effective settings for Dump; nil when the Config was
	// built by hand.
	raw map[string]any
}

type RedisConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	PoolSize  int    `mapstructure:"pool_size" yaml:"pool_size"`
}

type DeadConfig struct {
	MaxJobs int64         `mapstructure:"max_jobs" yaml:"max_jobs"`
	MaxAge  time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File enables an additional size-rotated log sink when set.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

type ClientConfig struct {
	// RatePerSec throttles enqueues across one client; zero disables.
	RatePerSec float64 `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst      int     `mapstructure:"burst" yaml:"burst"`
	// Strict validates every payload against the envelope schema before it
	// is pushed.
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

type JanitorConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Cron expressions; robfig descriptors like "@every 1m" are accepted.
	OrphanSweep string `mapstructure:"orphan_sweep" yaml:"orphan_sweep"`
	DeadTrim    string `mapstructure:"dead_trim" yaml:"dead_trim"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.namespace", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("concurrency", 10)
	v.SetDefault("queues", []string{"default"})
	v.SetDefault("strict", false)
	v.SetDefault("max_retries", 25)
	v.SetDefault("timeout", 25*time.Second)
	v.SetDefault("fetch_timeout", 2*time.Second)
	v.SetDefault("average_scheduled_poll_interval", 15*time.Second)
	v.SetDefault("dead.max_jobs", 10000)
	v.SetDefault("dead.max_age", 180*24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.addr", ":8687")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "sidekiq")
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.url", "nats://localhost:4222")
	v.SetDefault("events.subject_prefix", "sidekiq")
	v.SetDefault("client.rate_per_sec", 0.0)
	v.SetDefault("client.burst", 0)
	v.SetDefault("client.strict", false)
	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.orphan_sweep", "@every 1m")
	v.SetDefault("janitor.dead_trim", "@every 5m")
}

// Load builds a Config. A missing file is not an error: defaults and
// environment variables still apply, which keeps one-off tools and tests
// configuration-free.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SIDEKIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.raw = v.AllSettings()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults always validate; a failure here is a programming error
		panic(fmt.Sprintf("sidekiq: default config: %v", err))
	}
	return cfg
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return errors.New("config: redis.url is required")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("config: concurrency must be >= 0, got %d", c.Concurrency)
	}
	if c.Concurrency > 0 && len(c.Queues) == 0 {
		return errors.New("config: at least one queue is required when concurrency > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return errors.New("config: timeout must be positive")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("config: fetch_timeout must be positive")
	}
	if c.AverageScheduledPollInterval <= 0 {
		return errors.New("config: average_scheduled_poll_interval must be positive")
	}
	if c.Dead.MaxJobs <= 0 {
		return errors.New("config: dead.max_jobs must be positive")
	}
	if c.Dead.MaxAge <= 0 {
		return errors.New("config: dead.max_age must be positive")
	}
	if c.Client.RatePerSec < 0 {
		return errors.New("config: client.rate_per_sec must be >= 0")
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() (string, error) {
	var v any = c
	if c.raw != nil {
		v = c.raw
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("dump config: %w", err)
	}
	return string(out), nil
}
