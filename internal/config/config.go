// Package config handles configuration loading and validation for meshvault.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DrainConfig holds tuning for the outbox drain worker.
type DrainConfig struct {
	Interval             string `yaml:"interval"`               // e.g. "30s"
	BatchSize            int    `yaml:"batch_size"`             // items per lease
	MaxAttempts          int    `yaml:"max_attempts"`           // transient retries before an item is retired
	LeaseTimeout         string `yaml:"lease_timeout"`          // crash-recovery window for outstanding leases
	DeliveryTimeout      string `yaml:"delivery_timeout"`       // per-delivery bound
	MaxConcurrentSenders int    `yaml:"max_concurrent_senders"` // tenants drained in parallel
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. ":9090"
}

// Config is the node configuration.
type Config struct {
	// Identity is this tenant's domain identity, used as the sender on
	// outbound deliveries.
	Identity string        `yaml:"identity"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
	Drain    DrainConfig   `yaml:"drain"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// Load reads and validates a YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/meshvault"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Drain.Interval == "" {
		c.Drain.Interval = "30s"
	}
	if c.Drain.BatchSize == 0 {
		c.Drain.BatchSize = 10
	}
	if c.Drain.MaxAttempts == 0 {
		c.Drain.MaxAttempts = 5
	}
	if c.Drain.LeaseTimeout == "" {
		c.Drain.LeaseTimeout = "5m"
	}
	if c.Drain.DeliveryTimeout == "" {
		c.Drain.DeliveryTimeout = "30s"
	}
	if c.Drain.MaxConcurrentSenders == 0 {
		c.Drain.MaxConcurrentSenders = 5
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
}

// Validate checks the configuration for errors a typo would introduce.
func (c *Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if c.Drain.BatchSize < 0 {
		return fmt.Errorf("drain.batch_size must be positive")
	}
	if c.Drain.MaxAttempts < 0 {
		return fmt.Errorf("drain.max_attempts must be positive")
	}
	for name, v := range map[string]string{
		"drain.interval":         c.Drain.Interval,
		"drain.lease_timeout":    c.Drain.LeaseTimeout,
		"drain.delivery_timeout": c.Drain.DeliveryTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// DrainInterval returns the parsed drain interval.
func (c *Config) DrainInterval() time.Duration { return mustDuration(c.Drain.Interval) }

// LeaseTimeout returns the parsed lease timeout.
func (c *Config) LeaseTimeout() time.Duration { return mustDuration(c.Drain.LeaseTimeout) }

// DeliveryTimeout returns the parsed per-delivery timeout.
func (c *Config) DeliveryTimeout() time.Duration { return mustDuration(c.Drain.DeliveryTimeout) }

// mustDuration is safe after Validate has accepted the config.
func mustDuration(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q", v))
	}
	return d
}
