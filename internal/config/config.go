// Package config loads server settings from an optional YAML file overlaid by
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_PATH is unset. A missing file is not an error.
const DefaultPath = "config.yaml"

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Orders struct {
		DefaultTTL      time.Duration `yaml:"default_ttl"`
		StepUpThreshold string        `yaml:"step_up_threshold"`
		DryRunFeeRate   string        `yaml:"dry_run_fee_rate"`
		IdempotencyTTL  time.Duration `yaml:"idempotency_ttl"`
	} `yaml:"orders"`

	Dispatcher struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"dispatcher"`

	Monitor struct {
		Interval time.Duration `yaml:"interval"`
		PriceTTL time.Duration `yaml:"price_ttl"`
	} `yaml:"monitor"`

	Scheduler struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"scheduler"`

	Redis struct {
		// Empty keeps the price cache in memory
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// Load reads path (CONFIG_PATH or DefaultPath when empty), applies
// environment overrides and fills defaults
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := overrideWithEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// overrideWithEnv lets the environment win over the file
func overrideWithEnv(cfg *Config) error {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if threshold := os.Getenv("STEP_UP_THRESHOLD"); threshold != "" {
		cfg.Orders.StepUpThreshold = threshold
	}
	if workers := os.Getenv("DISPATCH_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("DISPATCH_WORKERS: %w", err)
		}
		cfg.Dispatcher.Workers = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "klear-orders.db"
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "klear-secret-key"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Orders.DefaultTTL == 0 {
		c.Orders.DefaultTTL = 24 * time.Hour
	}
	if c.Orders.StepUpThreshold == "" {
		c.Orders.StepUpThreshold = "10000"
	}
	if c.Orders.DryRunFeeRate == "" {
		c.Orders.DryRunFeeRate = "0.001"
	}
	if c.Orders.IdempotencyTTL == 0 {
		c.Orders.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 4
	}
	if c.Dispatcher.QueueSize == 0 {
		c.Dispatcher.QueueSize = 100
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 5 * time.Minute
	}
	if c.Monitor.PriceTTL == 0 {
		c.Monitor.PriceTTL = 5 * time.Minute
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = time.Hour
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Server.Port)
	}
	threshold, err := decimal.NewFromString(c.Orders.StepUpThreshold)
	if err != nil || !threshold.IsPositive() {
		return fmt.Errorf("step-up threshold must be a positive amount, got %q", c.Orders.StepUpThreshold)
	}
	fee, err := decimal.NewFromString(c.Orders.DryRunFeeRate)
	if err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("dry-run fee rate must be in [0, 1), got %q", c.Orders.DryRunFeeRate)
	}
	if c.Dispatcher.Workers < 0 || c.Dispatcher.QueueSize < 0 {
		return errors.New("dispatcher workers and queue size cannot be negative")
	}
	if c.Monitor.Interval < 0 || c.Scheduler.Interval < 0 || c.Monitor.PriceTTL < 0 {
		return errors.New("intervals cannot be negative")
	}
	return nil
}

// StepUpThreshold returns the validated threshold amount
func (c *Config) StepUpThreshold() decimal.Decimal {
	return decimal.RequireFromString(c.Orders.StepUpThreshold)
}

func (c *Config) DryRunFeeRate() decimal.Decimal {
	return decimal.RequireFromString(c.Orders.DryRunFeeRate)
}
