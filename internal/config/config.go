// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"recurring-payments/internal/domain/model"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port    int `yaml:"port"`
	Workers int `yaml:"workers"` // billing dispatch workers
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// BillingConfig carries the platform billing parameters. Rates are basis
// points out of 10000.
type BillingConfig struct {
	MinContractFeeBps uint16 `yaml:"min_contract_fee_bps"`
	MaxFeeBps         uint16 `yaml:"max_fee_bps"`
	MinFrequency      uint32 `yaml:"min_frequency"` // seconds
	RefundScale       uint64 `yaml:"refund_scale"`
	PayGoGrace        int64  `yaml:"paygo_grace"` // seconds
	NativeAsset       string `yaml:"native_asset"`
}

type SchedulerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type SecurityConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// OperatorToken is the bootstrap credential exchanged for a session JWT.
	OperatorToken string `yaml:"operator_token"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Billing   BillingConfig   `yaml:"billing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Security  SecurityConfig  `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

// Policy converts the billing section into the domain policy passed to every
// operation.
func (c *Config) Policy() model.BillingPolicy {
	return model.BillingPolicy{
		MinContractFeeBps: c.Billing.MinContractFeeBps,
		MaxFeeBps:         c.Billing.MaxFeeBps,
		MinFrequency:      c.Billing.MinFrequency,
		RefundScale:       c.Billing.RefundScale,
		PayGoGrace:        c.Billing.PayGoGrace,
	}
}

func LoadConfig() (*Config, error) {
	var configPath string = ""
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()

	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Workers <= 0 {
		cfg.Server.Workers = 8
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Billing.MinContractFeeBps == 0 {
		cfg.Billing.MinContractFeeBps = 75
	}
	if cfg.Billing.MaxFeeBps == 0 {
		cfg.Billing.MaxFeeBps = 1000
	}
	if cfg.Billing.MinFrequency == 0 {
		cfg.Billing.MinFrequency = 7 * 24 * 3600
	}
	if cfg.Billing.RefundScale == 0 {
		cfg.Billing.RefundScale = 1_000_000_000
	}
	if cfg.Billing.PayGoGrace == 0 {
		cfg.Billing.PayGoGrace = 3600
	}
	if cfg.Billing.NativeAsset == "" {
		cfg.Billing.NativeAsset = "native"
	}
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler.Interval = time.Minute
	}
	if cfg.Scheduler.BatchSize <= 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Redis.LockTTL <= 0 {
		cfg.Redis.LockTTL = 30 * time.Second
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Security.JWTSecret == "" {
		return nil, errors.New("security.jwt_secret is required")
	}
	if cfg.Security.OperatorToken == "" {
		return nil, errors.New("security.operator_token is required")
	}
	if cfg.Billing.MinContractFeeBps > cfg.Billing.MaxFeeBps {
		return nil, errors.New("billing.min_contract_fee_bps exceeds billing.max_fee_bps")
	}
	if cfg.Billing.MaxFeeBps >= model.FeeDenominator {
		return nil, errors.New("billing.max_fee_bps must stay below the fee denominator")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
