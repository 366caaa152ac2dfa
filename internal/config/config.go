// Package config defines the ledger engine's configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolbet/ledger-engine/internal/audit"
	"github.com/poolbet/ledger-engine/internal/fees"
	"github.com/poolbet/ledger-engine/internal/limits"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by POOL_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	NATS     NATSConfig     `toml:"nats"`
	S3       S3Config       `toml:"s3"`
	Events   EventsConfig   `toml:"events"`
	Fees     FeesConfig     `toml:"fees"`
	Limits   LimitsConfig   `toml:"limits"`
	Retry    RetryConfig    `toml:"retry"`
	Audit    AuditConfig    `toml:"audit"`
	Auth     AuthConfig     `toml:"auth"`
	LogLevel string         `toml:"log_level"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL parameters. An empty DSN runs the ledger
// on the in-memory store.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis parameters. An empty URL disables the position
// cache and falls back to in-process locks.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// NATSConfig holds the JetStream connection. An empty URL disables
// publishing.
type NATSConfig struct {
	URL string `toml:"url"`
}

// S3Config holds the settlement archive bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EventsConfig bounds event delivery.
type EventsConfig struct {
	PublishTimeout duration `toml:"publish_timeout"`
}

// FeesConfig holds the platform fee and the withdrawal fee schedule.
type FeesConfig struct {
	PlatformFee decimal.Decimal     `toml:"platform_fee"`
	Withdrawal  WithdrawalFeeConfig `toml:"withdrawal"`
}

// WithdrawalFeeConfig is the withdrawal fee schedule.
type WithdrawalFeeConfig struct {
	Percent decimal.Decimal `toml:"percent"`
	Fixed   int64           `toml:"fixed"`
	MinRate decimal.Decimal `toml:"min_rate"`
	MaxRate decimal.Decimal `toml:"max_rate"`
}

// Schedule converts the configured values into a fee schedule.
func (c WithdrawalFeeConfig) Schedule() fees.Schedule {
	return fees.Schedule{Percent: c.Percent, Fixed: c.Fixed, MinRate: c.MinRate, MaxRate: c.MaxRate}
}

// LimitsConfig holds position risk limits. Zero disables a limit.
type LimitsConfig struct {
	MinOdds          decimal.Decimal `toml:"min_odds"`
	MaxOdds          decimal.Decimal `toml:"max_odds"`
	MaxStakeFraction decimal.Decimal `toml:"max_stake_fraction"`
	MaxOpenFraction  decimal.Decimal `toml:"max_open_fraction"`
}

// Limiter builds the position limiter.
func (c LimitsConfig) Limiter() *limits.PositionLimiter {
	return limits.NewPositionLimiter(c.MinOdds, c.MaxOdds, c.MaxStakeFraction, c.MaxOpenFraction)
}

// RetryConfig bounds conflict retries of ledger transactions.
type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
	LockTTL     duration `toml:"lock_ttl"`
}

// AuditConfig schedules the reconciler. Schedule is a six-field cron expression.
type AuditConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// AuthConfig holds the shared secrets of admin and payment callers.
type AuthConfig struct {
	AdminKeys   []string `toml:"admin_keys"`
	PaymentsKey string   `toml:"payments_key"`
}

// Defaults returns a Config populated with development defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{5 * time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "pool-ledger-archive",
			ForcePathStyle: true,
		},
		Events: EventsConfig{
			PublishTimeout: duration{5 * time.Second},
		},
		Fees: FeesConfig{
			PlatformFee: decimal.RequireFromString("0.10"),
			Withdrawal: WithdrawalFeeConfig{
				Percent: decimal.RequireFromString("0.01"),
				Fixed:   0,
				MinRate: decimal.Zero,
				MaxRate: decimal.RequireFromString("0.05"),
			},
		},
		Limits: LimitsConfig{
			MinOdds:          decimal.RequireFromString("1.01"),
			MaxOdds:          decimal.RequireFromString("100"),
			MaxStakeFraction: decimal.RequireFromString("0.25"),
			MaxOpenFraction:  decimal.NewFromInt(1),
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   duration{25 * time.Millisecond},
			MaxDelay:    duration{time.Second},
			LockTTL:     duration{10 * time.Second},
		},
		Audit: AuditConfig{
			Enabled:  true,
			Schedule: "0 */5 * * * *",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	if c.Database.DSN != "" && c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}

	if c.Fees.PlatformFee.IsNegative() || c.Fees.PlatformFee.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Sprintf("fees: platform_fee must be within [0, 1], got %s", c.Fees.PlatformFee))
	}
	if err := c.Fees.Withdrawal.Schedule().Validate(); err != nil {
		errs = append(errs, "fees.withdrawal: "+strings.ReplaceAll(err.Error(), "\n", ": "))
	}

	l := c.Limits
	if l.MinOdds.IsNegative() || l.MaxOdds.IsNegative() || l.MaxStakeFraction.IsNegative() || l.MaxOpenFraction.IsNegative() {
		errs = append(errs, "limits: values must not be negative")
	}
	if l.MinOdds.IsPositive() && l.MaxOdds.IsPositive() && l.MinOdds.GreaterThan(l.MaxOdds) {
		errs = append(errs, "limits: min_odds must not exceed max_odds")
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay.Duration <= 0 || c.Retry.MaxDelay.Duration < c.Retry.BaseDelay.Duration {
		errs = append(errs, "retry: base_delay must be positive and not exceed max_delay")
	}
	if c.Retry.LockTTL.Duration <= 0 {
		errs = append(errs, "retry: lock_ttl must be positive")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	if c.Audit.Enabled {
		if err := audit.ValidateSchedule(c.Audit.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("audit: invalid schedule %q: %v", c.Audit.Schedule, err))
		}
	}

	if len(c.Auth.AdminKeys) == 0 {
		errs = append(errs, "auth: at least one admin key is required")
	}
	for i, k := range c.Auth.AdminKeys {
		if len(k) < 16 {
			errs = append(errs, fmt.Sprintf("auth: admin_keys[%d] must be at least 16 characters", i))
		}
	}
	if c.Auth.PaymentsKey != "" && len(c.Auth.PaymentsKey) < 16 {
		errs = append(errs, "auth: payments_key must be at least 16 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
