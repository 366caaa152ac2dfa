package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads .env if present and applies POOL_* overrides. The result
// is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is not an error.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "POOL_SERVER_PORT")
	setDuration(&cfg.Server.RequestTimeout, "POOL_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "POOL_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "POOL_SERVER_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.DSN, "POOL_DATABASE_DSN")
	setInt(&cfg.Database.MaxConns, "POOL_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "POOL_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "POOL_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "POOL_REDIS_CACHE_TTL")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "NATS_URL")
	setStr(&cfg.NATS.URL, "POOL_NATS_URL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POOL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POOL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POOL_S3_REGION")
	setStr(&cfg.S3.Bucket, "POOL_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POOL_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POOL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POOL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POOL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POOL_S3_FORCE_PATH_STYLE")

	// ── Events ──
	setDuration(&cfg.Events.PublishTimeout, "POOL_EVENTS_PUBLISH_TIMEOUT")

	// ── Fees ──
	setDecimal(&cfg.Fees.PlatformFee, "POOL_FEES_PLATFORM_FEE")
	setDecimal(&cfg.Fees.Withdrawal.Percent, "POOL_FEES_WITHDRAWAL_PERCENT")
	setInt64(&cfg.Fees.Withdrawal.Fixed, "POOL_FEES_WITHDRAWAL_FIXED")
	setDecimal(&cfg.Fees.Withdrawal.MinRate, "POOL_FEES_WITHDRAWAL_MIN_RATE")
	setDecimal(&cfg.Fees.Withdrawal.MaxRate, "POOL_FEES_WITHDRAWAL_MAX_RATE")

	// ── Limits ──
	setDecimal(&cfg.Limits.MinOdds, "POOL_LIMITS_MIN_ODDS")
	setDecimal(&cfg.Limits.MaxOdds, "POOL_LIMITS_MAX_ODDS")
	setDecimal(&cfg.Limits.MaxStakeFraction, "POOL_LIMITS_MAX_STAKE_FRACTION")
	setDecimal(&cfg.Limits.MaxOpenFraction, "POOL_LIMITS_MAX_OPEN_FRACTION")

	// ── Retry ──
	setInt(&cfg.Retry.MaxAttempts, "POOL_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "POOL_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "POOL_RETRY_MAX_DELAY")
	setDuration(&cfg.Retry.LockTTL, "POOL_RETRY_LOCK_TTL")

	// ── Audit ──
	setBool(&cfg.Audit.Enabled, "POOL_AUDIT_ENABLED")
	setStr(&cfg.Audit.Schedule, "POOL_AUDIT_SCHEDULE")

	// ── Auth ──
	setStringSlice(&cfg.Auth.AdminKeys, "POOL_AUTH_ADMIN_KEYS")
	setStr(&cfg.Auth.PaymentsKey, "POOL_AUTH_PAYMENTS_KEY")

	setStr(&cfg.LogLevel, "POOL_LOG_LEVEL")
}

// Each helper only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
