package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "0123456789abcdef-admin"

func validConfig() Config {
	cfg := Defaults()
	cfg.Auth.AdminKeys = []string{adminKey}
	return cfg
}

func TestDefaults_RequireAdminKey(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one admin key")

	cfg = validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Fees.PlatformFee = decimal.RequireFromString("1.5")
	cfg.Limits.MinOdds = decimal.NewFromInt(10)
	cfg.Limits.MaxOdds = decimal.NewFromInt(2)
	cfg.Retry.MaxAttempts = 0
	cfg.Audit.Schedule = "not a schedule"
	cfg.Auth.PaymentsKey = "short"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"server: port",
		"platform_fee",
		"min_odds must not exceed max_odds",
		"max_attempts",
		"audit: invalid schedule",
		"payments_key",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_S3RequiresBucket(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Enabled = true
	cfg.S3.Bucket = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: bucket")
}

func TestLoad_TOMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
port = 9090
request_timeout = "3s"

[fees]
platform_fee = "0.15"

[fees.withdrawal]
percent = 0.02
fixed = 5

[auth]
admin_keys = ["`+adminKey+`"]
`), 0o600))

	t.Setenv("POOL_SERVER_PORT", "9191")
	t.Setenv("POOL_RETRY_BASE_DELAY", "50ms")
	t.Setenv("POOL_LIMITS_MAX_ODDS", "20")
	t.Setenv("DATABASE_URL", "postgres://legacy")
	t.Setenv("POOL_AUTH_ADMIN_KEYS", adminKey+" , second-admin-key-xyz")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.RequestTimeout.Duration)
	assert.True(t, cfg.Fees.PlatformFee.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, cfg.Fees.Withdrawal.Percent.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, int64(5), cfg.Fees.Withdrawal.Fixed)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.BaseDelay.Duration)
	assert.True(t, cfg.Limits.MaxOdds.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, "postgres://legacy", cfg.Database.DSN)
	assert.Equal(t, []string{adminKey, "second-admin-key-xyz"}, cfg.Auth.AdminKeys)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_PrefixedEnvWinsOverLegacy(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://legacy:6379")
	t.Setenv("POOL_REDIS_URL", "redis://primary:6379")
	t.Setenv("PORT", "")
	t.Setenv("POOL_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://primary:6379", cfg.Redis.URL)
	assert.Equal(t, 8080, cfg.Server.Port, "unparsable overrides are ignored")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Database.DSN = "postgres://user:pw@db/pool"
	cfg.S3.SecretKey = "s3cr3t"
	cfg.Auth.PaymentsKey = "payments-key-0123456"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Database.DSN)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Auth.PaymentsKey)
	assert.Equal(t, []string{"***"}, out.Auth.AdminKeys)
	assert.Empty(t, out.Redis.URL)

	assert.Equal(t, adminKey, cfg.Auth.AdminKeys[0], "original must be untouched")
	assert.Equal(t, "postgres://user:pw@db/pool", cfg.Database.DSN)
}

func TestWithdrawalSchedule(t *testing.T) {
	cfg := Defaults()
	s := cfg.Fees.Withdrawal.Schedule()
	assert.True(t, s.Percent.Equal(cfg.Fees.Withdrawal.Percent))
	assert.NoError(t, s.Validate())
	assert.NotNil(t, cfg.Limits.Limiter())
}
