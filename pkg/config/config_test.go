package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sonate/pkg/config"
)

var envKeys = []string{
	"SONATE_CONFIG", "LOG_LEVEL", "SONATE_DB_DRIVER", "DATABASE_URL", "NATS_URL",
	"SONATE_CYCLE_INTERVAL", "SONATE_INITIAL_DELAY", "SONATE_TENANT_MODES",
	"SONATE_TELEMETRY", "REDIS_DB", "SONATE_MEMORY_BACKEND", "SONATE_THRESHOLD_HOLD",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies that Load returns usable defaults with no
// environment set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "memory", cfg.MemoryBackend)
	assert.Equal(t, 10*time.Second, cfg.Brain.InitialDelay)
	assert.Equal(t, 5*time.Minute, cfg.Brain.Interval)
	assert.Equal(t, 10000, cfg.OverrideCapacity)
	assert.Equal(t, time.Hour, cfg.Brain.ThresholdHold)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Empty(t, cfg.Brain.TenantModes)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sonate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: DEBUG
database_driver: postgres
database_url: postgres://file/db
archive:
  provider: s3
  bucket: receipts
brain:
  interval: 1m
  critical_floor: 2.5
  horizon: 6
  outcomes_retained: 50
  tenant_modes:
    acme: enforced
`), 0o600))

	t.Setenv("SONATE_CONFIG", path)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("SONATE_INITIAL_DELAY", "1s")
	t.Setenv("SONATE_THRESHOLD_HOLD", "15m")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL, "env wins over file")
	assert.Equal(t, "receipts", cfg.Archive.Bucket)
	assert.Equal(t, time.Minute, cfg.Brain.Interval)
	assert.Equal(t, time.Second, cfg.Brain.InitialDelay)
	assert.Equal(t, 2.5, cfg.Brain.CriticalFloor)
	assert.Equal(t, 6, cfg.Brain.Horizon)
	assert.Equal(t, 50, cfg.Brain.OutcomesRetained)
	assert.Equal(t, 15*time.Minute, cfg.Brain.ThresholdHold)
	assert.Equal(t, map[string]string{"acme": "enforced"}, cfg.Brain.TenantModes)
	assert.Equal(t, 30.0, cfg.Brain.AlertsPerMinute, "unset file keys keep defaults")
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("SONATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := config.Load()
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv("SONATE_CYCLE_INTERVAL", "often")
	t.Setenv("REDIS_DB", "zero")
	_, err = config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SONATE_CYCLE_INTERVAL")
	assert.Contains(t, err.Error(), "REDIS_DB")
}

func TestParseTenantModes(t *testing.T) {
	modes, err := config.ParseTenantModes("acme=enforced, beta = advisory,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"acme": "enforced", "beta": "advisory"}, modes)

	_, err = config.ParseTenantModes("acme")
	assert.Error(t, err)
	_, err = config.ParseTenantModes("acme=yolo")
	assert.Error(t, err)
}
