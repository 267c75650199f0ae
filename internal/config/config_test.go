package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestClockTime(t *testing.T) {
	t.Run("parse", func(t *testing.T) {
		var ct clockTime
		require.NoError(t, ct.UnmarshalText([]byte("15:25")))
		assert.Equal(t, 15, ct.Hour)
		assert.Equal(t, 25, ct.Minute)
		assert.True(t, ct.IsSet())
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, in := range []string{"1525", "25:00", "15:61", "15", ":30", "ab:cd"} {
			var ct clockTime
			assert.Error(t, ct.UnmarshalText([]byte(in)), "input %q", in)
		}
	})

	t.Run("reached comparison", func(t *testing.T) {
		ct := ClockTime(15, 25)
		day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.Local)

		assert.False(t, ct.ReachedAt(day.Add(15*time.Hour+24*time.Minute)))
		assert.True(t, ct.ReachedAt(day.Add(15*time.Hour+25*time.Minute)))
		assert.True(t, ct.ReachedAt(day.Add(16*time.Hour)))
	})

	t.Run("zero value never reached", func(t *testing.T) {
		var ct clockTime
		assert.False(t, ct.IsSet())
		assert.False(t, ct.ReachedAt(time.Now()))
	})
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Redis.Addr = ""
	cfg.Risk.StopLossPct = -1
	cfg.Server.Port = 99999

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
	assert.Contains(t, err.Error(), "redis")
	assert.Contains(t, err.Error(), "stop_loss_pct")
	assert.Contains(t, err.Error(), "port")
}

func TestValidateStalenessOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.CacheTTL = DurationOf(10 * time.Second)
	cfg.Redis.StaleAfter = DurationOf(30 * time.Second)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache_ttl must exceed stale_after")
}

func TestLoadAppliesFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"
log_level = "debug"

[redis]
addr = "redis-a:6379"
stale_after = "45s"

[risk]
stop_loss_pct = 3.5
session_end = "15:20"

[risk.monitor]
active_interval = "250ms"
`), 0o600))

	t.Setenv("SENTINEL_REDIS_ADDR", "redis-b:6379")
	t.Setenv("SENTINEL_RISK_TAKE_PROFIT_PCT", "7.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "redis-b:6379", cfg.Redis.Addr, "env beats file")
	assert.Equal(t, 45*time.Second, cfg.Redis.StaleAfter.Duration)
	assert.Equal(t, 3.5, cfg.Risk.StopLossPct)
	assert.Equal(t, 7.5, cfg.Risk.TakeProfitPct)
	assert.Equal(t, 250*time.Millisecond, cfg.Risk.Monitor.ActiveInterval.Duration)
	assert.True(t, cfg.Risk.SessionEnd.IsSet())
	assert.True(t, cfg.Risk.SessionEnd.ReachedAt(time.Date(2026, 8, 25, 15, 21, 0, 0, time.Local)))

	// Untouched values fall back to defaults.
	assert.Equal(t, 5432, cfg.Postgres.Port)
}
