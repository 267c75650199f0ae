package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SENTINEL_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SENTINEL_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SENTINEL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SENTINEL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SENTINEL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SENTINEL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SENTINEL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SENTINEL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SENTINEL_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "SENTINEL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SENTINEL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SENTINEL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SENTINEL_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "SENTINEL_REDIS_TLS_ENABLED")

	// ── Feed / Quotes ──
	setStr(&cfg.Feed.WSURL, "SENTINEL_FEED_WS_URL")
	setStr(&cfg.Quotes.BaseURL, "SENTINEL_QUOTES_BASE_URL")

	// ── Risk ──
	setFloat64(&cfg.Risk.StopLossPct, "SENTINEL_RISK_STOP_LOSS_PCT")
	setFloat64(&cfg.Risk.TakeProfitPct, "SENTINEL_RISK_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Risk.SecureProfitAbs, "SENTINEL_RISK_SECURE_PROFIT_ABS")
	setFloat64(&cfg.Risk.SecureDrawdownPct, "SENTINEL_RISK_SECURE_DRAWDOWN_PCT")
	setFloat64(&cfg.Risk.TrailingStopPct, "SENTINEL_RISK_TRAILING_STOP_PCT")
	setInt(&cfg.Risk.Breaker.FailureThreshold, "SENTINEL_RISK_BREAKER_FAILURE_THRESHOLD")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SENTINEL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SENTINEL_SERVER_PORT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SENTINEL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SENTINEL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhook, "SENTINEL_NOTIFY_DISCORD_WEBHOOK")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SENTINEL_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "SENTINEL_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Bucket, "SENTINEL_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "SENTINEL_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "SENTINEL_ARCHIVE_SECRET_KEY")

	// ── Global ──
	setStr(&cfg.Mode, "SENTINEL_MODE")
	setStr(&cfg.LogLevel, "SENTINEL_LOG_LEVEL")
}

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
