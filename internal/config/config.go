// Package config defines the top-level configuration for the sentinel risk
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by SENTINEL_* environment
// variables. The resolved Config is immutable for the process lifetime.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Feed     FeedConfig     `toml:"feed"`
	Quotes   QuotesConfig   `toml:"quotes"`
	Risk     RiskConfig     `toml:"risk"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters and the PnL-cache tuning.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CacheTTL   duration `toml:"cache_ttl"`    // hard expiry of PnL entries
	StaleAfter duration `toml:"stale_after"`  // readers ignore entries older than this
	LockTTL    duration `toml:"lock_ttl"`     // cross-process exit lock TTL
}

// FeedConfig holds the tick feed endpoint.
type FeedConfig struct {
	WSURL string `toml:"ws_url"`
}

// QuotesConfig holds the batched last-traded-price endpoint used as a
// fallback when no fresh tick data is available.
type QuotesConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// RiskConfig holds every exit-rule threshold. Defaults are documented in
// Defaults(); components read only through this struct, never ad hoc.
type RiskConfig struct {
	StopLossPct          float64   `toml:"stop_loss_pct"`
	TakeProfitPct        float64   `toml:"take_profit_pct"`
	SecureProfitAbs      float64   `toml:"secure_profit_abs"`
	SecureDrawdownPct    float64   `toml:"secure_drawdown_pct"`
	SessionEnd           clockTime `toml:"session_end"`
	TimeExitAt           clockTime `toml:"time_exit_at"`
	TimeExitMinProfitPct float64   `toml:"time_exit_min_profit_pct"`
	TrailingStopPct      float64   `toml:"trailing_stop_pct"` // legacy fixed high-water trail
	DisabledRules        []string  `toml:"disabled_rules"`

	Trailing   TrailingConfig   `toml:"trailing"`
	Underlying UnderlyingConfig `toml:"underlying"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Monitor    MonitorConfig    `toml:"monitor"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
}

// TrailingConfig parameterises the adaptive drawdown schedules.
type TrailingConfig struct {
	ActivationPct    float64            `toml:"activation_pct"`
	StartPct         float64            `toml:"start_pct"`
	FloorPct         float64            `toml:"floor_pct"`
	DecayRate        float64            `toml:"decay_rate"`
	ClassFloors      map[string]float64 `toml:"class_floors"` // per index class overrides
	BreakevenLockPct float64            `toml:"breakeven_lock_pct"`
	Reverse          ReverseStopConfig  `toml:"reverse"`
}

// ReverseStopConfig parameterises the adaptive stop for losing positions.
type ReverseStopConfig struct {
	Enabled           bool    `toml:"enabled"`
	StartPct          float64 `toml:"start_pct"`
	MinPct            float64 `toml:"min_pct"`
	DecayRate         float64 `toml:"decay_rate"`
	TimePenaltyPerMin float64 `toml:"time_penalty_per_min"`
	TimePenaltyCapPct float64 `toml:"time_penalty_cap_pct"`
	LowVolRatio       float64 `toml:"low_vol_ratio"`
	LowVolPenaltyPct  float64 `toml:"low_vol_penalty_pct"`
}

// UnderlyingConfig holds the underlying-market exit thresholds.
type UnderlyingConfig struct {
	Enabled            bool    `toml:"enabled"`
	TrendScoreCollapse float64 `toml:"trend_score_collapse"`
	VolCollapseRatio   float64 `toml:"vol_collapse_ratio"`
}

// BreakerConfig holds circuit-breaker parameters for broker/API calls.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"`
	ResetTimeout     duration `toml:"reset_timeout"`
	CallTimeout      duration `toml:"call_timeout"`
}

// MonitorConfig holds the monitor-loop pacing.
type MonitorConfig struct {
	ActiveInterval      duration `toml:"active_interval"`
	IdleInterval        duration `toml:"idle_interval"`
	MaintenanceInterval duration `toml:"maintenance_interval"`
}

// ReconcileConfig holds the reconciliation sweep cadence.
type ReconcileConfig struct {
	Interval duration `toml:"interval"`
}

// ServerConfig holds the health/metrics HTTP server parameters.
type ServerConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	DiscordWebhook string   `toml:"discord_webhook"`
	Events         []string `toml:"events"`
}

// ArchiveConfig holds the exit-journal archival parameters.
type ArchiveConfig struct {
	Enabled        bool     `toml:"enabled"`
	Interval       duration `toml:"interval"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	Bucket         string   `toml:"bucket"`
	Prefix         string   `toml:"prefix"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	UseSSL         bool     `toml:"use_ssl"`
	ForcePathStyle bool     `toml:"force_path_style"`
}

// duration wraps time.Duration for TOML decoding.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "500ms" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DurationOf wraps d for duration-typed config fields, primarily for tests.
func DurationOf(d time.Duration) duration {
	return duration{d}
}

// clockTime is a wall-clock time of day in "HH:MM" form, compared against
// the local clock of the process.
type clockTime struct {
	Hour   int
	Minute int
	set    bool
}

// UnmarshalText parses "HH:MM".
func (c *clockTime) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("config: invalid clock time %q, want HH:MM", text)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("config: invalid hour in %q", text)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("config: invalid minute in %q", text)
	}
	c.Hour, c.Minute, c.set = h, m, true
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c clockTime) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)), nil
}

// ClockTime builds a clockTime value, primarily for tests and Defaults.
func ClockTime(hour, minute int) clockTime {
	return clockTime{Hour: hour, Minute: minute, set: true}
}

// IsSet reports whether a time was configured.
func (c clockTime) IsSet() bool { return c.set }

// ReachedAt reports whether t's time of day is at or past this clock time.
func (c clockTime) ReachedAt(t time.Time) bool {
	if !c.set {
		return false
	}
	return t.Hour()*60+t.Minute() >= c.Hour*60+c.Minute
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "sentinel",
			User:          "sentinel",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			CacheTTL:   duration{4 * time.Hour},
			StaleAfter: duration{30 * time.Second},
			LockTTL:    duration{15 * time.Second},
		},
		Feed: FeedConfig{
			WSURL: "ws://localhost:8765/ticks",
		},
		Quotes: QuotesConfig{
			BaseURL: "http://localhost:8766",
			Timeout: duration{5 * time.Second},
		},
		Risk: RiskConfig{
			StopLossPct:          2.0,
			TakeProfitPct:        5.0,
			SecureProfitAbs:      1000.0,
			SecureDrawdownPct:    3.0,
			SessionEnd:           ClockTime(15, 25),
			TimeExitAt:           ClockTime(15, 10),
			TimeExitMinProfitPct: 1.0,
			TrailingStopPct:      10.0,
			Trailing: TrailingConfig{
				ActivationPct: 3.0,
				StartPct:      18.0,
				FloorPct:      1.5,
				DecayRate:     0.08,
				ClassFloors: map[string]float64{
					"NIFTY":     1.0,
					"BANKNIFTY": 1.5,
					"SENSEX":    2.0,
				},
				BreakevenLockPct: 5.0,
				Reverse: ReverseStopConfig{
					Enabled:           true,
					StartPct:          20.0,
					MinPct:            5.0,
					DecayRate:         0.05,
					TimePenaltyPerMin: 0.1,
					TimePenaltyCapPct: 5.0,
					LowVolRatio:       0.5,
					LowVolPenaltyPct:  2.0,
				},
			},
			Underlying: UnderlyingConfig{
				Enabled:            true,
				TrendScoreCollapse: -0.5,
				VolCollapseRatio:   0.3,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     duration{30 * time.Second},
				CallTimeout:      duration{10 * time.Second},
			},
			Monitor: MonitorConfig{
				ActiveInterval:      duration{500 * time.Millisecond},
				IdleInterval:        duration{5 * time.Second},
				MaintenanceInterval: duration{30 * time.Second},
			},
			Reconcile: ReconcileConfig{
				Interval: duration{15 * time.Second},
			},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8090,
		},
		Notify: NotifyConfig{
			Events: []string{"position_exited", "exit_failed", "breaker_open"},
		},
		Archive: ArchiveConfig{
			Enabled:        false,
			Interval:       duration{24 * time.Hour},
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "sentinel-journal",
			Prefix:         "exits",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"paper":   true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, paper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.StaleAfter.Duration <= 0 {
		errs = append(errs, "redis: stale_after must be positive")
	}
	if c.Redis.CacheTTL.Duration <= c.Redis.StaleAfter.Duration {
		errs = append(errs, "redis: cache_ttl must exceed stale_after")
	}

	// Feed
	if c.Feed.WSURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}

	// Risk thresholds
	if c.Risk.StopLossPct <= 0 {
		errs = append(errs, "risk: stop_loss_pct must be positive")
	}
	if c.Risk.TakeProfitPct <= 0 {
		errs = append(errs, "risk: take_profit_pct must be positive")
	}
	if c.Risk.Trailing.FloorPct <= 0 {
		errs = append(errs, "risk.trailing: floor_pct must be positive")
	}
	if c.Risk.Trailing.StartPct < c.Risk.Trailing.FloorPct {
		errs = append(errs, "risk.trailing: start_pct must be >= floor_pct")
	}
	if c.Risk.Trailing.DecayRate < 0 {
		errs = append(errs, "risk.trailing: decay_rate must not be negative")
	}
	if r := c.Risk.Trailing.Reverse; r.Enabled {
		if r.MinPct <= 0 || r.StartPct < r.MinPct {
			errs = append(errs, "risk.trailing.reverse: need 0 < min_pct <= start_pct")
		}
	}
	if c.Risk.Breaker.FailureThreshold < 1 {
		errs = append(errs, "risk.breaker: failure_threshold must be >= 1")
	}
	if c.Risk.Breaker.ResetTimeout.Duration <= 0 {
		errs = append(errs, "risk.breaker: reset_timeout must be positive")
	}
	if c.Risk.Monitor.ActiveInterval.Duration <= 0 || c.Risk.Monitor.IdleInterval.Duration <= 0 {
		errs = append(errs, "risk.monitor: intervals must be positive")
	}
	if c.Risk.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "risk.reconcile: interval must be positive")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
		if c.Archive.Region == "" {
			errs = append(errs, "archive: region must not be empty when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
