package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/marketwheel/sentinel/internal/blob/s3"
	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/cache/redis"
	"github.com/marketwheel/sentinel/internal/config"
	"github.com/marketwheel/sentinel/internal/domain"
	"github.com/marketwheel/sentinel/internal/feed"
	"github.com/marketwheel/sentinel/internal/notify"
	"github.com/marketwheel/sentinel/internal/quotes"
	"github.com/marketwheel/sentinel/internal/store/postgres"
)

// Dependencies bundles every concrete collaborator the modes need. Wire
// builds it; the returned cleanup tears it down in reverse order.
type Dependencies struct {
	// Tiers
	PositionStore *postgres.PositionStore
	PnlCache      domain.PnlCache
	LockManager   domain.LockManager
	LocalCache    *local.Cache

	// Market data
	Feed   *feed.Client
	Quotes domain.QuoteFetcher

	// Archival, nil unless enabled
	Journal *s3blob.Journal

	// Health probes for the operational server
	PgPing    func(ctx context.Context) error
	RedisPing func(ctx context.Context) error

	Notifier *notify.Notifier
}

// Wire constructs the dependency graph from the configuration. All three
// storage tiers are mandatory in every mode: the durable store is the point
// of truth and the shared cache is what other processes read.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// PostgreSQL: durable tier.
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.PositionStore = postgres.NewPositionStore(pgClient.Pool())
	deps.PgPing = func(ctx context.Context) error { return pgClient.Pool().Ping(ctx) }

	// Redis: shared fast tier plus the cross-process exit lock.
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PnlCache = redis.NewPnlCache(redisClient, cfg.Redis.CacheTTL.Duration)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RedisPing = redisClient.Ping

	// In-process tier.
	deps.LocalCache = local.New()

	// Market data.
	deps.Feed = feed.NewClient(cfg.Feed.WSURL)
	closers = append(closers, func() { _ = deps.Feed.Close() })

	if cfg.Quotes.BaseURL != "" {
		deps.Quotes = quotes.NewClient(cfg.Quotes.BaseURL, cfg.Quotes.Timeout.Duration)
	}

	// Exit journal archival.
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Journal = s3blob.NewJournal(
			s3Client,
			deps.PositionStore,
			cfg.Archive.Prefix,
			cfg.Archive.Interval.Duration,
			logger,
		)
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhook != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhook))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
