package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketwheel/sentinel/internal/broker"
	"github.com/marketwheel/sentinel/internal/domain"
	"github.com/marketwheel/sentinel/internal/feed"
	"github.com/marketwheel/sentinel/internal/risk"
	"github.com/marketwheel/sentinel/internal/server"
)

// MonitorMode runs evaluation without order placement: every exit verdict is
// logged and suppressed by the null executor.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runEngine(ctx, deps, risk.NewNullExecutor(a.logger), nil)
}

// PaperMode runs the full exit path against the simulated broker. Exits are
// recorded in the store with paper fills; no distributed lock is taken since
// paper fills cannot double-execute at a venue.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	b := broker.NewPaper(deps.LocalCache, a.logger)
	breaker := risk.NewCircuitBreaker(
		a.cfg.Risk.Breaker.FailureThreshold,
		a.cfg.Risk.Breaker.ResetTimeout.Duration,
	)
	return a.runEngine(ctx, deps, a.newExecutor(deps, b, breaker, false), breaker)
}

// FullMode runs with cross-process exit locking and journal archival. No
// live venue adapter ships yet, so order placement falls back to the paper
// broker; the rest of the path (locking, breaker, persistence) is the real
// one.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	a.logger.WarnContext(ctx, "no live broker adapter configured, using paper fills")

	b := broker.NewPaper(deps.LocalCache, a.logger)
	breaker := risk.NewCircuitBreaker(
		a.cfg.Risk.Breaker.FailureThreshold,
		a.cfg.Risk.Breaker.ResetTimeout.Duration,
	)
	return a.runEngine(ctx, deps, a.newExecutor(deps, b, breaker, true), breaker)
}

// newExecutor assembles the real exit executor for the given broker.
func (a *App) newExecutor(deps *Dependencies, b domain.Broker, breaker *risk.CircuitBreaker, distributed bool) *risk.Executor {
	opts := risk.ExecutorOptions{Events: deps.Notifier}
	if distributed {
		opts.Locks = deps.LockManager
		opts.LockTTL = a.cfg.Redis.LockTTL.Duration
	}
	return risk.NewExecutor(
		deps.PositionStore,
		deps.LocalCache,
		deps.PnlCache,
		deps.Feed,
		b,
		breaker,
		a.cfg.Risk.Breaker.CallTimeout.Duration,
		a.stats,
		a.logger,
		opts,
	)
}

// runEngine starts the common engine plumbing: tick flow into the local
// cache, the batching cache writer, the monitor, the reconciler, optional
// archival, and the operational HTTP server. It blocks until the context is
// cancelled or a supervised loop fails permanently.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, executor domain.ExitExecutorLike, breaker *risk.CircuitBreaker) error {
	g, ctx := errgroup.WithContext(ctx)

	trailing := risk.NewTrailingController(a.cfg.Risk.Trailing)
	engine := risk.NewEngine(&a.cfg.Risk, trailing, a.logger)
	stats := a.stats

	// Tick flow: feed -> local cache -> batching writer -> shared cache.
	writer := feed.NewPnlWriter(deps.PnlCache, time.Second, 64, a.logger)
	deps.LocalCache.OnChange(writer.Offer)
	deps.Feed.OnTick(func(t domain.Tick) {
		deps.LocalCache.OnTick(t)
	})

	reconciler := risk.NewReconciler(
		deps.PositionStore,
		deps.LocalCache,
		deps.PnlCache,
		deps.Feed,
		&a.cfg.Risk,
		a.logger,
	)

	// Seed the local tier from the store before the first cycle so a restart
	// resumes with the correct active set and subscriptions.
	reconciler.Sweep(ctx)

	if err := deps.Feed.Connect(ctx); err != nil {
		// The feed reconnects on its own; start degraded rather than failing,
		// since the quote fallback keeps evaluation alive.
		a.logger.WarnContext(ctx, "tick feed connect failed, starting degraded",
			slog.String("error", err.Error()),
		)
	}

	monitor := risk.NewMonitor(
		deps.PositionStore,
		deps.LocalCache,
		deps.PnlCache,
		deps.Quotes,
		deps.Feed,
		engine,
		executor,
		nil,
		&a.cfg.Risk,
		a.cfg.Redis.StaleAfter.Duration,
		stats,
		a.logger,
	)

	g.Go(func() error {
		return writer.Run(ctx)
	})
	g.Go(func() error {
		return a.supervise(ctx, "monitor", monitor.Run)
	})
	g.Go(func() error {
		return a.supervise(ctx, "reconciler", reconciler.Run)
	})

	if deps.Journal != nil {
		g.Go(func() error {
			return a.supervise(ctx, "exit_journal", deps.Journal.Run)
		})
	}

	if a.cfg.Server.Enabled {
		srv := server.New(a.cfg.Server.Port, server.Dependencies{
			Mode: a.cfg.Mode,
			Checks: map[string]server.HealthCheck{
				"postgres": deps.PgPing,
				"redis":    deps.RedisPing,
			},
			Stats:   stats,
			Engine:  engine,
			Breaker: breaker,
			Local:   deps.LocalCache,
		}, a.logger)

		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// supervise restarts a loop with exponential backoff when it returns an
// unexpected error. State recovery is free: the reconciler's next sweep
// realigns the tiers, so a restarted loop picks up exactly where the store
// says it should. Context cancellation passes through untouched.
func (a *App) supervise(ctx context.Context, name string, run func(context.Context) error) error {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		err := run(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return err
		}

		a.logger.Error("supervised loop failed, restarting",
			slog.String("loop", name),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
