package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/config"
	"github.com/marketwheel/sentinel/internal/domain"
)

// UnderlyingProvider supplies the optional underlying-market assessment for
// a position. Absent or declined assessments make the underlying rule skip.
type UnderlyingProvider interface {
	Assess(ctx context.Context, p domain.Position) (UnderlyingAssessment, bool)
}

// Monitor drives the evaluation loop. Each cycle fetches the active set
// from the durable store once, resolves live PnL for every position through
// the tier chain (local snapshot, shared cache, batched quote fallback),
// evaluates the rule engine, and hands exit verdicts to the executor. The
// loop runs hot while positions are open and idles otherwise.
type Monitor struct {
	store      domain.PositionStore
	local      *local.Cache
	pnl        domain.PnlCache
	quotes     domain.QuoteFetcher // nil disables the fallback
	feed       domain.TickSource
	engine     *Engine
	executor   domain.ExitExecutorLike
	underlying UnderlyingProvider // nil disables underlying checks

	cfg        *config.RiskConfig
	staleAfter time.Duration

	stats  *Stats
	logger *slog.Logger
	now    func() time.Time

	lastMaintenance time.Time
}

// NewMonitor wires the monitor loop.
func NewMonitor(
	store domain.PositionStore,
	localCache *local.Cache,
	pnl domain.PnlCache,
	quotes domain.QuoteFetcher,
	feed domain.TickSource,
	engine *Engine,
	executor domain.ExitExecutorLike,
	underlying UnderlyingProvider,
	cfg *config.RiskConfig,
	staleAfter time.Duration,
	stats *Stats,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		store:      store,
		local:      localCache,
		pnl:        pnl,
		quotes:     quotes,
		feed:       feed,
		engine:     engine,
		executor:   executor,
		underlying: underlying,
		cfg:        cfg,
		staleAfter: staleAfter,
		stats:      stats,
		logger:     logger.With(slog.String("component", "monitor")),
		now:        time.Now,
	}
}

// Run executes cycles until the context is cancelled. The interval adapts
// to demand: short while any position is active, long when flat.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started",
		slog.Duration("active_interval", m.cfg.Monitor.ActiveInterval.Duration),
		slog.Duration("idle_interval", m.cfg.Monitor.IdleInterval.Duration),
	)
	defer m.logger.Info("monitor stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		start := m.now()
		active := m.cycle(ctx)
		elapsed := m.now().Sub(start)

		cyclesTotal.Inc()
		cycleDuration.Observe(elapsed.Seconds())
		activePositions.Set(float64(active))
		if m.stats != nil {
			m.stats.RecordCycle(elapsed)
		}

		interval := m.cfg.Monitor.IdleInterval.Duration
		if active > 0 {
			interval = m.cfg.Monitor.ActiveInterval.Duration
		}
		timer.Reset(interval)
	}
}

// cycle runs one evaluation pass and returns the number of active positions
// seen. A failure for one position never blocks the rest.
func (m *Monitor) cycle(ctx context.Context) int {
	positions, err := m.store.FindActive(ctx)
	if err != nil {
		m.logger.Error("active position fetch failed", slog.String("error", err.Error()))
		return m.local.Len()
	}

	m.maybeMaintain(positions)

	if len(positions) == 0 {
		return 0
	}

	contexts := make([]*Context, len(positions))
	var fallback map[string][]int // segment -> indexes still lacking pnl

	now := m.now()
	for i, p := range positions {
		rc := &Context{Position: p, Now: now}
		contexts[i] = rc

		if snap, ok := m.local.Get(p.ID); ok {
			rc.applySnapshot(snap, now)
			continue
		}

		// Shared cache is read at most once per position per cycle; stale
		// entries count as absent.
		if entry, err := m.sharedEntry(ctx, p.ID, now); err == nil {
			rc.applyEntry(entry)
			continue
		}

		if fallback == nil {
			fallback = make(map[string][]int)
		}
		fallback[p.Segment] = append(fallback[p.Segment], i)
	}

	m.fetchFallback(ctx, positions, contexts, fallback)

	for i, p := range positions {
		rc := contexts[i]

		if m.underlying != nil {
			if a, ok := m.underlying.Assess(ctx, p); ok {
				rc.HasUnderlying = true
				rc.Underlying = a
			}
		}

		res := m.engine.Evaluate(rc)
		if res.Action != domain.ActionExit {
			continue
		}

		m.logger.Info("exit triggered",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
			slog.String("reason", res.Reason),
			slog.String("detail", res.Message),
		)

		outcome := m.executor.ExecuteExit(ctx, p.ID, res.Reason)
		if !outcome.Success {
			m.logger.Warn("exit not completed",
				slog.String("position_id", p.ID),
				slog.String("reason", res.Reason),
				slog.String("outcome", outcome.Reason),
			)
		}
	}

	return len(positions)
}

// sharedEntry reads the shared tier, mapping entries older than the
// staleness bound to ErrStaleData so the caller falls through to the quote
// fetch.
func (m *Monitor) sharedEntry(ctx context.Context, positionID string, now time.Time) (domain.PnlEntry, error) {
	entry, err := m.pnl.Get(ctx, positionID)
	if err != nil {
		return domain.PnlEntry{}, err
	}
	if !entry.FreshAt(now, m.staleAfter) {
		return domain.PnlEntry{}, fmt.Errorf("monitor: pnl %s: %w", positionID, domain.ErrStaleData)
	}
	return entry, nil
}

// fetchFallback resolves last prices for positions with no fresh cached
// data, one batched quote call per segment.
func (m *Monitor) fetchFallback(ctx context.Context, positions []domain.Position, contexts []*Context, fallback map[string][]int) {
	if m.quotes == nil || len(fallback) == 0 {
		return
	}

	for segment, idxs := range fallback {
		ids := make([]string, 0, len(idxs))
		for _, i := range idxs {
			ids = append(ids, positions[i].InstrumentID)
		}

		prices, err := m.quotes.LastPrices(ctx, segment, ids)
		if err != nil {
			m.logger.Warn("quote fallback failed",
				slog.String("segment", segment),
				slog.Int("instruments", len(ids)),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, i := range idxs {
			if price, ok := prices[positions[i].InstrumentID]; ok && price > 0 {
				contexts[i].applyPrice(price)
			}
		}
	}
}

// maybeMaintain ensures tick subscriptions for the active set, throttled to
// the maintenance interval so the hot path stays cheap.
func (m *Monitor) maybeMaintain(positions []domain.Position) {
	now := m.now()
	if now.Sub(m.lastMaintenance) < m.cfg.Monitor.MaintenanceInterval.Duration {
		return
	}
	m.lastMaintenance = now

	if m.feed == nil {
		return
	}
	for _, p := range positions {
		if err := m.feed.Subscribe(p.Segment, p.InstrumentID); err != nil {
			m.logger.Warn("subscription maintenance failed",
				slog.String("instrument_id", p.InstrumentID),
				slog.String("error", err.Error()),
			)
		}
	}
}
