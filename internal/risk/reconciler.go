package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/config"
	"github.com/marketwheel/sentinel/internal/domain"
)

// Reconciler periodically realigns the fast tiers with the durable store.
// The store is the single point of truth: positions it reports active are
// re-indexed and re-subscribed when missing locally, stale local residents
// of exited positions are evicted, and fresher shared-cache figures are
// folded into the local snapshot. It also restores state after a process
// restart, so the watchdog can lean on it instead of special-case recovery.
type Reconciler struct {
	store  domain.PositionStore
	local  *local.Cache
	pnl    domain.PnlCache
	feed   domain.TickSource
	cfg    *config.RiskConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler wires the reconciliation sweep.
func NewReconciler(
	store domain.PositionStore,
	localCache *local.Cache,
	pnl domain.PnlCache,
	feed domain.TickSource,
	cfg *config.RiskConfig,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:  store,
		local:  localCache,
		pnl:    pnl,
		feed:   feed,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "reconciler")),
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled. The
// first sweep runs immediately so a restarted process reacquires its state
// without waiting a full interval.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", slog.Duration("interval", r.cfg.Reconcile.Interval.Duration))
	defer r.logger.Info("reconciler stopped")

	ticker := time.NewTicker(r.cfg.Reconcile.Interval.Duration)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Safe to call directly, e.g. at
// startup before the monitor begins.
func (r *Reconciler) Sweep(ctx context.Context) {
	active, err := r.store.FindActive(ctx)
	if err != nil {
		r.logger.Error("reconcile fetch failed", slog.String("error", err.Error()))
		return
	}

	activeIDs := make(map[string]bool, len(active))
	var readded, synced int

	for _, p := range active {
		activeIDs[p.ID] = true

		if _, ok := r.local.Get(p.ID); !ok {
			r.local.Add(p, p.StopPrice, p.TargetPrice)
			if r.feed != nil {
				if err := r.feed.Subscribe(p.Segment, p.InstrumentID); err != nil {
					r.logger.Warn("reconcile subscribe failed",
						slog.String("instrument_id", p.InstrumentID),
						slog.String("error", err.Error()),
					)
				}
			}
			readded++
			reconcileRepairsTotal.WithLabelValues("readded").Inc()
			r.logger.Info("re-indexed active position",
				slog.String("position_id", p.ID),
				slog.String("symbol", p.Symbol),
			)
		}

		if r.syncFromShared(ctx, p.ID) {
			synced++
		}
	}

	// Evict residents the store no longer considers active. These exist when
	// an exit was recorded by another process or a cleanup step failed.
	var evicted int
	for _, snap := range r.local.All() {
		if activeIDs[snap.PositionID] {
			continue
		}
		r.local.Remove(snap.PositionID)
		if err := r.pnl.Delete(ctx, snap.PositionID); err != nil {
			r.logger.Warn("reconcile pnl delete failed",
				slog.String("position_id", snap.PositionID),
				slog.String("error", err.Error()),
			)
		}
		if r.feed != nil && !r.local.HasInstrument(snap.InstrumentID) {
			_ = r.feed.Unsubscribe(snap.Segment, snap.InstrumentID)
		}
		evicted++
		reconcileRepairsTotal.WithLabelValues("evicted").Inc()
		r.logger.Info("evicted stale resident",
			slog.String("position_id", snap.PositionID),
		)
	}

	if readded+evicted+synced > 0 {
		r.logger.Info("reconcile sweep repaired state",
			slog.Int("readded", readded),
			slog.Int("evicted", evicted),
			slog.Int("synced", synced),
			slog.Int("active", len(active)),
		)
	}
}

// syncFromShared folds a fresher shared-cache entry into the local snapshot.
// This matters after restarts, when another process kept the shared tier
// warm while the local view reset to entry price. Returns true when a
// repair was applied.
func (r *Reconciler) syncFromShared(ctx context.Context, positionID string) bool {
	snap, ok := r.local.Get(positionID)
	if !ok {
		return false
	}

	entry, err := r.pnl.Get(ctx, positionID)
	if err != nil {
		return false
	}
	if !entry.WrittenAt.After(snap.UpdatedAt) {
		return false
	}

	diff := domain.SnapshotDiff{
		LastPrice:     &entry.LastPrice,
		PeakProfitPct: &entry.HighWaterMark,
	}
	if err := r.local.Update(positionID, diff); err != nil {
		return false
	}
	reconcileRepairsTotal.WithLabelValues("synced").Inc()
	return true
}
