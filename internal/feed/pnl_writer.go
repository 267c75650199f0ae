package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/marketwheel/sentinel/internal/domain"
)

// PnlWriter batches tick-driven snapshot changes and flushes them into the
// shared PnL cache. Coalescing by position id means a burst of ticks for one
// instrument costs a single cache write per flush.
type PnlWriter struct {
	cache         domain.PnlCache
	ch            chan domain.Snapshot
	flushInterval time.Duration
	batchSize     int
	logger        *slog.Logger
}

// NewPnlWriter creates a PnlWriter. flushInterval paces time-based flushes;
// batchSize forces an early flush once that many distinct positions are
// pending.
func NewPnlWriter(cache domain.PnlCache, flushInterval time.Duration, batchSize int, logger *slog.Logger) *PnlWriter {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &PnlWriter{
		cache:         cache,
		ch:            make(chan domain.Snapshot, 1024),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		logger:        logger.With(slog.String("component", "pnl_writer")),
	}
}

// Offer enqueues a snapshot for the next flush. It never blocks the tick
// path: when the buffer is full the snapshot is dropped, since a fresher one
// follows on the next tick.
func (w *PnlWriter) Offer(snap domain.Snapshot) {
	select {
	case w.ch <- snap:
	default:
	}
}

// Run consumes the queue until the context is cancelled, flushing pending
// entries on the interval or when the batch size is reached. A final flush
// runs on shutdown.
func (w *PnlWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	pending := make(map[string]domain.PnlEntry, w.batchSize)

	w.logger.Info("pnl writer started")
	defer w.logger.Info("pnl writer stopped")

	for {
		select {
		case <-ctx.Done():
			w.flush(pending)
			return ctx.Err()
		case snap := <-w.ch:
			pending[snap.PositionID] = entryFromSnapshot(snap)
			if len(pending) >= w.batchSize {
				w.flush(pending)
				pending = make(map[string]domain.PnlEntry, w.batchSize)
			}
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			w.flush(pending)
			pending = make(map[string]domain.PnlEntry, w.batchSize)
		}
	}
}

func (w *PnlWriter) flush(pending map[string]domain.PnlEntry) {
	if len(pending) == 0 {
		return
	}

	// Flush on a background context so shutdown does not abandon the last batch.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.cache.PutBatch(ctx, pending); err != nil {
		w.logger.Warn("pnl batch flush failed",
			slog.Int("entries", len(pending)),
			slog.String("error", err.Error()),
		)
	}
}

func entryFromSnapshot(snap domain.Snapshot) domain.PnlEntry {
	return domain.PnlEntry{
		PnL:           snap.PnL,
		PnLPct:        snap.PnLPct,
		LastPrice:     snap.LastPrice,
		HighWaterMark: snap.PeakProfitPct,
		WrittenAt:     snap.UpdatedAt,
	}
}
