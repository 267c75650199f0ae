package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/domain"
)

func newReconcilerFixture(t *testing.T, positions ...domain.Position) (*Reconciler, *fakeStore, *local.Cache, *fakePnlCache, *fakeFeed) {
	t.Helper()

	store := newFakeStore(positions...)
	lc := local.New()
	pnl := newFakePnlCache()
	feed := newFakeFeed()
	cfg := testRiskConfig()

	r := NewReconciler(store, lc, pnl, feed, cfg, testLogger())
	return r, store, lc, pnl, feed
}

func TestSweepReindexesMissingActivePosition(t *testing.T) {
	p := longPosition(100)
	p.PeakProfitPct = 12.5

	r, _, lc, _, feed := newReconcilerFixture(t, p)
	ctx := context.Background()

	require.Equal(t, 0, lc.Len())
	r.Sweep(ctx)

	snap, ok := lc.Get(p.ID)
	require.True(t, ok, "active position re-added to the local tier")
	assert.Equal(t, 12.5, snap.PeakProfitPct, "high-water mark carried over from the store")
	assert.True(t, feed.subscribed[p.InstrumentID], "tick subscription restored")
}

func TestSweepEvictsExitedResident(t *testing.T) {
	p := longPosition(100)
	r, store, lc, pnl, feed := newReconcilerFixture(t, p)
	ctx := context.Background()

	r.Sweep(ctx)
	require.Equal(t, 1, lc.Len())
	require.NoError(t, pnl.Put(ctx, p.ID, domain.PnlEntry{PnLPct: 1, WrittenAt: time.Now()}))

	// Another process exits the position behind our back.
	require.NoError(t, store.MarkExited(ctx, p.ID, 101, ReasonTakeProfit))

	r.Sweep(ctx)

	_, ok := lc.Get(p.ID)
	assert.False(t, ok, "exited position evicted")
	_, err := pnl.Get(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "shared entry dropped")
	assert.Contains(t, feed.unsubscribed(), p.InstrumentID)
}

func TestSweepSyncsFresherSharedEntry(t *testing.T) {
	p := longPosition(100)
	r, _, lc, pnl, _ := newReconcilerFixture(t, p)
	ctx := context.Background()

	r.Sweep(ctx)
	snap, ok := lc.Get(p.ID)
	require.True(t, ok)
	require.Equal(t, 0.0, snap.PeakProfitPct)

	// Another process kept the shared tier warmer than our local view.
	require.NoError(t, pnl.Put(ctx, p.ID, domain.PnlEntry{
		PnL:           600,
		PnLPct:        8,
		LastPrice:     108,
		HighWaterMark: 9.5,
		WrittenAt:     time.Now().Add(time.Minute),
	}))

	r.Sweep(ctx)

	snap, ok = lc.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, 108.0, snap.LastPrice)
	assert.InDelta(t, 8.0, snap.PnLPct, 0.001, "pnl recomputed from the synced price")
	assert.Equal(t, 9.5, snap.PeakProfitPct)
}

func TestSweepIsIdempotent(t *testing.T) {
	p := longPosition(100)
	r, _, lc, _, _ := newReconcilerFixture(t, p)
	ctx := context.Background()

	r.Sweep(ctx)
	r.Sweep(ctx)
	r.Sweep(ctx)

	assert.Equal(t, 1, lc.Len())
}
