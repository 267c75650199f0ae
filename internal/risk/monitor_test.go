package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/config"
	"github.com/marketwheel/sentinel/internal/domain"
)

// recordingExecutor captures exit requests without touching anything.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (e *recordingExecutor) ExecuteExit(ctx context.Context, positionID, reason string) domain.ExitOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, positionID+":"+reason)
	price := 0.0
	return domain.ExitOutcome{Success: true, Reason: reason, ExitPrice: &price}
}

func (e *recordingExecutor) exits() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// fakeQuotes serves canned prices and counts calls per segment.
type fakeQuotes struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  map[string]int
}

func (q *fakeQuotes) LastPrices(ctx context.Context, segment string, ids []string) (map[string]float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.calls == nil {
		q.calls = make(map[string]int)
	}
	q.calls[segment]++

	out := make(map[string]float64)
	for _, id := range ids {
		if price, ok := q.prices[id]; ok {
			out[id] = price
		}
	}
	return out, nil
}

func newMonitorFixture(t *testing.T, cfg *config.RiskConfig, positions ...domain.Position) (*Monitor, *fakeStore, *local.Cache, *fakePnlCache, *fakeQuotes, *recordingExecutor) {
	t.Helper()

	store := newFakeStore(positions...)
	lc := local.New()
	pnl := newFakePnlCache()
	quotes := &fakeQuotes{prices: map[string]float64{}}
	exec := &recordingExecutor{}

	cfg.Monitor = config.MonitorConfig{
		ActiveInterval:      config.DurationOf(10 * time.Millisecond),
		IdleInterval:        config.DurationOf(50 * time.Millisecond),
		MaintenanceInterval: config.DurationOf(time.Minute),
	}

	m := NewMonitor(
		store, lc, pnl, quotes, newFakeFeed(),
		NewEngine(cfg, NewTrailingController(cfg.Trailing), testLogger()),
		exec, nil, cfg, 30*time.Second, NewStats(), testLogger(),
	)
	return m, store, lc, pnl, quotes, exec
}

func TestCycleUsesLocalSnapshotFirst(t *testing.T) {
	cfg := testRiskConfig()
	cfg.Trailing.Reverse.Enabled = false

	p := longPosition(100)
	m, _, lc, _, quotes, exec := newMonitorFixture(t, cfg, p)

	lc.Add(p, 0, 0)
	lc.OnTick(domain.Tick{InstrumentID: p.InstrumentID, LastPrice: 97, Timestamp: time.Now()})

	active := m.cycle(context.Background())
	assert.Equal(t, 1, active)

	require.Len(t, exec.exits(), 1)
	assert.Equal(t, p.ID+":"+ReasonStopLoss, exec.exits()[0])
	assert.Empty(t, quotes.calls, "no fallback fetch when the local tier is fresh")
}

func TestCycleFallsBackToSharedCache(t *testing.T) {
	cfg := testRiskConfig()
	cfg.Trailing.Reverse.Enabled = false

	p := longPosition(100)
	m, _, _, pnl, quotes, exec := newMonitorFixture(t, cfg, p)

	// No local snapshot; the shared tier has a fresh losing entry.
	require.NoError(t, pnl.Put(context.Background(), p.ID, domain.PnlEntry{
		PnL: -225, PnLPct: -3, LastPrice: 97, WrittenAt: time.Now(),
	}))

	m.cycle(context.Background())

	require.Len(t, exec.exits(), 1)
	assert.Equal(t, p.ID+":"+ReasonStopLoss, exec.exits()[0])
	assert.Empty(t, quotes.calls)
}

func TestCycleTreatsStaleSharedEntryAsAbsent(t *testing.T) {
	cfg := testRiskConfig()
	cfg.Trailing.Reverse.Enabled = false

	p := longPosition(100)
	m, _, _, pnl, quotes, exec := newMonitorFixture(t, cfg, p)

	// Entry written two minutes ago against a 30s staleness bound.
	require.NoError(t, pnl.Put(context.Background(), p.ID, domain.PnlEntry{
		PnL: -225, PnLPct: -3, LastPrice: 97, WrittenAt: time.Now().Add(-2 * time.Minute),
	}))
	// The quote fallback knows the real price.
	quotes.prices[p.InstrumentID] = 97

	m.cycle(context.Background())

	require.Len(t, exec.exits(), 1, "stale entry bypassed, fallback price used")
	assert.Equal(t, 1, quotes.calls[p.Segment])
}

func TestCycleNoDataMeansNoExit(t *testing.T) {
	cfg := testRiskConfig()
	p := longPosition(100)
	m, _, _, _, _, exec := newMonitorFixture(t, cfg, p)

	// No tier has data and the quote service knows nothing.
	m.cycle(context.Background())

	assert.Empty(t, exec.exits(), "missing data must never trigger an exit")
}

func TestCycleBatchesQuotesPerSegment(t *testing.T) {
	cfg := testRiskConfig()

	var positions []domain.Position
	for i, seg := range []string{"NFO", "NFO", "NFO", "MCX", "MCX"} {
		p := longPosition(100)
		p.ID = string(rune('a' + i))
		p.InstrumentID = p.ID
		p.Segment = seg
		positions = append(positions, p)
	}

	m, _, _, _, quotes, _ := newMonitorFixture(t, cfg, positions...)

	m.cycle(context.Background())

	assert.Equal(t, 1, quotes.calls["NFO"], "one batched call for three NFO positions")
	assert.Equal(t, 1, quotes.calls["MCX"])
}

func TestCycleCountDrivesInterval(t *testing.T) {
	cfg := testRiskConfig()
	m, store, _, _, _, _ := newMonitorFixture(t, cfg)

	assert.Equal(t, 0, m.cycle(context.Background()))

	p := longPosition(100)
	require.NoError(t, store.Create(context.Background(), p))
	assert.Equal(t, 1, m.cycle(context.Background()))
}
