package local

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketwheel/sentinel/internal/domain"
)

func position(id, instrument string) domain.Position {
	return domain.Position{
		ID:           id,
		Segment:      "NFO",
		InstrumentID: instrument,
		Symbol:       "BANKNIFTY25SEP52000CE",
		Direction:    domain.DirectionLong,
		EntryPrice:   200,
		Quantity:     30,
		Status:       domain.PositionStatusActive,
	}
}

func tick(instrument string, price float64) domain.Tick {
	return domain.Tick{
		Segment:      "NFO",
		InstrumentID: instrument,
		LastPrice:    price,
		Timestamp:    time.Now(),
	}
}

func TestAddAndGet(t *testing.T) {
	c := New()
	p := position("p1", "i1")
	p.PeakProfitPct = 4.2

	c.Add(p, 190, 260)

	snap, ok := c.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "i1", snap.InstrumentID)
	assert.Equal(t, 200.0, snap.LastPrice, "seeded with entry price before the first tick")
	assert.Equal(t, 4.2, snap.PeakProfitPct, "peak carries over from the durable record")
	assert.InDelta(t, 5.0, snap.StopOffsetPct, 0.001)
	assert.True(t, c.HasInstrument("i1"))
	assert.Equal(t, 1, c.Len())
}

func TestOnTickRecomputesPnl(t *testing.T) {
	c := New()
	c.Add(position("p1", "i1"), 0, 0)

	updated := c.OnTick(tick("i1", 210))
	assert.Equal(t, 1, updated)

	snap, _ := c.Get("p1")
	assert.Equal(t, 210.0, snap.LastPrice)
	assert.InDelta(t, 300.0, snap.PnL, 0.001) // (210-200)*30
	assert.InDelta(t, 5.0, snap.PnLPct, 0.001)
	assert.InDelta(t, 5.0, snap.PeakProfitPct, 0.001)

	// Ticks for unknown instruments touch nothing.
	assert.Equal(t, 0, c.OnTick(tick("other", 100)))
}

func TestOnTickFansOutToAllPositionsOnInstrument(t *testing.T) {
	c := New()
	c.Add(position("p1", "i1"), 0, 0)
	c.Add(position("p2", "i1"), 0, 0)
	c.Add(position("p3", "i2"), 0, 0)

	assert.Equal(t, 2, c.OnTick(tick("i1", 220)))

	s1, _ := c.Get("p1")
	s2, _ := c.Get("p2")
	s3, _ := c.Get("p3")
	assert.Equal(t, 220.0, s1.LastPrice)
	assert.Equal(t, 220.0, s2.LastPrice)
	assert.Equal(t, 200.0, s3.LastPrice)
}

func TestPeakHookFiresOncePerNewHigh(t *testing.T) {
	c := New()

	var mu sync.Mutex
	var peaks []float64
	c.OnPeak(func(s domain.Snapshot) {
		mu.Lock()
		peaks = append(peaks, s.PeakProfitPct)
		mu.Unlock()
	})

	c.Add(position("p1", "i1"), 0, 0)

	c.OnTick(tick("i1", 210)) // +5%, new peak
	c.OnTick(tick("i1", 206)) // +3%, below peak
	c.OnTick(tick("i1", 210)) // +5%, equals peak, not a new high
	c.OnTick(tick("i1", 220)) // +10%, new peak

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, peaks, 2)
	assert.InDelta(t, 5.0, peaks[0], 0.001)
	assert.InDelta(t, 10.0, peaks[1], 0.001)
}

func TestChangeHookSeesEveryTick(t *testing.T) {
	c := New()

	var mu sync.Mutex
	count := 0
	c.OnChange(func(domain.Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	c.Add(position("p1", "i1"), 0, 0)
	c.OnTick(tick("i1", 210))
	c.OnTick(tick("i1", 205))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestBelowEntryTracking(t *testing.T) {
	c := New()
	c.Add(position("p1", "i1"), 0, 0)

	c.OnTick(tick("i1", 195))
	snap, _ := c.Get("p1")
	require.False(t, snap.BelowSince.IsZero(), "dip below entry starts the clock")
	first := snap.BelowSince

	// Still below: the mark must not move.
	c.OnTick(tick("i1", 190))
	snap, _ = c.Get("p1")
	assert.Equal(t, first, snap.BelowSince)

	// Recovery clears it.
	c.OnTick(tick("i1", 201))
	snap, _ = c.Get("p1")
	assert.True(t, snap.BelowSince.IsZero())
}

func TestUpdateAppliesDiffThroughSinglePath(t *testing.T) {
	c := New()
	c.Add(position("p1", "i1"), 0, 0)

	var mu sync.Mutex
	peakFired := 0
	c.OnPeak(func(domain.Snapshot) {
		mu.Lock()
		peakFired++
		mu.Unlock()
	})

	price := 212.0
	peak := 7.5
	require.NoError(t, c.Update("p1", domain.SnapshotDiff{
		LastPrice:     &price,
		PeakProfitPct: &peak,
	}))

	snap, _ := c.Get("p1")
	assert.Equal(t, 212.0, snap.LastPrice)
	assert.InDelta(t, 6.0, snap.PnLPct, 0.001, "pnl recomputed from the new price")
	assert.Equal(t, 7.5, snap.PeakProfitPct)

	mu.Lock()
	assert.Equal(t, 1, peakFired)
	mu.Unlock()

	// A lower peak in the diff never regresses the high-water mark.
	lower := 2.0
	require.NoError(t, c.Update("p1", domain.SnapshotDiff{PeakProfitPct: &lower}))
	snap, _ = c.Get("p1")
	assert.Equal(t, 7.5, snap.PeakProfitPct)

	assert.ErrorIs(t, c.Update("missing", domain.SnapshotDiff{}), domain.ErrNotFound)
}

func TestRemove(t *testing.T) {
	c := New()
	c.Add(position("p1", "i1"), 0, 0)
	c.Add(position("p2", "i1"), 0, 0)

	c.Remove("p1")
	_, ok := c.Get("p1")
	assert.False(t, ok)
	assert.True(t, c.HasInstrument("i1"), "i1 still backed by p2")

	c.Remove("p2")
	assert.False(t, c.HasInstrument("i1"))
	assert.Equal(t, 0, c.Len())

	// Removing twice is harmless.
	c.Remove("p2")
}

func TestConcurrentTicksAndReads(t *testing.T) {
	c := New()
	for _, id := range []string{"p1", "p2", "p3"} {
		c.Add(position(id, "i1"), 0, 0)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.OnTick(tick("i1", 200+float64(i+j%10)))
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Get("p1")
				c.All()
				c.Len()
			}
		}()
	}
	wg.Wait()

	snap, ok := c.Get("p2")
	require.True(t, ok)
	assert.GreaterOrEqual(t, snap.PeakProfitPct, 0.0)
}
