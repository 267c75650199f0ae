// Package local implements the in-process index of active positions. It is
// the authoritative "current" view: ticks update it synchronously, and it is
// the only writer of position snapshots. All other components receive value
// copies, never live references.
package local

import (
	"math"
	"sync"
	"time"

	"github.com/marketwheel/sentinel/internal/domain"
)

// ChangeFunc is invoked with a snapshot copy after every tick-driven update.
// The batching PnL writer hangs off this hook.
type ChangeFunc func(domain.Snapshot)

// PeakFunc is invoked exactly once per new peak-profit high, regardless of
// which caller produced the change.
type PeakFunc func(domain.Snapshot)

// entry holds the live snapshot plus the entry-side figures needed to
// recompute PnL on every tick. Each entry has its own mutex so concurrent
// updates for different positions never block each other.
type entry struct {
	mu         sync.Mutex
	snap       domain.Snapshot
	entryPrice float64
	quantity   float64
}

// Cache is the lock-minimal index of active positions keyed by both position
// id and instrument id.
type Cache struct {
	mu           sync.RWMutex
	byID         map[string]*entry
	byInstrument map[string]map[string]*entry // instrument id -> position id -> entry

	onChange ChangeFunc
	onPeak   PeakFunc
	now      func() time.Time
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		byID:         make(map[string]*entry),
		byInstrument: make(map[string]map[string]*entry),
		now:          time.Now,
	}
}

// OnChange registers the per-update hook. Must be called before the feed
// starts delivering ticks.
func (c *Cache) OnChange(fn ChangeFunc) { c.onChange = fn }

// OnPeak registers the new-peak hook. Must be called before the feed starts
// delivering ticks.
func (c *Cache) OnPeak(fn PeakFunc) { c.onPeak = fn }

// Add indexes a position with its protective stop and target prices. Peak
// profit carries over from the durable record so a restart does not reset
// the high-water mark.
func (c *Cache) Add(p domain.Position, stopPrice, targetPrice float64) {
	stopOffset := 0.0
	if p.EntryPrice > 0 && stopPrice > 0 {
		stopOffset = math.Abs(p.EntryPrice-stopPrice) / p.EntryPrice * 100
	}

	e := &entry{
		snap: domain.Snapshot{
			PositionID:    p.ID,
			Segment:       p.Segment,
			InstrumentID:  p.InstrumentID,
			Direction:     p.Direction,
			LastPrice:     p.EntryPrice,
			PeakProfitPct: p.PeakProfitPct,
			StopOffsetPct: stopOffset,
			UpdatedAt:     c.now(),
		},
		entryPrice: p.EntryPrice,
		quantity:   p.Quantity,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.byID[p.ID] = e
	byPos, ok := c.byInstrument[p.InstrumentID]
	if !ok {
		byPos = make(map[string]*entry)
		c.byInstrument[p.InstrumentID] = byPos
	}
	byPos[p.ID] = e
}

// Remove drops a position from the index, typically on exit.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)

	byPos := c.byInstrument[e.snap.InstrumentID]
	delete(byPos, id)
	if len(byPos) == 0 {
		delete(c.byInstrument, e.snap.InstrumentID)
	}
}

// OnTick recomputes PnL for every position subscribed to the tick's
// instrument. It is the sole tick-driven writer of snapshots. Returns the
// number of positions updated.
func (c *Cache) OnTick(t domain.Tick) int {
	c.mu.RLock()
	byPos := c.byInstrument[t.InstrumentID]
	entries := make([]*entry, 0, len(byPos))
	for _, e := range byPos {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		e.snap.LastPrice = t.LastPrice
		e.snap.PnL, e.snap.PnLPct = pnl(e.snap.Direction, e.entryPrice, e.quantity, t.LastPrice)
		switch {
		case e.snap.PnLPct < 0 && e.snap.BelowSince.IsZero():
			e.snap.BelowSince = t.Timestamp
		case e.snap.PnLPct >= 0:
			e.snap.BelowSince = time.Time{}
		}
		newPeak := e.snap.PnLPct > e.snap.PeakProfitPct
		if newPeak {
			e.snap.PeakProfitPct = e.snap.PnLPct
		}
		e.snap.UpdatedAt = t.Timestamp
		snap := e.snap
		e.mu.Unlock()

		if newPeak && c.onPeak != nil {
			c.onPeak(snap)
		}
		if c.onChange != nil {
			c.onChange(snap)
		}
	}

	return len(entries)
}

// Update applies a partial diff through the single mutation path used by all
// non-tick callers, so peak side effects fire exactly once per change. It
// returns domain.ErrNotFound for unknown ids.
func (c *Cache) Update(id string, diff domain.SnapshotDiff) error {
	c.mu.RLock()
	e, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}

	e.mu.Lock()
	if diff.LastPrice != nil {
		e.snap.LastPrice = *diff.LastPrice
		e.snap.PnL, e.snap.PnLPct = pnl(e.snap.Direction, e.entryPrice, e.quantity, *diff.LastPrice)
	}
	if diff.PnL != nil {
		e.snap.PnL = *diff.PnL
	}
	if diff.PnLPct != nil {
		e.snap.PnLPct = *diff.PnLPct
	}
	newPeak := false
	if diff.PeakProfitPct != nil && *diff.PeakProfitPct > e.snap.PeakProfitPct {
		e.snap.PeakProfitPct = *diff.PeakProfitPct
		newPeak = true
	}
	if diff.StopOffsetPct != nil {
		e.snap.StopOffsetPct = *diff.StopOffsetPct
	}
	e.snap.UpdatedAt = c.now()
	snap := e.snap
	e.mu.Unlock()

	if newPeak && c.onPeak != nil {
		c.onPeak(snap)
	}
	return nil
}

// Get returns a copy of the snapshot for the given position id.
func (c *Cache) Get(id string) (domain.Snapshot, bool) {
	c.mu.RLock()
	e, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return domain.Snapshot{}, false
	}

	e.mu.Lock()
	snap := e.snap
	e.mu.Unlock()
	return snap, true
}

// All returns snapshot copies for every indexed position.
func (c *Cache) All() []domain.Snapshot {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.byID))
	for _, e := range c.byID {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]domain.Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snap)
		e.mu.Unlock()
	}
	return out
}

// HasInstrument reports whether any indexed position references the
// instrument. The exit executor uses this to decide whether a tick
// subscription can be dropped.
func (c *Cache) HasInstrument(instrumentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byInstrument[instrumentID]) > 0
}

// Len returns the number of indexed positions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func pnl(dir domain.Direction, entryPrice, quantity, lastPrice float64) (abs, pct float64) {
	if entryPrice == 0 {
		return 0, 0
	}
	if dir == domain.DirectionShort {
		return (entryPrice - lastPrice) * quantity, (entryPrice - lastPrice) / entryPrice * 100
	}
	return (lastPrice - entryPrice) * quantity, (lastPrice - entryPrice) / entryPrice * 100
}
