// Package risk implements the exit-decision engine: the rule set, the
// adaptive trailing schedules, the circuit breaker, the exit executor, and
// the monitor and reconciliation loops that drive them.
package risk

import (
	"time"

	"github.com/marketwheel/sentinel/internal/domain"
)

// UnderlyingAssessment summarises the state of the underlying market for one
// position. Produced by an optional provider; absent data makes the
// underlying rule skip.
type UnderlyingAssessment struct {
	TrendScore      float64
	VolatilityRatio float64
	StructureBroken bool
}

// Context carries everything a single rule evaluation may read. It is built
// once per position per monitor cycle and passed to every rule, so no rule
// ever fetches data on its own.
type Context struct {
	Position domain.Position

	// Live figures. HasPnL is false when neither the local cache, the shared
	// cache, nor the quote fallback produced a price this cycle.
	HasPnL    bool
	PnL       float64
	PnLPct    float64
	PeakPct   float64
	LastPrice float64

	// Time spent below entry, zero when at/above entry or unknown.
	TimeBelowEntry time.Duration

	// Underlying market state, valid only when HasUnderlying is true.
	HasUnderlying bool
	Underlying    UnderlyingAssessment

	Now time.Time
}

// applySnapshot fills the live figures from a local-cache snapshot.
func (rc *Context) applySnapshot(snap domain.Snapshot, now time.Time) {
	rc.HasPnL = true
	rc.PnL = snap.PnL
	rc.PnLPct = snap.PnLPct
	rc.PeakPct = snap.PeakProfitPct
	rc.LastPrice = snap.LastPrice
	if !snap.BelowSince.IsZero() {
		rc.TimeBelowEntry = now.Sub(snap.BelowSince)
	}
}

// applyEntry fills the live figures from a shared-cache PnL entry.
func (rc *Context) applyEntry(e domain.PnlEntry) {
	rc.HasPnL = true
	rc.PnL = e.PnL
	rc.PnLPct = e.PnLPct
	rc.PeakPct = e.HighWaterMark
	rc.LastPrice = e.LastPrice
}

// applyPrice fills the live figures from a raw last-traded price.
func (rc *Context) applyPrice(price float64) {
	rc.HasPnL = true
	rc.LastPrice = price
	rc.PnL, rc.PnLPct = rc.Position.PnL(price)
	rc.PeakPct = rc.Position.PeakProfitPct
	if rc.PnLPct > rc.PeakPct {
		rc.PeakPct = rc.PnLPct
	}
}
