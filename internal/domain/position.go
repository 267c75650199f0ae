package domain

import "time"

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusActive  PositionStatus = "active"
	PositionStatusExited  PositionStatus = "exited"
)

// Direction is the side of a position relative to the instrument.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Position is the durable record of a trade. It is created by the entry
// layer, transitions pending -> active on broker confirmation, and
// active -> exited only through the exit executor. Once exited, the exit
// fields are immutable.
type Position struct {
	ID            string
	Segment       string // venue segment, e.g. "NFO", "MCX"
	InstrumentID  string
	Symbol        string
	IndexClass    string // instrument class used for drawdown schedules, e.g. "NIFTY"
	Direction     Direction
	EntryPrice    float64
	Quantity      float64
	Status        PositionStatus
	StopPrice     float64
	TargetPrice   float64
	PeakProfitPct float64
	EnteredAt     time.Time
	ExitedAt      *time.Time
	ExitPrice     *float64
	ExitReason    string
}

// PnL returns the absolute and percentage profit for the position at the
// given last price, signed by direction.
func (p Position) PnL(lastPrice float64) (pnl, pnlPct float64) {
	if p.EntryPrice == 0 {
		return 0, 0
	}
	switch p.Direction {
	case DirectionShort:
		pnl = (p.EntryPrice - lastPrice) * p.Quantity
		pnlPct = (p.EntryPrice - lastPrice) / p.EntryPrice * 100
	default:
		pnl = (lastPrice - p.EntryPrice) * p.Quantity
		pnlPct = (lastPrice - p.EntryPrice) / p.EntryPrice * 100
	}
	return pnl, pnlPct
}

// IsActive reports whether the position is eligible for monitoring.
func (p Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

// Snapshot is the in-process view of an active position, owned exclusively
// by the local cache. Other components only ever receive value copies.
type Snapshot struct {
	PositionID    string    `json:"position_id"`
	Segment       string    `json:"segment"`
	InstrumentID  string    `json:"instrument_id"`
	Direction     Direction `json:"direction"`
	LastPrice     float64   `json:"last_price"`
	PnL           float64   `json:"pnl"`
	PnLPct        float64   `json:"pnl_pct"`
	PeakProfitPct float64   `json:"peak_profit_pct"`
	StopOffsetPct float64   `json:"stop_offset_pct"`
	// BelowSince marks when the position last dipped below entry. Zero when
	// at or above entry. Feeds the time penalty of the reverse stop.
	BelowSince time.Time `json:"below_since,omitzero"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SnapshotDiff is a partial update applied through the local cache's single
// mutation path. Nil fields are left untouched.
type SnapshotDiff struct {
	LastPrice     *float64
	PnL           *float64
	PnLPct        *float64
	PeakProfitPct *float64
	StopOffsetPct *float64
}
