package domain

import "time"

// Tick is a single market-data update pushed by the tick feed.
type Tick struct {
	Segment      string    `json:"segment"`
	InstrumentID string    `json:"instrument_id"`
	LastPrice    float64   `json:"last_price"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Timestamp    time.Time `json:"timestamp"`
}

// PnlEntry is the shared-cache record of a position's live PnL. Entries
// carry an hours-scale TTL on the cache side but are considered stale by
// readers well before that; stale entries are treated as absent.
type PnlEntry struct {
	PnL           float64
	PnLPct        float64
	LastPrice     float64
	HighWaterMark float64 // peak profit percentage
	WrittenAt     time.Time
}

// FreshAt reports whether the entry was written within threshold of now.
func (e PnlEntry) FreshAt(now time.Time, threshold time.Duration) bool {
	if e.WrittenAt.IsZero() {
		return false
	}
	return now.Sub(e.WrittenAt) <= threshold
}
