package risk

import (
	"math"
	"time"

	"github.com/marketwheel/sentinel/internal/config"
)

// Bounds applied to the reverse stop after all penalties compose.
const (
	minAllowedLossPct = 1.0
	maxAllowedLossPct = 50.0
)

// TrailingController computes the adaptive stop schedules. Both calculations
// are pure functions of their inputs; the controller carries only immutable
// configuration.
type TrailingController struct {
	cfg config.TrailingConfig
}

// NewTrailingController creates a controller from the resolved config.
func NewTrailingController(cfg config.TrailingConfig) *TrailingController {
	return &TrailingController{cfg: cfg}
}

// ActivationPct returns the peak profit below which the drawdown rule is
// inert.
func (t *TrailingController) ActivationPct() float64 {
	return t.cfg.ActivationPct
}

// AllowedDrawdown returns the permitted drawdown from peak, in percentage
// points, for a position whose peak profit is peakPct. The allowance starts
// wide near the activation floor and decays exponentially toward the
// index-class floor as peak profit grows; it is never below the floor, so
// the function is non-increasing in peakPct.
func (t *TrailingController) AllowedDrawdown(peakPct float64, indexClass string) float64 {
	floor := t.cfg.FloorPct
	if f, ok := t.cfg.ClassFloors[indexClass]; ok && f > 0 {
		floor = f
	}

	if peakPct <= t.cfg.ActivationPct {
		return t.cfg.StartPct
	}

	allowed := floor + (t.cfg.StartPct-floor)*math.Exp(-t.cfg.DecayRate*(peakPct-t.cfg.ActivationPct))
	if allowed < floor {
		allowed = floor
	}
	return allowed
}

// AllowedLoss returns the effective allowed loss, in percentage points, for
// a losing position. lossPct is the current loss magnitude (positive).
//
// Three adjustments compose: the base allowance decays from StartPct toward
// MinPct as the loss deepens; a per-minute penalty for time spent below
// entry tightens it further (capped); and a low-volatility penalty applies
// when the volatility ratio falls below the configured threshold. volRatio
// of zero means unknown and draws no penalty. The result is clamped to
// [minAllowedLossPct, maxAllowedLossPct].
func (t *TrailingController) AllowedLoss(lossPct float64, timeBelowEntry time.Duration, volRatio float64) float64 {
	r := t.cfg.Reverse
	if lossPct < 0 {
		lossPct = 0
	}

	allowed := r.MinPct + (r.StartPct-r.MinPct)*math.Exp(-r.DecayRate*lossPct)

	minutes := timeBelowEntry.Minutes()
	if minutes > 0 {
		penalty := minutes * r.TimePenaltyPerMin
		if penalty > r.TimePenaltyCapPct {
			penalty = r.TimePenaltyCapPct
		}
		allowed -= penalty
	}

	if volRatio > 0 && volRatio < r.LowVolRatio {
		allowed -= r.LowVolPenaltyPct
	}

	if allowed < minAllowedLossPct {
		allowed = minAllowedLossPct
	}
	if allowed > maxAllowedLossPct {
		allowed = maxAllowedLossPct
	}
	return allowed
}

// ReverseEnabled reports whether the adaptive reverse stop is configured.
func (t *TrailingController) ReverseEnabled() bool {
	return t.cfg.Reverse.Enabled
}

// BreakevenLocked reports whether the breakeven lock has engaged for the
// given peak profit. Once engaged, the downside floor for subsequent stop
// computations is the entry price; the lock itself never triggers an exit.
func (t *TrailingController) BreakevenLocked(peakPct float64) bool {
	return t.cfg.BreakevenLockPct > 0 && peakPct >= t.cfg.BreakevenLockPct
}
