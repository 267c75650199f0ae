package risk

import (
	"fmt"

	"github.com/marketwheel/sentinel/internal/config"
	"github.com/marketwheel/sentinel/internal/domain"
)

// Rule is a single exit condition. Rules are pure: they read the Context and
// return a result, never touching stores or caches directly.
type Rule interface {
	Name() string
	Priority() int
	Evaluate(rc *Context) domain.RuleResult
}

// Machine-readable exit reasons emitted by the built-in rules.
const (
	ReasonSessionEnd     = "session_end"
	ReasonStopLoss       = "stop_loss"
	ReasonBreakevenStop  = "breakeven_stop"
	ReasonBracketStop    = "bracket_stop"
	ReasonBracketTarget  = "bracket_target"
	ReasonTakeProfit     = "take_profit"
	ReasonSecureProfit   = "secure_profit"
	ReasonTimeExit       = "time_based_exit"
	ReasonPeakDrawdown   = "peak_drawdown"
	ReasonTrailingStop   = "trailing_stop"
	ReasonTrendCollapse  = "trend_collapse"
	ReasonStructureBreak = "underlying_structure"
	ReasonVolCollapse    = "volatility_collapse"
)

// defaultRules returns the built-in rule set. Priority defines evaluation
// order; lower runs first.
func defaultRules(cfg *config.RiskConfig, trailing *TrailingController) []Rule {
	return []Rule{
		&sessionEndRule{cfg: cfg},
		&stopLossRule{cfg: cfg, trailing: trailing},
		&bracketLimitRule{},
		&takeProfitRule{cfg: cfg},
		&secureProfitRule{cfg: cfg},
		&timeBasedExitRule{cfg: cfg},
		&peakDrawdownRule{cfg: cfg, trailing: trailing},
		&trailingStopRule{cfg: cfg},
		&underlyingExitRule{cfg: cfg},
	}
}

// sessionEndRule closes everything at the configured session deadline.
type sessionEndRule struct {
	cfg *config.RiskConfig
}

func (r *sessionEndRule) Name() string  { return "session_end" }
func (r *sessionEndRule) Priority() int { return 10 }

func (r *sessionEndRule) Evaluate(rc *Context) domain.RuleResult {
	if !r.cfg.SessionEnd.IsSet() || !r.cfg.SessionEnd.ReachedAt(rc.Now) {
		return domain.NoAction()
	}
	deadline, _ := r.cfg.SessionEnd.MarshalText()
	return domain.Exit(ReasonSessionEnd,
		fmt.Sprintf("session deadline %s reached", deadline),
		map[string]string{"deadline": string(deadline)},
	)
}

// stopLossRule enforces the downside stop. The fixed percentage stop applies
// always; when the adaptive reverse stop is enabled the tighter of the two
// wins. Once the breakeven lock has engaged, any dip below entry exits.
type stopLossRule struct {
	cfg      *config.RiskConfig
	trailing *TrailingController
}

func (r *stopLossRule) Name() string  { return "stop_loss" }
func (r *stopLossRule) Priority() int { return 20 }

func (r *stopLossRule) Evaluate(rc *Context) domain.RuleResult {
	if !rc.HasPnL {
		return domain.Skip()
	}

	if r.trailing.BreakevenLocked(rc.PeakPct) {
		if rc.PnLPct < 0 {
			return domain.Exit(ReasonBreakevenStop,
				fmt.Sprintf("breakeven lock: pnl %.2f%% below entry after peak %.2f%%", rc.PnLPct, rc.PeakPct),
				map[string]string{
					"pnl_pct":  fmt.Sprintf("%.2f", rc.PnLPct),
					"peak_pct": fmt.Sprintf("%.2f", rc.PeakPct),
				})
		}
		return domain.NoAction()
	}

	stop := r.cfg.StopLossPct
	if r.trailing.ReverseEnabled() && rc.PnLPct < 0 {
		volRatio := 0.0
		if rc.HasUnderlying {
			volRatio = rc.Underlying.VolatilityRatio
		}
		adaptive := r.trailing.AllowedLoss(-rc.PnLPct, rc.TimeBelowEntry, volRatio)
		if adaptive < stop {
			stop = adaptive
		}
	}

	if rc.PnLPct <= -stop {
		return domain.Exit(ReasonStopLoss,
			fmt.Sprintf("stop loss: pnl %.2f%% breached -%.2f%%", rc.PnLPct, stop),
			map[string]string{
				"pnl_pct":  fmt.Sprintf("%.2f", rc.PnLPct),
				"stop_pct": fmt.Sprintf("%.2f", stop),
			})
	}
	return domain.NoAction()
}

// bracketLimitRule enforces the per-position protective prices recorded at
// entry, direction-aware. Positions without bracket prices are unaffected.
type bracketLimitRule struct{}

func (r *bracketLimitRule) Name() string  { return "bracket_limit" }
func (r *bracketLimitRule) Priority() int { return 25 }

func (r *bracketLimitRule) Evaluate(rc *Context) domain.RuleResult {
	if !rc.HasPnL || rc.LastPrice <= 0 {
		return domain.Skip()
	}

	p := rc.Position
	short := p.Direction == domain.DirectionShort

	if p.StopPrice > 0 {
		hit := rc.LastPrice <= p.StopPrice
		if short {
			hit = rc.LastPrice >= p.StopPrice
		}
		if hit {
			return domain.Exit(ReasonBracketStop,
				fmt.Sprintf("bracket stop: ltp %.2f crossed stop %.2f", rc.LastPrice, p.StopPrice),
				map[string]string{"ltp": fmt.Sprintf("%.2f", rc.LastPrice), "stop_price": fmt.Sprintf("%.2f", p.StopPrice)})
		}
	}

	if p.TargetPrice > 0 {
		hit := rc.LastPrice >= p.TargetPrice
		if short {
			hit = rc.LastPrice <= p.TargetPrice
		}
		if hit {
			return domain.Exit(ReasonBracketTarget,
				fmt.Sprintf("bracket target: ltp %.2f crossed target %.2f", rc.LastPrice, p.TargetPrice),
				map[string]string{"ltp": fmt.Sprintf("%.2f", rc.LastPrice), "target_price": fmt.Sprintf("%.2f", p.TargetPrice)})
		}
	}

	return domain.NoAction()
}

// takeProfitRule books profit at the fixed percentage target.
type takeProfitRule struct {
	cfg *config.RiskConfig
}

func (r *takeProfitRule) Name() string  { return "take_profit" }
func (r *takeProfitRule) Priority() int { return 30 }

func (r *takeProfitRule) Evaluate(rc *Context) domain.RuleResult {
	if !rc.HasPnL {
		return domain.Skip()
	}
	if rc.PnLPct >= r.cfg.TakeProfitPct {
		return domain.Exit(ReasonTakeProfit,
			fmt.Sprintf("take profit: pnl %.2f%% reached %.2f%%", rc.PnLPct, r.cfg.TakeProfitPct),
			map[string]string{"pnl_pct": fmt.Sprintf("%.2f", rc.PnLPct)})
	}
	return domain.NoAction()
}

// secureProfitRule protects a large absolute profit: once the rupee PnL has
// reached the secure threshold, a drawdown from peak beyond the configured
// percentage books it.
type secureProfitRule struct {
	cfg *config.RiskConfig
}

func (r *secureProfitRule) Name() string  { return "secure_profit" }
func (r *secureProfitRule) Priority() int { return 35 }

func (r *secureProfitRule) Evaluate(rc *Context) domain.RuleResult {
	if !rc.HasPnL {
		return domain.Skip()
	}
	if r.cfg.SecureProfitAbs <= 0 || rc.PnL < r.cfg.SecureProfitAbs {
		return domain.NoAction()
	}
	drawdown := rc.PeakPct - rc.PnLPct
	if drawdown >= r.cfg.SecureDrawdownPct {
		return domain.Exit(ReasonSecureProfit,
			fmt.Sprintf("secure profit: pnl %.2f gave back %.2f%% from peak %.2f%%", rc.PnL, drawdown, rc.PeakPct),
			map[string]string{
				"pnl":          fmt.Sprintf("%.2f", rc.PnL),
				"drawdown_pct": fmt.Sprintf("%.2f", drawdown),
			})
	}
	return domain.NoAction()
}

// timeBasedExitRule closes profitable positions at the configured cut-off
// time. Below the minimum profit it is a no-op, not a skip: the condition
// was evaluated and simply not met.
type timeBasedExitRule struct {
	cfg *config.RiskConfig
}

func (r *timeBasedExitRule) Name() string  { return "time_based_exit" }
func (r *timeBasedExitRule) Priority() int { return 40 }

func (r *timeBasedExitRule) Evaluate(rc *Context) domain.RuleResult {
	if !r.cfg.TimeExitAt.IsSet() || !r.cfg.TimeExitAt.ReachedAt(rc.Now) {
		return domain.NoAction()
	}
	if !rc.HasPnL {
		return domain.Skip()
	}
	if rc.PnLPct < r.cfg.TimeExitMinProfitPct {
		return domain.NoAction()
	}
	return domain.Exit(ReasonTimeExit,
		fmt.Sprintf("time exit: pnl %.2f%% at cut-off", rc.PnLPct),
		map[string]string{"pnl_pct": fmt.Sprintf("%.2f", rc.PnLPct)})
}

// peakDrawdownRule is the adaptive trailing stop: inert until peak profit
// reaches the activation threshold, then exits when the drawdown from peak
// exceeds the decaying allowance.
type peakDrawdownRule struct {
	cfg      *config.RiskConfig
	trailing *TrailingController
}

func (r *peakDrawdownRule) Name() string  { return "peak_drawdown" }
func (r *peakDrawdownRule) Priority() int { return 45 }

func (r *peakDrawdownRule) Evaluate(rc *Context) domain.RuleResult {
	if !rc.HasPnL {
		return domain.Skip()
	}
	if rc.PeakPct < r.trailing.ActivationPct() {
		return domain.NoAction()
	}

	allowed := r.trailing.AllowedDrawdown(rc.PeakPct, rc.Position.IndexClass)
	drawdown := rc.PeakPct - rc.PnLPct
	if drawdown >= allowed {
		return domain.Exit(ReasonPeakDrawdown,
			fmt.Sprintf("peak drawdown: gave back %.2f%% of allowed %.2f%% from peak %.2f%%", drawdown, allowed, rc.PeakPct),
			map[string]string{
				"drawdown_pct": fmt.Sprintf("%.2f", drawdown),
				"allowed_pct":  fmt.Sprintf("%.2f", allowed),
				"peak_pct":     fmt.Sprintf("%.2f", rc.PeakPct),
			})
	}
	return domain.NoAction()
}

// trailingStopRule is the legacy fixed-percentage trail from the high-water
// mark, kept for strategies that opt out of the adaptive schedule.
type trailingStopRule struct {
	cfg *config.RiskConfig
}

func (r *trailingStopRule) Name() string  { return "trailing_stop" }
func (r *trailingStopRule) Priority() int { return 50 }

func (r *trailingStopRule) Evaluate(rc *Context) domain.RuleResult {
	if !rc.HasPnL {
		return domain.Skip()
	}
	if r.cfg.TrailingStopPct <= 0 || rc.PeakPct <= 0 {
		return domain.NoAction()
	}
	drop := rc.PeakPct - rc.PnLPct
	if drop >= r.cfg.TrailingStopPct {
		return domain.Exit(ReasonTrailingStop,
			fmt.Sprintf("trailing stop: dropped %.2f%% from peak %.2f%%", drop, rc.PeakPct),
			map[string]string{"drop_pct": fmt.Sprintf("%.2f", drop), "peak_pct": fmt.Sprintf("%.2f", rc.PeakPct)})
	}
	return domain.NoAction()
}

// underlyingExitRule exits on adverse conditions in the underlying market:
// a structure break against the position, a trend-score collapse, or a
// volatility collapse. Skips when no assessment is available.
type underlyingExitRule struct {
	cfg *config.RiskConfig
}

func (r *underlyingExitRule) Name() string  { return "underlying_exit" }
func (r *underlyingExitRule) Priority() int { return 60 }

func (r *underlyingExitRule) Evaluate(rc *Context) domain.RuleResult {
	u := r.cfg.Underlying
	if !u.Enabled {
		return domain.NoAction()
	}
	if !rc.HasUnderlying {
		return domain.Skip()
	}

	a := rc.Underlying
	if a.StructureBroken {
		return domain.Exit(ReasonStructureBreak,
			"underlying structure broke against position", nil)
	}

	collapsed := a.TrendScore <= u.TrendScoreCollapse
	if rc.Position.Direction == domain.DirectionShort {
		collapsed = a.TrendScore >= -u.TrendScoreCollapse
	}
	if collapsed {
		return domain.Exit(ReasonTrendCollapse,
			fmt.Sprintf("underlying trend collapsed: score %.2f", a.TrendScore),
			map[string]string{"trend_score": fmt.Sprintf("%.2f", a.TrendScore)})
	}

	if a.VolatilityRatio > 0 && a.VolatilityRatio < u.VolCollapseRatio {
		return domain.Exit(ReasonVolCollapse,
			fmt.Sprintf("volatility collapsed: ratio %.2f", a.VolatilityRatio),
			map[string]string{"vol_ratio": fmt.Sprintf("%.2f", a.VolatilityRatio)})
	}

	return domain.NoAction()
}
