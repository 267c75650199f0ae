package risk

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/marketwheel/sentinel/internal/config"
	"github.com/marketwheel/sentinel/internal/domain"
)

// Engine evaluates the rule set for one position. Rules run strictly in
// ascending priority order; the first exit verdict wins and evaluation
// stops. A rule that panics is logged and treated as skipped so one bad
// rule can never take the monitor down.
type Engine struct {
	rules  []Rule
	logger *slog.Logger
}

// NewEngine builds the engine from the built-in rule set, dropping any rule
// named in DisabledRules. Disabled rules are never evaluated at all.
func NewEngine(cfg *config.RiskConfig, trailing *TrailingController, logger *slog.Logger) *Engine {
	disabled := make(map[string]bool, len(cfg.DisabledRules))
	for _, name := range cfg.DisabledRules {
		disabled[strings.ToLower(strings.TrimSpace(name))] = true
	}

	var rules []Rule
	for _, r := range defaultRules(cfg, trailing) {
		if disabled[r.Name()] {
			continue
		}
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority() < rules[j].Priority() })

	return &Engine{
		rules:  rules,
		logger: logger.With(slog.String("component", "rule_engine")),
	}
}

// Evaluate runs the rules against the context and returns the first exit
// verdict, or NoAction when nothing triggers.
func (e *Engine) Evaluate(rc *Context) domain.RuleResult {
	for _, r := range e.rules {
		res := e.evaluateOne(r, rc)
		if res.Action == domain.ActionExit {
			return res
		}
	}
	return domain.NoAction()
}

func (e *Engine) evaluateOne(r Rule, rc *Context) (res domain.RuleResult) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("rule panicked",
				slog.String("rule", r.Name()),
				slog.String("position_id", rc.Position.ID),
				slog.Any("panic", p),
			)
			ruleErrorsTotal.WithLabelValues(r.Name()).Inc()
			res = domain.Skip()
		}
	}()
	return r.Evaluate(rc)
}

// RuleNames returns the enabled rule names in evaluation order, for the
// status endpoint.
func (e *Engine) RuleNames() []string {
	names := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name())
	}
	return names
}
