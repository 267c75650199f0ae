package domain

// RuleAction is the outcome kind of a single rule evaluation.
type RuleAction int

const (
	// ActionNone means the rule evaluated and its condition was not met.
	ActionNone RuleAction = iota
	// ActionExit means the rule triggered and the position must be closed.
	ActionExit
	// ActionSkip means the rule lacked the data needed to evaluate.
	ActionSkip
)

// RuleResult is the tagged result of one rule evaluation. Skip is distinct
// from NoAction: a skipped rule could not be evaluated at all.
type RuleResult struct {
	Action   RuleAction
	Reason   string
	Message  string
	Metadata map[string]string
}

// Exit builds an exit result with the given machine reason and human message.
func Exit(reason, message string, meta map[string]string) RuleResult {
	return RuleResult{Action: ActionExit, Reason: reason, Message: message, Metadata: meta}
}

// NoAction reports an evaluated-but-not-met condition.
func NoAction() RuleResult { return RuleResult{Action: ActionNone} }

// Skip reports insufficient data to evaluate.
func Skip() RuleResult { return RuleResult{Action: ActionSkip} }

// ExitOutcome is the structured result of an exit execution attempt.
// Validation failures are reported through Success/Reason, never as errors;
// Err is reserved for genuine external failures that need attention.
type ExitOutcome struct {
	Success   bool
	Reason    string
	ExitPrice *float64
	Err       error
}
