package policy

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Flag records one failed rule.
type Flag struct {
	RuleID   string   `json:"ruleId"`
	Severity Severity `json:"severity"`
	Action   Action   `json:"action"`
	Message  string   `json:"message"`
}

// Evaluation is the result of running one policy against one record.
// Confidence is RulesPassed/RulesEvaluated, or 1 when no rules ran.
type Evaluation struct {
	PolicyID       string    `json:"policyId"`
	PolicyVersion  string    `json:"policyVersion"`
	RulesEvaluated int       `json:"rulesEvaluated"`
	RulesPassed    int       `json:"rulesPassed"`
	RulesFailed    int       `json:"rulesFailed"`
	Passed         bool      `json:"passed"`
	Confidence     float64   `json:"confidence"`
	Flags          []Flag    `json:"flags"`
	Explanation    string    `json:"explanation"`
	Timestamp      time.Time `json:"timestamp"`
}

// Blocked reports whether any failed rule asks for a block.
func (e Evaluation) Blocked() bool {
	for _, f := range e.Flags {
		if f.Action == ActionBlock {
			return true
		}
	}
	return false
}

// EvaluationError is a rule that could not be evaluated. It is recorded as a
// flag with SeverityError, never returned.
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Evaluator runs policies. It holds no per-evaluation state.
type Evaluator struct {
	logger *slog.Logger
	clock  func() time.Time
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l }
}

// WithClock overrides the wall clock (for testing).
func WithClock(clock func() time.Time) EvaluatorOption {
	return func(e *Evaluator) { e.clock = clock }
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		logger: slog.Default().With("component", "policy"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs p against record with a default Evaluator.
func Evaluate(record Record, p *Policy) Evaluation {
	return NewEvaluator().Evaluate(record, p)
}

// Evaluate runs every rule of p against record. A disabled policy evaluates
// no rules and passes.
func (e *Evaluator) Evaluate(record Record, p *Policy) Evaluation {
	ev := Evaluation{
		PolicyID:      p.ID,
		PolicyVersion: p.Version,
		Flags:         []Flag{},
		Timestamp:     e.clock().UTC(),
	}
	if !p.Enabled {
		ev.Passed = true
		ev.Confidence = 1
		ev.Explanation = fmt.Sprintf("policy %s is disabled", p.ID)
		return ev
	}

	var failed []string
	for _, rule := range p.Rules {
		ev.RulesEvaluated++
		ok, msg, err := e.evaluateRule(rule, record)
		if err != nil {
			e.logger.Warn("policy rule evaluation failed",
				"policy_id", p.ID, "rule_id", rule.ID, "error", err)
			ev.RulesFailed++
			failed = append(failed, rule.ID)
			ev.Flags = append(ev.Flags, Flag{
				RuleID:   rule.ID,
				Severity: SeverityError,
				Action:   rule.Action,
				Message:  err.Error(),
			})
			continue
		}
		if ok {
			ev.RulesPassed++
			continue
		}
		ev.RulesFailed++
		failed = append(failed, rule.ID)
		if rule.Message != "" {
			msg = rule.Message + ": " + msg
		}
		ev.Flags = append(ev.Flags, Flag{
			RuleID:   rule.ID,
			Severity: rule.Severity,
			Action:   rule.Action,
			Message:  msg,
		})
	}

	ev.Passed = ev.RulesFailed == 0
	if ev.RulesEvaluated == 0 {
		ev.Confidence = 1
	} else {
		ev.Confidence = float64(ev.RulesPassed) / float64(ev.RulesEvaluated)
	}
	if ev.Passed {
		ev.Explanation = fmt.Sprintf("all %d rules passed", ev.RulesEvaluated)
	} else {
		ev.Explanation = fmt.Sprintf("%d of %d rules failed: %s",
			ev.RulesFailed, ev.RulesEvaluated, strings.Join(failed, ", "))
	}
	return ev
}

func (e *Evaluator) evaluateRule(rule Rule, record Record) (ok bool, msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, msg = false, ""
			err = &EvaluationError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if rule.Condition == nil {
		return false, "", &EvaluationError{RuleID: rule.ID, Err: fmt.Errorf("rule has no condition")}
	}
	ok, msg, err = rule.Condition.Evaluate(record)
	if err != nil {
		return false, "", &EvaluationError{RuleID: rule.ID, Err: err}
	}
	return ok, msg, nil
}

// EvaluateAll runs every policy against record, in order.
func (e *Evaluator) EvaluateAll(record Record, policies []*Policy) []Evaluation {
	out := make([]Evaluation, 0, len(policies))
	for _, p := range policies {
		out = append(out, e.Evaluate(record, p))
	}
	return out
}
