// Package kernel is the safety gate every planned action passes before it
// executes.
//
// The gate is stateless. Rules run in a fixed order and the first failing
// rule decides the outcome.
package kernel

import (
	"fmt"

	"github.com/Mindburn-Labs/sonate/pkg/store"
)

// ActionType names what a planned action does.
type ActionType string

const (
	ActionAlert           ActionType = "alert"
	ActionNotify          ActionType = "notify"
	ActionAdjustThreshold ActionType = "adjust_threshold"
	ActionBanAgent        ActionType = "ban_agent"
	ActionRestrictAgent   ActionType = "restrict_agent"
	ActionQuarantineAgent ActionType = "quarantine_agent"
	ActionUnbanAgent      ActionType = "unban_agent"
)

var knownActions = map[ActionType]bool{
	ActionAlert:           true,
	ActionNotify:          true,
	ActionAdjustThreshold: true,
	ActionBanAgent:        true,
	ActionRestrictAgent:   true,
	ActionQuarantineAgent: true,
	ActionUnbanAgent:      true,
}

// Known reports whether t is a recognised action type.
func (t ActionType) Known() bool { return knownActions[t] }

// Executory reports whether t changes system state rather than only
// informing humans.
func (t ActionType) Executory() bool {
	switch t {
	case ActionAdjustThreshold, ActionBanAgent, ActionRestrictAgent, ActionQuarantineAgent, ActionUnbanAgent:
		return true
	default:
		return false
	}
}

// Mode is a tenant's enforcement mode.
type Mode string

const (
	// ModeAdvisory only raises alerts.
	ModeAdvisory Mode = "advisory"
	// ModeEnforced also applies enforcement effects.
	ModeEnforced Mode = "enforced"
)

// ParseMode returns the mode named by s, defaulting to advisory.
func ParseMode(s string) Mode {
	if Mode(s) == ModeEnforced {
		return ModeEnforced
	}
	return ModeAdvisory
}

// PlannedAction is a candidate corrective or alerting action.
type PlannedAction struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target"`
	Reason string     `json:"reason,omitempty"`
	// Priority orders actions within a plan.
	Priority   store.Severity `json:"priority"`
	Confidence float64        `json:"confidence"`
	// Severity is the severity of the alert raised, when the action raises one.
	Severity store.Severity `json:"severity,omitempty"`
	// Params carries type-specific arguments such as a threshold value.
	Params map[string]any `json:"params,omitempty"`
}

// Key identifies an action for deduplication.
func (a PlannedAction) Key() string {
	return string(a.Type) + "|" + a.Target
}

func (a PlannedAction) String() string {
	return fmt.Sprintf("%s(%s)", a.Type, a.Target)
}

// Rule names.
const (
	RuleMissingTenant             = "missing_tenant"
	RuleUnknownAction             = "unknown_action"
	RuleAdvisoryNoExecution       = "advisory_no_execution"
	RuleReasonRequiredForSeverity = "reason_required_for_severity"
	RuleReasonRequiredForBan      = "reason_required_for_ban"
)

// Context is what the gate knows about the caller.
type Context struct {
	TenantID string
	Mode     Mode
}

// ConstraintCheck is the gate's verdict on one action.
type ConstraintCheck struct {
	OK     bool   `json:"ok"`
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func reject(rule, format string, args ...any) ConstraintCheck {
	return ConstraintCheck{OK: false, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Check runs the rules against a in order.
func Check(ctx Context, a PlannedAction) ConstraintCheck {
	if ctx.TenantID == "" {
		return reject(RuleMissingTenant, "no tenant context for %s", a)
	}
	if !a.Type.Known() {
		return reject(RuleUnknownAction, "unknown action type %q", a.Type)
	}
	if ctx.Mode != ModeEnforced && a.Type.Executory() {
		return reject(RuleAdvisoryNoExecution, "%s is executory and tenant %s is advisory", a, ctx.TenantID)
	}
	if (a.Severity == store.SeverityHigh || a.Severity == store.SeverityCritical) && a.Reason == "" {
		return reject(RuleReasonRequiredForSeverity, "%s at severity %s needs a reason", a, a.Severity)
	}
	if (a.Type == ActionBanAgent || a.Type == ActionQuarantineAgent) && a.Reason == "" {
		return reject(RuleReasonRequiredForBan, "%s needs a reason", a)
	}
	return ConstraintCheck{OK: true}
}

// Rejection pairs a rejected action with its verdict.
type Rejection struct {
	Action PlannedAction
	Check  ConstraintCheck
}

// Filter splits actions into those the gate allows and those it rejects,
// preserving order.
func Filter(ctx Context, actions []PlannedAction) (allowed []PlannedAction, rejected []Rejection) {
	for _, a := range actions {
		if c := Check(ctx, a); c.OK {
			allowed = append(allowed, a)
		} else {
			rejected = append(rejected, Rejection{Action: a, Check: c})
		}
	}
	return allowed, rejected
}
