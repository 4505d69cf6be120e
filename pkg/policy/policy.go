// Package policy evaluates stored records against declarative policy
// documents.
//
// A policy is a versioned list of rules. Each rule carries one condition,
// decoded once at load time into a concrete variant (ScoreThreshold,
// ContentPattern, MetadataCheck, PrincipleCheck, CustomLogic). Evaluation is
// exhaustive: every rule of an enabled policy runs, and a rule that fails to
// evaluate becomes a failed rule with severity "error".
package policy

import (
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// RuleType names a condition variant.
type RuleType string

const (
	RuleScoreThreshold RuleType = "score_threshold"
	RuleContentPattern RuleType = "content_pattern"
	RuleMetadataCheck  RuleType = "metadata_check"
	RulePrincipleCheck RuleType = "principle_check"
	RuleCustomLogic    RuleType = "custom_logic"
)

// Action is what a failing rule asks the caller to do.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionFlag            Action = "flag"
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
)

// Severity of a rule. SeverityError is reserved for rules that could not be
// evaluated.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
)

// Operator compares a looked-up number with a literal.
type Operator string

const (
	OpGTE Operator = "gte"
	OpGT  Operator = "gt"
	OpLTE Operator = "lte"
	OpLT  Operator = "lt"
	OpEQ  Operator = "eq"
)

var operatorAliases = map[string]Operator{
	">=": OpGTE, "gte": OpGTE,
	">": OpGT, "gt": OpGT,
	"<=": OpLTE, "lte": OpLTE,
	"<": OpLT, "lt": OpLT,
	"==": OpEQ, "=": OpEQ, "eq": OpEQ,
}

const floatTolerance = 1e-9

func (op Operator) compare(got, want float64) bool {
	switch op {
	case OpGTE:
		return got >= want
	case OpGT:
		return got > want
	case OpLTE:
		return got <= want
	case OpLT:
		return got < want
	case OpEQ:
		d := got - want
		return d < floatTolerance && d > -floatTolerance
	default:
		return false
	}
}

// Policy is an immutable, loaded policy document.
type Policy struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Rules       []Rule `json:"rules"`
	// Hash is the SHA-256 of the canonical document.
	Hash string `json:"hash,omitempty"`

	semver *semver.Version
}

// SemVer returns the parsed version.
func (p *Policy) SemVer() *semver.Version { return p.semver }

// Rule is one check inside a policy.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Type      RuleType  `json:"type"`
	Action    Action    `json:"action"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message,omitempty"`
	Condition Condition `json:"-"`
}

// Condition is the decoded, type-specific part of a rule.
type Condition interface {
	Type() RuleType
	// Evaluate returns whether record satisfies the condition and, when it
	// does not, a human-readable reason. A non-nil error means the condition
	// could not be evaluated.
	Evaluate(record Record) (bool, string, error)
}

// ScoreThreshold compares the number at Path with Value.
type ScoreThreshold struct {
	Path     string   `json:"path"`
	Operator Operator `json:"operator"`
	Value    float64  `json:"value"`
}

func (ScoreThreshold) Type() RuleType { return RuleScoreThreshold }

// ContentPattern fails when any Field contains a forbidden phrase or matches
// a pattern.
type ContentPattern struct {
	Fields        []string `json:"fields"`
	Forbidden     []string `json:"forbidden"`
	Patterns      []string `json:"patterns"`
	CaseSensitive bool     `json:"caseSensitive"`

	compiled []*regexp.Regexp
}

func (ContentPattern) Type() RuleType { return RuleContentPattern }

// MetadataCheck tests a field's presence or value. Exactly one of Required,
// Exists, Equals or OneOf is expected; Required is the default.
type MetadataCheck struct {
	Field    string `json:"field"`
	Required bool   `json:"required"`
	Exists   *bool  `json:"exists,omitempty"`
	Equals   any    `json:"equals,omitempty"`
	OneOf    []any  `json:"oneOf,omitempty"`
}

func (MetadataCheck) Type() RuleType { return RuleMetadataCheck }

// PrincipleCheck compares one principle's score with Value.
type PrincipleCheck struct {
	Principle trust.Principle `json:"principle"`
	Operator  Operator        `json:"operator"`
	Value     float64         `json:"value"`
}

func (PrincipleCheck) Type() RuleType { return RulePrincipleCheck }

// Named custom_logic predicates.
const (
	PredicateAllScoresAtLeast = "all_scores_at_least"
	PredicateOverallAtLeast   = "overall_at_least"
	PredicateNoViolations     = "no_violations"
)

// CustomLogic is either a named predicate or a CEL expression over the
// record. The expression sees `record` (the whole record), `principles`
// (principle name to score) and `overall`.
type CustomLogic struct {
	Predicate  string            `json:"predicate,omitempty"`
	Principles []trust.Principle `json:"principles,omitempty"`
	Threshold  float64           `json:"threshold,omitempty"`
	Expression string            `json:"expression,omitempty"`

	cel *celCache
}

func (CustomLogic) Type() RuleType { return RuleCustomLogic }
