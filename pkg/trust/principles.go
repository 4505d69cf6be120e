// Package trust scores agent interactions against the six constitutional
// trust principles and refines the result with a Bayesian uncertainty model.
package trust

import (
	"fmt"
	"sort"
	"strings"
)

// Principle is one of the six fixed trust dimensions.
type Principle string

const (
	ConsentArchitecture  Principle = "CONSENT_ARCHITECTURE"
	InspectionMandate    Principle = "INSPECTION_MANDATE"
	ContinuousValidation Principle = "CONTINUOUS_VALIDATION"
	EthicalOverride      Principle = "ETHICAL_OVERRIDE"
	RightToDisconnect    Principle = "RIGHT_TO_DISCONNECT"
	MoralRecognition     Principle = "MORAL_RECOGNITION"
)

// Score bounds and cut-offs on the 0-10 scale.
const (
	MinScore          = 0.0
	MaxScore          = 10.0
	ViolationBelow    = 5.0
	DefaultThreshold  = 7.0
	PassThreshold     = 8.0
	PartialThreshold  = 5.0
	criticalZeroValue = 0.0
)

type principleSpec struct {
	weight   float64
	critical bool
}

// principleTable is fixed. Weights sum to 1.0.
var principleTable = map[Principle]principleSpec{
	ConsentArchitecture:  {weight: 0.25, critical: true},
	InspectionMandate:    {weight: 0.20},
	ContinuousValidation: {weight: 0.20},
	EthicalOverride:      {weight: 0.15, critical: true},
	RightToDisconnect:    {weight: 0.10},
	MoralRecognition:     {weight: 0.10},
}

// Principles lists every principle in table order.
var Principles = []Principle{
	ConsentArchitecture,
	InspectionMandate,
	ContinuousValidation,
	EthicalOverride,
	RightToDisconnect,
	MoralRecognition,
}

// Weight returns the static weight of p, or 0 for unknown principles.
func Weight(p Principle) float64 { return principleTable[p].weight }

// IsCritical reports whether a score of exactly 0 on p forces the overall score to 0.
func IsCritical(p Principle) bool { return principleTable[p].critical }

// IsKnown reports whether p is one of the six principles.
func IsKnown(p Principle) bool {
	_, ok := principleTable[p]
	return ok
}

// PrincipleScores maps principles to scores on the 0-10 scale.
type PrincipleScores map[Principle]float64

// Get returns the score for p, defaulting to 0 when absent.
func (s PrincipleScores) Get(p Principle) float64 { return s[p] }

// Clone returns a copy of s.
func (s PrincipleScores) Clone() PrincipleScores {
	out := make(PrincipleScores, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// ValidateScores checks that every key is a known principle and every value is
// within [0,10]. Scoring itself does not clamp; callers that need range
// guarantees call this first.
func ValidateScores(scores PrincipleScores) error {
	var problems []string
	for p, v := range scores {
		if !IsKnown(p) {
			problems = append(problems, fmt.Sprintf("unknown principle %q", p))
			continue
		}
		if v < MinScore || v > MaxScore {
			problems = append(problems, fmt.Sprintf("%s=%g outside [0,10]", p, v))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid principle scores: %s", strings.Join(problems, "; "))
}
