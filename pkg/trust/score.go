package trust

import "time"

// Status buckets a TrustScore.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusPartial Status = "PARTIAL"
	StatusFail    Status = "FAIL"
)

// TrustScore is the deterministic, authoritative result of scoring one interaction.
type TrustScore struct {
	Overall    float64         `json:"overall"`
	Principles PrincipleScores `json:"principles"`
	Violations []Principle     `json:"violations"`
	Timestamp  time.Time       `json:"timestamp"`
}

// HasViolations reports whether any principle scored below 5.
func (s TrustScore) HasViolations() bool { return len(s.Violations) > 0 }

// CalculateTrustScore scores at the current wall-clock time.
func CalculateTrustScore(scores PrincipleScores) TrustScore {
	return CalculateTrustScoreAt(scores, time.Now().UTC())
}

// CalculateTrustScoreAt computes the weighted score. Missing principles count
// as 0. Values are not clamped. If a critical principle is exactly 0 the
// overall score is forced to 0 regardless of the weighted sum.
func CalculateTrustScoreAt(scores PrincipleScores, at time.Time) TrustScore {
	weighted, criticalZero := weightedSum(scores)

	principles := make(PrincipleScores, len(Principles))
	violations := make([]Principle, 0)
	for _, p := range Principles {
		v := scores.Get(p)
		principles[p] = v
		if v < ViolationBelow {
			violations = append(violations, p)
		}
	}

	overall := weighted
	if criticalZero {
		overall = 0
	}

	return TrustScore{
		Overall:    overall,
		Principles: principles,
		Violations: violations,
		Timestamp:  at,
	}
}

// weightedSum returns Σ score·weight and whether a critical principle is exactly zero.
func weightedSum(scores PrincipleScores) (float64, bool) {
	var sum float64
	criticalZero := false
	for _, p := range Principles {
		v := scores.Get(p)
		sum += v * Weight(p)
		if IsCritical(p) && v == criticalZeroValue {
			criticalZero = true
		}
	}
	return sum, criticalZero
}

// overallOf is the overall score without the surrounding TrustScore bookkeeping.
func overallOf(scores PrincipleScores) float64 {
	sum, criticalZero := weightedSum(scores)
	if criticalZero {
		return 0
	}
	return sum
}

// ValidateTrustScore passes iff overall ≥ threshold and there are no violations.
// A non-positive threshold selects DefaultThreshold.
func ValidateTrustScore(score TrustScore, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return score.Overall >= threshold && !score.HasViolations()
}

// GetTrustStatus buckets score: PASS (≥8, no violations), PARTIAL (≥5), else FAIL.
func GetTrustStatus(score TrustScore) Status {
	switch {
	case score.Overall >= PassThreshold && !score.HasViolations():
		return StatusPass
	case score.Overall >= PartialThreshold:
		return StatusPartial
	default:
		return StatusFail
	}
}
