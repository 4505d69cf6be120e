package trust

import (
	"math"
	"time"
)

// ConfidenceLevel buckets how tight the posterior is.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "HIGH"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceLow    ConfidenceLevel = "LOW"
)

// Distribution types reported in ProbabilisticTrustScore.
const (
	DistributionNormal    = "normal"
	DistributionBeta      = "beta"
	DistributionPointMass = "point_mass"
)

const (
	// MinEmpiricalSamples is the history length at which the empirical-Bayes
	// prior replaces the Beta(2,2) prior.
	MinEmpiricalSamples = 5
	// DefaultConfidenceLevel is the two-sided coverage of the reported interval.
	DefaultConfidenceLevel = 0.95

	betaPriorAlpha = 2.0
	betaPriorBeta  = 2.0
	// betaPseudoCount is how many pseudo-observations one normalized score contributes.
	betaPseudoCount = 10.0
	// observationVariance is unit variance on the 0-10 scale, expressed on [0,1].
	observationVariance = 1.0 / (MaxScore * MaxScore)
	// minPriorVariance keeps a constant history from producing a zero-variance prior.
	minPriorVariance = 1e-4
	sensitivityStep  = 0.1

	highMaxWidth   = 1.0
	highMaxCV      = 0.1
	mediumMaxWidth = 2.5
	mediumMaxCV    = 0.25
)

// Interval is a closed range on the 0-10 scale.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Width is Upper-Lower.
func (i Interval) Width() float64 { return i.Upper - i.Lower }

// Confidence describes the reported interval.
type Confidence struct {
	Level         ConfidenceLevel `json:"level"`
	Coverage      float64         `json:"coverage"`
	Interval      Interval        `json:"interval"`
	StandardError float64         `json:"standardError"`
	SampleSize    int             `json:"sampleSize"`
}

// Uncertainty summarises the spread of the posterior over the overall score.
type Uncertainty struct {
	Entropy                float64 `json:"entropy"`
	Variance               float64 `json:"variance"`
	CoefficientOfVariation float64 `json:"coefficientOfVariation"`
}

// Distribution names the posterior family and its parameters (0-10 scale).
type Distribution struct {
	Type   string             `json:"type"`
	Params map[string]float64 `json:"params"`
}

// Sensitivity reports how strongly each principle moves the overall score.
type Sensitivity struct {
	MostSensitivePrinciple Principle       `json:"mostSensitivePrinciple"`
	PerPrinciple           PrincipleScores `json:"perPrincipleScores"`
}

// ProbabilisticTrustScore augments a deterministic TrustScore. The embedded
// TrustScore stays authoritative; everything else is derived.
type ProbabilisticTrustScore struct {
	TrustScore
	PosteriorMean float64      `json:"posteriorMean"`
	Confidence    Confidence   `json:"confidence"`
	Uncertainty   Uncertainty  `json:"uncertainty"`
	Distribution  Distribution `json:"distribution"`
	Sensitivity   Sensitivity  `json:"sensitivity"`
}

// ProbabilisticOptions configures ScoreProbabilistic.
type ProbabilisticOptions struct {
	// ConfidenceLevel in (0,1); zero selects DefaultConfidenceLevel.
	ConfidenceLevel float64
	// Samples are earlier score sets for the same agent, oldest first.
	Samples []PrincipleScores
	// Now overrides the timestamp; zero uses the wall clock.
	Now time.Time
}

// posterior is a per-principle posterior on the normalized [0,1] scale.
type posterior struct {
	mean     float64
	variance float64
	alpha    float64
	beta     float64
}

// ScoreProbabilistic computes the deterministic score and a Bayesian
// refinement of it. All internal arithmetic is on [0,1]; results are projected
// to [0,10] when the report is assembled.
func ScoreProbabilistic(scores PrincipleScores, opts ProbabilisticOptions) ProbabilisticTrustScore {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	level := opts.ConfidenceLevel
	if level <= 0 || level >= 1 {
		level = DefaultConfidenceLevel
	}

	base := CalculateTrustScoreAt(scores, now)
	empirical := len(opts.Samples) >= MinEmpiricalSamples

	var mean, variance float64
	posteriors := make(map[Principle]posterior, len(Principles))
	for _, p := range Principles {
		obs := scores.Get(p) / MaxScore
		var post posterior
		if empirical {
			post = normalPosterior(samplesFor(p, opts.Samples), obs)
		} else {
			post = betaPosterior(samplesFor(p, opts.Samples), obs)
		}
		posteriors[p] = post
		w := Weight(p)
		mean += w * post.mean
		variance += w * w * post.variance
	}

	// Project to the reporting scale.
	mean10 := mean * MaxScore
	variance10 := variance * MaxScore * MaxScore
	sigma10 := math.Sqrt(variance10)

	result := ProbabilisticTrustScore{
		TrustScore:    base,
		PosteriorMean: mean10,
		Sensitivity:   sensitivity(scores),
	}

	if isCriticallyForced(scores) {
		// The critical-zero rule is a definition, not an estimate: the
		// reported quantity is exactly 0.
		result.Confidence = Confidence{
			Level:      ConfidenceHigh,
			Coverage:   level,
			Interval:   Interval{},
			SampleSize: len(opts.Samples),
		}
		result.Distribution = Distribution{
			Type:   DistributionPointMass,
			Params: map[string]float64{"value": 0},
		}
		return result
	}

	z := normalQuantile(1 - (1-level)/2)
	interval := Interval{
		Lower: clamp(mean10-z*sigma10, MinScore, MaxScore),
		Upper: clamp(mean10+z*sigma10, MinScore, MaxScore),
	}
	cv := coefficientOfVariation(mean10, sigma10)

	result.Confidence = Confidence{
		Level:         bucket(interval.Width(), cv),
		Coverage:      level,
		Interval:      interval,
		StandardError: sigma10,
		SampleSize:    len(opts.Samples),
	}
	result.Uncertainty = Uncertainty{
		Entropy:                normalEntropy(sigma10),
		Variance:               variance10,
		CoefficientOfVariation: cv,
	}
	if empirical {
		result.Distribution = Distribution{
			Type:   DistributionNormal,
			Params: map[string]float64{"mean": mean10, "stddev": sigma10},
		}
	} else {
		a, b := betaMoments(mean, variance)
		result.Distribution = Distribution{
			Type:   DistributionBeta,
			Params: map[string]float64{"alpha": a, "beta": b, "scale": MaxScore},
		}
	}
	return result
}

func samplesFor(p Principle, samples []PrincipleScores) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.Get(p)/MaxScore)
	}
	return out
}

// normalPosterior uses the sample mean/variance as a Normal prior and
// conjugate-updates it with one observation of known variance.
func normalPosterior(history []float64, obs float64) posterior {
	n := float64(len(history))
	var m float64
	for _, v := range history {
		m += v
	}
	m /= n

	var ss float64
	for _, v := range history {
		ss += (v - m) * (v - m)
	}
	priorVar := ss / (n - 1)
	if priorVar < minPriorVariance {
		priorVar = minPriorVariance
	}

	postVar := 1 / (1/priorVar + 1/observationVariance)
	postMean := postVar * (m/priorVar + obs/observationVariance)
	return posterior{mean: postMean, variance: postVar}
}

// betaPosterior starts from Beta(2,2) and adds pseudo-counts for each
// observation (history plus current), clamped into [0,1].
func betaPosterior(history []float64, obs float64) posterior {
	a, b := betaPriorAlpha, betaPriorBeta
	for _, v := range append(history, obs) {
		v = clamp(v, 0, 1)
		a += v * betaPseudoCount
		b += (1 - v) * betaPseudoCount
	}
	sum := a + b
	return posterior{
		mean:     a / sum,
		variance: a * b / (sum * sum * (sum + 1)),
		alpha:    a,
		beta:     b,
	}
}

// betaMoments fits Beta parameters to a mean/variance on [0,1].
func betaMoments(mean, variance float64) (float64, float64) {
	if variance <= 0 || mean <= 0 || mean >= 1 {
		return 0, 0
	}
	common := mean*(1-mean)/variance - 1
	if common <= 0 {
		return 0, 0
	}
	return mean * common, (1 - mean) * common
}

// sensitivity perturbs each principle by ±0.1 and reports |Δoverall/Δscore|·weight.
func sensitivity(scores PrincipleScores) Sensitivity {
	per := make(PrincipleScores, len(Principles))
	var most Principle
	best := -1.0
	for _, p := range Principles {
		up := scores.Clone()
		down := scores.Clone()
		up[p] = scores.Get(p) + sensitivityStep
		down[p] = scores.Get(p) - sensitivityStep

		slope := (overallOf(up) - overallOf(down)) / (2 * sensitivityStep)
		v := math.Abs(slope) * Weight(p)
		per[p] = v
		if v > best {
			best = v
			most = p
		}
	}
	return Sensitivity{MostSensitivePrinciple: most, PerPrinciple: per}
}

func isCriticallyForced(scores PrincipleScores) bool {
	_, forced := weightedSum(scores)
	return forced
}

func bucket(width, cv float64) ConfidenceLevel {
	switch {
	case width <= highMaxWidth && cv <= highMaxCV:
		return ConfidenceHigh
	case width <= mediumMaxWidth && cv <= mediumMaxCV:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// coefficientOfVariation is σ/μ; with μ ≤ 0 it is 0 for a certain result and 1 otherwise.
func coefficientOfVariation(mean, sigma float64) float64 {
	if mean <= 0 {
		if sigma == 0 {
			return 0
		}
		return 1
	}
	return sigma / mean
}

// normalEntropy is the differential entropy ½·ln(2πeσ²) in nats, 0 for σ=0.
func normalEntropy(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return 0.5 * math.Log(2*math.Pi*math.E*sigma*sigma)
}

// normalQuantile is the inverse standard normal CDF.
func normalQuantile(p float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ScoreInteraction is the scoring entry point. Without history it returns
// only the deterministic score; with history it also returns the refinement.
func ScoreInteraction(scores PrincipleScores, samples []PrincipleScores) (TrustScore, *ProbabilisticTrustScore) {
	if len(samples) == 0 {
		return CalculateTrustScore(scores), nil
	}
	p := ScoreProbabilistic(scores, ProbabilisticOptions{Samples: samples})
	return p.TrustScore, &p
}
