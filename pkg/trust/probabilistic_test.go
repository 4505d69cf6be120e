package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func history(n int, v float64) []PrincipleScores {
	out := make([]PrincipleScores, n)
	for i := range out {
		out[i] = allAt(v + float64(i%2)*0.5)
	}
	return out
}

func TestScoreProbabilistic_KeepsDeterministicScore(t *testing.T) {
	scores := allAt(8)
	p := ScoreProbabilistic(scores, ProbabilisticOptions{Now: fixedNow})
	det := CalculateTrustScoreAt(scores, fixedNow)
	assert.Equal(t, det, p.TrustScore)
}

func TestScoreProbabilistic_BetaPathForShortHistory(t *testing.T) {
	p := ScoreProbabilistic(allAt(8), ProbabilisticOptions{Now: fixedNow, Samples: history(2, 8)})

	assert.Equal(t, DistributionBeta, p.Distribution.Type)
	assert.Equal(t, 2, p.Confidence.SampleSize)
	// Beta(2,2) pulls toward 5; pseudo-counts pull toward 8.
	assert.Greater(t, p.PosteriorMean, 5.0)
	assert.Less(t, p.PosteriorMean, 8.5)
	assert.LessOrEqual(t, p.Confidence.Interval.Lower, p.PosteriorMean)
	assert.GreaterOrEqual(t, p.Confidence.Interval.Upper, p.PosteriorMean)
	assert.Greater(t, p.Distribution.Params["alpha"], 0.0)
}

func TestScoreProbabilistic_EmpiricalPathForLongHistory(t *testing.T) {
	p := ScoreProbabilistic(allAt(8), ProbabilisticOptions{Now: fixedNow, Samples: history(10, 8)})

	assert.Equal(t, DistributionNormal, p.Distribution.Type)
	assert.Equal(t, 10, p.Confidence.SampleSize)
	assert.InDelta(t, 8.1, p.PosteriorMean, 0.3)
	assert.Greater(t, p.Confidence.StandardError, 0.0)
	assert.Equal(t, ConfidenceHigh, p.Confidence.Level)
}

func TestScoreProbabilistic_IntervalClampedToScale(t *testing.T) {
	p := ScoreProbabilistic(allAt(10), ProbabilisticOptions{Now: fixedNow})
	assert.GreaterOrEqual(t, p.Confidence.Interval.Lower, 0.0)
	assert.LessOrEqual(t, p.Confidence.Interval.Upper, 10.0)
}

func TestScoreProbabilistic_WiderCoverageWidensInterval(t *testing.T) {
	narrow := ScoreProbabilistic(allAt(6), ProbabilisticOptions{Now: fixedNow, ConfidenceLevel: 0.5})
	wide := ScoreProbabilistic(allAt(6), ProbabilisticOptions{Now: fixedNow, ConfidenceLevel: 0.99})
	assert.Greater(t, wide.Confidence.Interval.Width(), narrow.Confidence.Interval.Width())
}

func TestScoreProbabilistic_CriticalZeroCollapsesInterval(t *testing.T) {
	scores := allAt(9)
	scores[ConsentArchitecture] = 0
	p := ScoreProbabilistic(scores, ProbabilisticOptions{Now: fixedNow, Samples: history(6, 9)})

	assert.Equal(t, 0.0, p.Overall)
	assert.Equal(t, Interval{}, p.Confidence.Interval)
	assert.Equal(t, DistributionPointMass, p.Distribution.Type)
	assert.Equal(t, ConfidenceHigh, p.Confidence.Level)
	// The unforced posterior is still reported for diagnostics.
	assert.Greater(t, p.PosteriorMean, 0.0)
}

func TestSensitivity_MostSensitiveIsHeaviestPrinciple(t *testing.T) {
	p := ScoreProbabilistic(allAt(7), ProbabilisticOptions{Now: fixedNow})
	require.Len(t, p.Sensitivity.PerPrinciple, 6)
	assert.Equal(t, ConsentArchitecture, p.Sensitivity.MostSensitivePrinciple)
	assert.InDelta(t, 0.25*0.25, p.Sensitivity.PerPrinciple[ConsentArchitecture], 1e-9)
	assert.InDelta(t, 0.10*0.10, p.Sensitivity.PerPrinciple[MoralRecognition], 1e-9)
}

func TestNormalQuantile(t *testing.T) {
	assert.InDelta(t, 1.959964, normalQuantile(0.975), 1e-5)
	assert.InDelta(t, 0.0, normalQuantile(0.5), 1e-12)
}

func TestBucket(t *testing.T) {
	assert.Equal(t, ConfidenceHigh, bucket(0.8, 0.05))
	assert.Equal(t, ConfidenceMedium, bucket(2.0, 0.2))
	assert.Equal(t, ConfidenceLow, bucket(3.0, 0.05))
	assert.Equal(t, ConfidenceLow, bucket(0.5, 0.5))
}

func TestScoreInteraction(t *testing.T) {
	score, refined := ScoreInteraction(allAt(8), nil)
	assert.Nil(t, refined)
	assert.InDelta(t, 8.0, score.Overall, 1e-9)

	score, refined = ScoreInteraction(allAt(8), history(3, 8))
	require.NotNil(t, refined)
	assert.Equal(t, score, refined.TrustScore)
	assert.Equal(t, 3, refined.Confidence.SampleSize)
}
