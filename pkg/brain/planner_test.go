package brain

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sonate/pkg/kernel"
	"github.com/Mindburn-Labs/sonate/pkg/store"
)

func finding(kind FindingKind, agent string) Finding {
	return Finding{Kind: kind, AgentID: agent, Detail: string(kind) + " " + agent, Critical: kind == AnomalyCriticalTrust}
}

func TestPlan_DedupesSameTypeAndTarget(t *testing.T) {
	d := Diagnosis{
		Anomalies: []Finding{finding(AnomalyStatisticalDeviation, ""), finding(AnomalyHighEmergence, "")},
		Urgency:   UrgencyHigh,
	}
	p := PlanActions("t1", steady(7), d, DefaultThresholds(), nil)

	require.Len(t, p.Actions, 1)
	a := p.Actions[0]
	assert.Equal(t, kernel.ActionAlert, a.Type)
	assert.Equal(t, "t1", a.Target)
	assert.Equal(t, store.SeverityHigh, a.Priority)
	assert.Contains(t, a.Reason, "statistical_deviation")
	assert.Contains(t, a.Reason, "high_emergence")
}

func TestPlan_DedupeKeepsHigherPriority(t *testing.T) {
	d := Diagnosis{
		Anomalies: []Finding{finding(AnomalyHighVolatility, ""), finding(AnomalyCriticalTrust, "")},
		Urgency:   UrgencyImmediate,
	}
	p := PlanActions("t1", steady(2), d, DefaultThresholds(), nil)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, store.SeverityCritical, p.Actions[0].Priority)
	assert.Equal(t, store.SeverityCritical, p.Actions[0].Severity)
}

func TestPlan_AnomalySuppressesSofterObservation(t *testing.T) {
	d := Diagnosis{
		Anomalies: []Finding{finding(AnomalyCriticalTrust, "a1"), finding(AnomalyRapidDecline, "")},
		Observations: []Finding{
			finding(ObservationLowTrust, "a1"),
			finding(ObservationLowTrust, ""),
			finding(ObservationDecliningTrend, ""),
		},
		Urgency: UrgencyImmediate,
	}
	p := PlanActions("t1", steady(6), d, DefaultThresholds(), nil)

	keys := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		keys = append(keys, a.Key())
	}
	assert.ElementsMatch(t, []string{
		"quarantine_agent|a1",
		"adjust_threshold|t1",
		"notify|t1",
	}, keys)
	for _, a := range p.Actions {
		if a.Type == kernel.ActionNotify {
			assert.Equal(t, "low_trust", a.Params["finding"], "declining trend was handled by the rapid decline")
		}
	}
}

func TestPlan_OrderAndCap(t *testing.T) {
	d := Diagnosis{
		Anomalies: []Finding{finding(AnomalyStatisticalDeviation, ""), finding(AnomalyRapidDecline, "")},
		Observations: []Finding{
			finding(ObservationLowTrust, "a1"),
			finding(ObservationLowTrust, "a2"),
			finding(ObservationLowTrust, "a3"),
			finding(ObservationDecliningTrend, "a4"),
		},
		Urgency: UrgencyHigh,
	}
	p := PlanActions("t1", steady(6), d, DefaultThresholds(), nil)
	require.Len(t, p.Actions, MaxActions)
	assert.Equal(t, store.SeverityHigh, p.Actions[0].Priority)
	assert.Equal(t, kernel.ActionAlert, p.Actions[0].Type, "higher confidence first within a priority")
	assert.Equal(t, kernel.ActionAdjustThreshold, p.Actions[1].Type)
	assert.Equal(t, store.SeverityMedium, p.Actions[2].Priority)
	assert.Len(t, p.Suppressed, 3)
	for _, s := range p.Suppressed {
		assert.Equal(t, "per-cycle action cap", s.Reason)
	}

	d.Urgency = UrgencyImmediate
	p = PlanActions("t1", steady(6), d, DefaultThresholds(), nil)
	assert.Len(t, p.Actions, MaxActionsImmediate)
}

func TestPlan_RapidDeclineRaisesLowTrust(t *testing.T) {
	d := Diagnosis{Anomalies: []Finding{finding(AnomalyRapidDecline, "")}, Urgency: UrgencyHigh}

	p := PlanActions("t1", steady(6), d, DefaultThresholds(), nil)
	require.Len(t, p.Actions, 1)
	th, ok := p.Actions[0].Params["thresholds"].(Thresholds)
	require.True(t, ok)
	assert.InDelta(t, 5.5, th.LowTrust, 1e-9)

	high := DefaultThresholds()
	high.LowTrust = 8.8
	p = PlanActions("t1", steady(6), d, high, nil)
	th = p.Actions[0].Params["thresholds"].(Thresholds)
	assert.InDelta(t, 9.0, th.LowTrust, 1e-9)
}

func TestPlan_ProactiveProjection(t *testing.T) {
	r := steady(5)
	r.LatestTrust = 4
	r.Trend = Trend{Direction: TrendDeclining, Slope: -0.4}

	p := PlanActions("t1", r, Diagnosis{Urgency: UrgencyNormal}, DefaultThresholds(), nil)
	require.Len(t, p.Actions, 1)
	a := p.Actions[0]
	assert.Equal(t, kernel.ActionAlert, a.Type)
	assert.Equal(t, "projected_breach", a.Params["finding"])
	assert.InDelta(t, 2.8, a.Params["projected"].(float64), 1e-9)
	assert.NotEmpty(t, a.Reason)

	r.Trend.Slope = -0.3 // 4 - 0.9 = 3.1
	assert.Empty(t, PlanActions("t1", r, Diagnosis{}, DefaultThresholds(), nil).Actions)

	r.LatestTrust = 2.5 // already below the floor
	r.Trend.Slope = -1
	assert.Empty(t, PlanActions("t1", r, Diagnosis{}, DefaultThresholds(), nil).Actions)
}

func TestPlan_Effectiveness(t *testing.T) {
	d := Diagnosis{
		Anomalies:    []Finding{finding(AnomalyHighVolatility, "")},
		Observations: []Finding{finding(ObservationUnacknowledgedAlerts, "")},
		Urgency:      UrgencyHigh,
	}
	eff := map[kernel.ActionType]Effectiveness{
		kernel.ActionNotify: {ActionType: kernel.ActionNotify, Attempts: 6, Successes: 0, SuccessRate: 0},
		kernel.ActionAlert:  {ActionType: kernel.ActionAlert, Attempts: 5, Successes: 5, SuccessRate: 1},
	}
	p := PlanActions("t1", steady(7), d, DefaultThresholds(), eff)

	require.Len(t, p.Actions, 1)
	assert.Equal(t, kernel.ActionAlert, p.Actions[0].Type)
	assert.InDelta(t, 0.8, p.Actions[0].Confidence, 1e-9)
	require.Len(t, p.Suppressed, 1)
	assert.Equal(t, kernel.ActionNotify, p.Suppressed[0].Action.Type)
	assert.Equal(t, "notify succeeded 0 of 6 times", p.Suppressed[0].Reason)

	// Too few attempts to judge.
	eff[kernel.ActionNotify] = Effectiveness{Attempts: 4}
	assert.Len(t, PlanActions("t1", steady(7), d, DefaultThresholds(), eff).Actions, 2)
}

func TestPlan_IneffectiveCriticalIsKept(t *testing.T) {
	d := Diagnosis{Anomalies: []Finding{finding(AnomalyCriticalTrust, "")}, Urgency: UrgencyImmediate}
	eff := map[kernel.ActionType]Effectiveness{
		kernel.ActionAlert: {Attempts: 10, SuccessRate: 0},
	}
	p := PlanActions("t1", steady(2), d, DefaultThresholds(), eff)
	require.Len(t, p.Actions, 1)
	assert.Empty(t, p.Suppressed)
}

func TestPlan_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	kindsAll := []FindingKind{
		AnomalyCriticalTrust, AnomalyStatisticalDeviation, AnomalyHighEmergence,
		AnomalyRapidDecline, AnomalyHighVolatility,
		ObservationLowTrust, ObservationDecliningTrend,
		ObservationUnacknowledgedAlerts, ObservationHighBanRatio,
	}
	toFindings := func(codes []int) []Finding {
		out := make([]Finding, 0, len(codes))
		for _, c := range codes {
			out = append(out, finding(kindsAll[c%len(kindsAll)], agentName(c/len(kindsAll))))
		}
		return out
	}
	genCodes := gen.SliceOf(gen.IntRange(0, 4*len(kindsAll)-1))

	properties.Property("unique keys within the cap", prop.ForAll(
		func(anoms, obs []int, immediate bool) bool {
			d := Diagnosis{Anomalies: toFindings(anoms), Observations: toFindings(obs), Urgency: UrgencyHigh}
			limit := MaxActions
			if immediate {
				d.Urgency = UrgencyImmediate
				limit = MaxActionsImmediate
			}
			p := PlanActions("t1", steady(6), d, DefaultThresholds(), nil)
			if len(p.Actions) > limit {
				return false
			}
			seen := map[string]bool{}
			for i, a := range p.Actions {
				if seen[a.Key()] {
					return false
				}
				seen[a.Key()] = true
				if i > 0 && p.Actions[i-1].Priority.Rank() < a.Priority.Rank() {
					return false
				}
			}
			return true
		},
		genCodes, genCodes, gen.Bool(),
	))
	properties.TestingRun(t)
}

func agentName(i int) string {
	if i == 0 {
		return ""
	}
	return fmt.Sprintf("a%d", i)
}
