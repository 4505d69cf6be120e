package brain

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/sonate/pkg/kernel"
	"github.com/Mindburn-Labs/sonate/pkg/store"
)

// Per-cycle action caps.
const (
	MaxActionsImmediate = 5
	MaxActions          = 3
)

// Effectiveness thresholds consulted by the planner.
const (
	minEffectivenessAttempts = 5
	ineffectiveBelow         = 0.2
	effectiveFrom            = 0.8
	effectiveBoost           = 0.1
	thresholdStep            = 0.5
	thresholdCeiling         = 9.0
)

// softerCounterpart maps an anomaly to the observation it supersedes on the
// same target.
var softerCounterpart = map[FindingKind]FindingKind{
	AnomalyCriticalTrust: ObservationLowTrust,
	AnomalyRapidDecline:  ObservationDecliningTrend,
}

// SuppressedAction is a candidate the planner dropped.
type SuppressedAction struct {
	Action kernel.PlannedAction `json:"action"`
	Reason string               `json:"reason"`
}

// Plan is the planner's ordered, capped output.
type Plan struct {
	Actions    []kernel.PlannedAction `json:"actions"`
	Suppressed []SuppressedAction     `json:"suppressed,omitempty"`
}

// PlanActions maps a diagnosis to candidate actions. Anomalies are handled
// before observations and each finding yields at most one action. eff may be
// nil.
func PlanActions(tenantID string, r *Readings, d Diagnosis, t Thresholds, eff map[kernel.ActionType]Effectiveness) Plan {
	var candidates []kernel.PlannedAction
	handled := make(map[string]bool)

	for _, f := range d.Anomalies {
		if soft, ok := softerCounterpart[f.Kind]; ok {
			handled[string(soft)+"|"+f.Target(tenantID)] = true
		}
		if a, ok := actionFor(tenantID, f, t); ok {
			candidates = append(candidates, a)
		}
	}
	for _, f := range d.Observations {
		if handled[string(f.Kind)+"|"+f.Target(tenantID)] {
			continue
		}
		if a, ok := actionFor(tenantID, f, t); ok {
			candidates = append(candidates, a)
		}
	}
	if a, ok := proactiveAction(tenantID, r, t); ok {
		candidates = append(candidates, a)
	}

	var plan Plan
	kept := candidates[:0]
	for _, a := range candidates {
		e, ok := eff[a.Type]
		switch {
		case !ok || e.Attempts < minEffectivenessAttempts:
		case e.SuccessRate < ineffectiveBelow && a.Priority != store.SeverityCritical:
			plan.Suppressed = append(plan.Suppressed, SuppressedAction{
				Action: a,
				Reason: fmt.Sprintf("%s succeeded %d of %d times", a.Type, e.Successes, e.Attempts),
			})
			continue
		case e.SuccessRate >= effectiveFrom:
			a.Confidence = min(1, a.Confidence+effectiveBoost)
		}
		kept = append(kept, a)
	}

	actions := dedupe(kept)
	sort.SliceStable(actions, func(i, j int) bool {
		pi, pj := actions[i].Priority.Rank(), actions[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return actions[i].Confidence > actions[j].Confidence
	})

	limit := MaxActions
	if d.Urgency == UrgencyImmediate {
		limit = MaxActionsImmediate
	}
	if len(actions) > limit {
		for _, a := range actions[limit:] {
			plan.Suppressed = append(plan.Suppressed, SuppressedAction{Action: a, Reason: "per-cycle action cap"})
		}
		actions = actions[:limit]
	}
	plan.Actions = actions
	return plan
}

func actionFor(tenantID string, f Finding, t Thresholds) (kernel.PlannedAction, bool) {
	a := kernel.PlannedAction{
		Target: f.Target(tenantID),
		Reason: f.Detail,
		Params: map[string]any{"finding": string(f.Kind)},
	}
	switch f.Kind {
	case AnomalyCriticalTrust:
		a.Priority, a.Severity, a.Confidence = store.SeverityCritical, store.SeverityCritical, 0.95
		a.Type = kernel.ActionAlert
		if f.AgentID != "" {
			a.Type = kernel.ActionQuarantineAgent
		}
	case AnomalyStatisticalDeviation, AnomalyHighEmergence:
		a.Type, a.Priority, a.Severity, a.Confidence = kernel.ActionAlert, store.SeverityHigh, store.SeverityHigh, 0.8
	case AnomalyRapidDecline:
		adjusted := t
		adjusted.LowTrust = min(thresholdCeiling, t.LowTrust+thresholdStep)
		a.Type, a.Priority, a.Severity, a.Confidence = kernel.ActionAdjustThreshold, store.SeverityHigh, store.SeverityHigh, 0.75
		a.Params["thresholds"] = adjusted
	case AnomalyHighVolatility:
		a.Type, a.Priority, a.Severity, a.Confidence = kernel.ActionAlert, store.SeverityMedium, store.SeverityMedium, 0.7
	case ObservationLowTrust:
		a.Type, a.Priority, a.Severity, a.Confidence = kernel.ActionNotify, store.SeverityMedium, store.SeverityMedium, 0.7
		if f.AgentID != "" {
			a.Type = kernel.ActionRestrictAgent
		}
	case ObservationDecliningTrend:
		a.Type, a.Priority, a.Severity, a.Confidence = kernel.ActionNotify, store.SeverityLow, store.SeverityLow, 0.6
	case ObservationUnacknowledgedAlerts:
		a.Type, a.Priority, a.Severity, a.Confidence = kernel.ActionNotify, store.SeverityMedium, store.SeverityMedium, 0.7
	case ObservationPolicyViolations:
		a.Type, a.Priority, a.Severity, a.Confidence = kernel.ActionNotify, store.SeverityMedium, store.SeverityMedium, 0.7
	case ObservationHighBanRatio:
		a.Type, a.Priority, a.Severity, a.Confidence = kernel.ActionAlert, store.SeverityHigh, store.SeverityHigh, 0.75
	default:
		return kernel.PlannedAction{}, false
	}
	return a, true
}

// proactiveAction alerts when the trend projected Horizon samples ahead falls
// through the critical floor that the tenant has not reached yet.
func proactiveAction(tenantID string, r *Readings, t Thresholds) (kernel.PlannedAction, bool) {
	if r == nil || r.SampleSize < 2 || r.Trend.Slope >= 0 || r.LatestTrust < t.CriticalFloor {
		return kernel.PlannedAction{}, false
	}
	projected := r.LatestTrust + r.Trend.Slope*float64(t.Horizon)
	if projected >= t.CriticalFloor {
		return kernel.PlannedAction{}, false
	}
	return kernel.PlannedAction{
		Type:       kernel.ActionAlert,
		Target:     tenantID,
		Reason:     fmt.Sprintf("trust projected to reach %.2f within %d samples", projected, t.Horizon),
		Priority:   store.SeverityHigh,
		Severity:   store.SeverityHigh,
		Confidence: 0.6,
		Params:     map[string]any{"finding": "projected_breach", "projected": projected},
	}, true
}

// dedupe keeps one action per (type, target): the higher priority, then the
// higher confidence. Reasons of merged actions are joined.
func dedupe(actions []kernel.PlannedAction) []kernel.PlannedAction {
	index := make(map[string]int, len(actions))
	var out []kernel.PlannedAction
	for _, a := range actions {
		i, seen := index[a.Key()]
		if !seen {
			index[a.Key()] = len(out)
			out = append(out, a)
			continue
		}
		cur := out[i]
		if a.Priority.Rank() > cur.Priority.Rank() ||
			(a.Priority == cur.Priority && a.Confidence > cur.Confidence) {
			a.Reason = joinReasons(a.Reason, cur.Reason)
			out[i] = a
		} else {
			out[i].Reason = joinReasons(cur.Reason, a.Reason)
		}
	}
	return out
}

func joinReasons(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	default:
		return a + "; " + b
	}
}
