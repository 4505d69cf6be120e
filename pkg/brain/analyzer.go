package brain

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/sonate/pkg/config"
)

// Thresholds tune the analyzer and planner. Trust values are on the 0-10 scale.
type Thresholds struct {
	CriticalFloor        float64 `json:"criticalFloor"`
	LowTrust             float64 `json:"lowTrust"`
	ZScore               float64 `json:"zScore"`
	Emergence            float64 `json:"emergence"`
	DeclineSlope         float64 `json:"declineSlope"` // per sample, negative
	Volatility           float64 `json:"volatility"`   // standard deviation
	UnacknowledgedAlerts int     `json:"unacknowledgedAlerts"`
	BanRatio             float64 `json:"banRatio"`
	Horizon              int     `json:"horizon"` // samples projected ahead
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalFloor:        3.0,
		LowTrust:             5.0,
		ZScore:               2.5,
		Emergence:            0.7,
		DeclineSlope:         -0.5,
		Volatility:           1.5,
		UnacknowledgedAlerts: 10,
		BanRatio:             0.2,
		Horizon:              3,
	}
}

// ThresholdsFromConfig overlays the non-zero values of c on the defaults.
func ThresholdsFromConfig(c config.BrainConfig) Thresholds {
	t := DefaultThresholds()
	set := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	set(&t.CriticalFloor, c.CriticalFloor)
	set(&t.LowTrust, c.LowTrust)
	set(&t.ZScore, c.ZScore)
	set(&t.Emergence, c.Emergence)
	set(&t.DeclineSlope, c.DeclineSlope)
	set(&t.Volatility, c.Volatility)
	set(&t.BanRatio, c.BanRatio)
	if c.UnacknowledgedAlerts > 0 {
		t.UnacknowledgedAlerts = c.UnacknowledgedAlerts
	}
	if c.Horizon > 0 {
		t.Horizon = c.Horizon
	}
	return t
}

// Urgency is the overall pressure a diagnosis puts on the planner.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyImmediate Urgency = "immediate"
)

// FindingKind names an anomaly or observation.
type FindingKind string

// Anomalies.
const (
	AnomalyCriticalTrust        FindingKind = "critical_trust"
	AnomalyStatisticalDeviation FindingKind = "statistical_deviation"
	AnomalyHighEmergence        FindingKind = "high_emergence"
	AnomalyRapidDecline         FindingKind = "rapid_decline"
	AnomalyHighVolatility       FindingKind = "high_volatility"
)

// Observations.
const (
	ObservationLowTrust             FindingKind = "low_trust"
	ObservationDecliningTrend       FindingKind = "declining_trend"
	ObservationUnacknowledgedAlerts FindingKind = "unacknowledged_alerts"
	ObservationHighBanRatio         FindingKind = "high_ban_ratio"
	ObservationPolicyViolations     FindingKind = "policy_violations"
)

// Finding is one anomaly or observation. AgentID is set when the finding is
// about a single agent rather than the tenant.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	AgentID  string      `json:"agentId,omitempty"`
	Value    float64     `json:"value"`
	Limit    float64     `json:"limit"`
	Critical bool        `json:"critical,omitempty"`
	Detail   string      `json:"detail"`
}

// Target is the agent id, or the tenant id for tenant-wide findings.
func (f Finding) Target(tenantID string) string {
	if f.AgentID != "" {
		return f.AgentID
	}
	return tenantID
}

// Diagnosis is the analyzer's verdict on one tenant's readings.
type Diagnosis struct {
	Anomalies    []Finding `json:"anomalies"`
	Observations []Finding `json:"observations"`
	Urgency      Urgency   `json:"urgency"`
}

// Analyze classifies readings against t. A tenant with no samples yields only
// alert and ban observations.
func Analyze(r *Readings, t Thresholds) Diagnosis {
	d := Diagnosis{Anomalies: []Finding{}, Observations: []Finding{}}
	anomaly := func(f Finding) { d.Anomalies = append(d.Anomalies, f) }
	observe := func(f Finding) { d.Observations = append(d.Observations, f) }

	if r.SampleSize > 0 {
		switch {
		case r.AverageTrust < t.CriticalFloor:
			anomaly(Finding{
				Kind: AnomalyCriticalTrust, Value: r.AverageTrust, Limit: t.CriticalFloor, Critical: true,
				Detail: fmt.Sprintf("average trust %.2f below critical floor %.2f", r.AverageTrust, t.CriticalFloor),
			})
		case r.AverageTrust < t.LowTrust:
			observe(Finding{
				Kind: ObservationLowTrust, Value: r.AverageTrust, Limit: t.LowTrust,
				Detail: fmt.Sprintf("average trust %.2f below %.2f", r.AverageTrust, t.LowTrust),
			})
		}

		if math.Abs(r.ZScore) > t.ZScore {
			anomaly(Finding{
				Kind: AnomalyStatisticalDeviation, Value: r.ZScore, Limit: t.ZScore,
				Detail: fmt.Sprintf("latest trust %.2f is %.1f standard deviations from recent history", r.LatestTrust, r.ZScore),
			})
		}
		if r.Emergence > t.Emergence {
			anomaly(Finding{
				Kind: AnomalyHighEmergence, Value: r.Emergence, Limit: t.Emergence,
				Detail: fmt.Sprintf("emergence signal %.2f above %.2f", r.Emergence, t.Emergence),
			})
		}

		switch {
		case r.Trend.Slope < t.DeclineSlope:
			anomaly(Finding{
				Kind: AnomalyRapidDecline, Value: r.Trend.Slope, Limit: t.DeclineSlope,
				Detail: fmt.Sprintf("trust falling %.2f per sample", -r.Trend.Slope),
			})
		case r.Trend.Direction == TrendDeclining:
			observe(Finding{
				Kind: ObservationDecliningTrend, Value: r.Trend.Slope, Limit: -trendDeadband,
				Detail: fmt.Sprintf("trust trending down %.2f per sample", -r.Trend.Slope),
			})
		}

		if r.StdDev > t.Volatility {
			anomaly(Finding{
				Kind: AnomalyHighVolatility, Value: r.StdDev, Limit: t.Volatility,
				Detail: fmt.Sprintf("trust standard deviation %.2f above %.2f", r.StdDev, t.Volatility),
			})
		}
	}

	for _, a := range r.AgentTrust {
		switch {
		case a.Mean < t.CriticalFloor:
			anomaly(Finding{
				Kind: AnomalyCriticalTrust, AgentID: a.AgentID, Value: a.Mean, Limit: t.CriticalFloor, Critical: true,
				Detail: fmt.Sprintf("agent %s trust %.2f below critical floor %.2f", a.AgentID, a.Mean, t.CriticalFloor),
			})
		case a.Mean < t.LowTrust:
			observe(Finding{
				Kind: ObservationLowTrust, AgentID: a.AgentID, Value: a.Mean, Limit: t.LowTrust,
				Detail: fmt.Sprintf("agent %s trust %.2f below %.2f", a.AgentID, a.Mean, t.LowTrust),
			})
		}
	}

	if r.UnacknowledgedAlerts > t.UnacknowledgedAlerts {
		observe(Finding{
			Kind: ObservationUnacknowledgedAlerts, Value: float64(r.UnacknowledgedAlerts), Limit: float64(t.UnacknowledgedAlerts),
			Detail: fmt.Sprintf("%d unacknowledged alerts", r.UnacknowledgedAlerts),
		})
	}
	if ratio := r.Agents.BanRatio(); r.Agents.Total > 0 && ratio > t.BanRatio {
		observe(Finding{
			Kind: ObservationHighBanRatio, Value: ratio, Limit: t.BanRatio,
			Detail: fmt.Sprintf("%d of %d agents banned or quarantined", r.Agents.Banned+r.Agents.Quarantined, r.Agents.Total),
		})
	}

	if r.PolicyBlocked > 0 {
		observe(Finding{
			Kind: ObservationPolicyViolations, Value: float64(r.PolicyBlocked),
			Detail: fmt.Sprintf("%d of %d recent receipts violate a blocking policy rule", r.PolicyBlocked, r.SampleSize),
		})
	}

	d.Urgency = urgencyOf(d)
	return d
}

func urgencyOf(d Diagnosis) Urgency {
	for _, a := range d.Anomalies {
		if a.Critical {
			return UrgencyImmediate
		}
	}
	if len(d.Anomalies) > 0 {
		return UrgencyHigh
	}
	for _, o := range d.Observations {
		if o.Kind == ObservationHighBanRatio {
			return UrgencyHigh
		}
	}
	if len(d.Observations) > 0 {
		return UrgencyNormal
	}
	return UrgencyLow
}
