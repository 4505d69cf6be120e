package brain

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/policy"
	"github.com/Mindburn-Labs/sonate/pkg/receipts"
	"github.com/Mindburn-Labs/sonate/pkg/store"
	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// DefaultSampleWindow is how many recent receipts the sensors read per tenant.
const DefaultSampleWindow = 100

// Trend direction labels.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// trendDeadband is the slope magnitude below which a trend is stable.
const trendDeadband = 0.1

// Trend is the least-squares slope of trust per sample.
type Trend struct {
	Direction string  `json:"direction"`
	Slope     float64 `json:"slope"`
}

// AgentTrust is one agent's mean trust over the window.
type AgentTrust struct {
	AgentID string  `json:"agentId"`
	Mean    float64 `json:"mean"`
	Samples int     `json:"samples"`
}

// AgentCounts tallies agents by enforcement state.
type AgentCounts struct {
	Total       int `json:"total"`
	Banned      int `json:"banned"`
	Restricted  int `json:"restricted"`
	Quarantined int `json:"quarantined"`
}

// BanRatio is the share of agents banned or quarantined.
func (c AgentCounts) BanRatio() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Banned+c.Quarantined) / float64(c.Total)
}

// Readings is one tenant's sensed state.
type Readings struct {
	TenantID   string    `json:"tenantId"`
	SampleSize int       `json:"sampleSize"`
	Series     []float64 `json:"series"` // oldest first
	// AverageTrust is the mean of Series.
	AverageTrust float64 `json:"averageTrust"`
	LatestTrust  float64 `json:"latestTrust"`
	StdDev       float64 `json:"stdDev"`
	// ZScore is the latest sample against the mean and deviation of the
	// samples before it. Zero when there is too little history.
	ZScore    float64 `json:"zScore"`
	Trend     Trend   `json:"trend"`
	Emergence float64 `json:"emergence"`
	// PolicyBlocked counts sampled receipts an enabled policy would block.
	PolicyBlocked int `json:"policyBlocked"`

	ActiveAlerts         map[store.Severity]int `json:"activeAlerts"`
	UnacknowledgedAlerts int                    `json:"unacknowledgedAlerts"`
	Agents               AgentCounts            `json:"agents"`
	AgentTrust           []AgentTrust           `json:"agentTrust"`
	CollectedAt          time.Time              `json:"collectedAt"`
}

// SensorSource collects a tenant's readings.
type SensorSource interface {
	Collect(ctx context.Context, tenantID string) (*Readings, error)
}

// PolicySource supplies the policies receipts are checked against.
type PolicySource interface {
	Enabled() []*policy.Policy
}

// StoreSensors reads receipts, alerts and agents from the record stores.
type StoreSensors struct {
	receipts  store.ReceiptStore
	alerts    store.AlertStore
	agents    store.AgentStore
	policies  PolicySource
	evaluator *policy.Evaluator
	window    int
	clock     func() time.Time
}

// NewStoreSensors creates sensors over the given stores. window <= 0 selects
// DefaultSampleWindow.
func NewStoreSensors(r store.ReceiptStore, a store.AlertStore, ag store.AgentStore, window int) *StoreSensors {
	if window <= 0 {
		window = DefaultSampleWindow
	}
	return &StoreSensors{receipts: r, alerts: a, agents: ag, window: window, clock: time.Now}
}

// WithPolicies checks every sampled receipt against src's enabled policies.
func (s *StoreSensors) WithPolicies(src PolicySource, e *policy.Evaluator) *StoreSensors {
	s.policies = src
	s.evaluator = e
	if s.evaluator == nil {
		s.evaluator = policy.NewEvaluator()
	}
	return s
}

// minZScoreHistory is the number of earlier samples needed for a z-score.
const minZScoreHistory = 5

// Collect implements SensorSource.
func (s *StoreSensors) Collect(ctx context.Context, tenantID string) (*Readings, error) {
	recent, err := s.receipts.ListTenant(ctx, tenantID, s.window)
	if err != nil {
		return nil, fmt.Errorf("sensors: receipts: %w", err)
	}

	r := &Readings{
		TenantID:     tenantID,
		ActiveAlerts: make(map[store.Severity]int),
		CollectedAt:  s.clock().UTC(),
	}

	// ListTenant is newest first; the series runs oldest first.
	byAgent := make(map[string][]float64)
	var emergence []float64
	for i := len(recent) - 1; i >= 0; i-- {
		rc := recent[i]
		v := receiptTrust(rc)
		r.Series = append(r.Series, v)
		if rc.AgentID != "" {
			byAgent[rc.AgentID] = append(byAgent[rc.AgentID], v)
		}
		if e, ok := metadataFloat(rc.Metadata, "emergence"); ok {
			emergence = append(emergence, e)
		}
		if s.blocked(rc) {
			r.PolicyBlocked++
		}
	}
	r.SampleSize = len(r.Series)
	if r.SampleSize > 0 {
		r.AverageTrust, r.StdDev = meanStd(r.Series)
		r.LatestTrust = r.Series[len(r.Series)-1]
		r.Trend = trendOf(r.Series)
		r.ZScore = zScore(r.Series)
	}
	if len(emergence) > 0 {
		r.Emergence, _ = meanStd(emergence)
	}
	for id, vals := range byAgent {
		m, _ := meanStd(vals)
		r.AgentTrust = append(r.AgentTrust, AgentTrust{AgentID: id, Mean: m, Samples: len(vals)})
	}
	sortAgentTrust(r.AgentTrust)

	active, err := s.alerts.ListAlerts(ctx, store.AlertFilter{TenantID: tenantID, Status: store.AlertActive})
	if err != nil {
		return nil, fmt.Errorf("sensors: alerts: %w", err)
	}
	for _, a := range active {
		r.ActiveAlerts[a.Severity]++
		if !a.Acknowledged {
			r.UnacknowledgedAlerts++
		}
	}

	agents, err := s.agents.ListAgents(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sensors: agents: %w", err)
	}
	r.Agents.Total = len(agents)
	for _, a := range agents {
		switch a.BanStatus {
		case store.AgentBanned:
			r.Agents.Banned++
		case store.AgentRestricted:
			r.Agents.Restricted++
		case store.AgentQuarantined:
			r.Agents.Quarantined++
		}
	}
	return r, nil
}

func (s *StoreSensors) blocked(rc *receipts.TrustReceipt) bool {
	if s.policies == nil {
		return false
	}
	enabled := s.policies.Enabled()
	if len(enabled) == 0 {
		return false
	}
	rec, err := policy.RecordFrom(rc)
	if err != nil {
		return false
	}
	for _, ev := range s.evaluator.EvaluateAll(rec, enabled) {
		if ev.Blocked() {
			return true
		}
	}
	return false
}

// receiptTrust is the overall score recorded in a receipt's metadata, or the
// score recomputed from its principles.
func receiptTrust(r *receipts.TrustReceipt) float64 {
	if v, ok := metadataFloat(r.Metadata, "overall"); ok {
		return v
	}
	return trust.CalculateTrustScore(r.Principles).Overall
}

func metadataFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}

// trendOf fits trust = a + slope*i by least squares.
func trendOf(series []float64) Trend {
	n := float64(len(series))
	if len(series) < 2 {
		return Trend{Direction: TrendStable}
	}
	var sx, sy, sxy, sxx float64
	for i, y := range series {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	slope := (n*sxy - sx*sy) / (n*sxx - sx*sx)
	dir := TrendStable
	switch {
	case slope > trendDeadband:
		dir = TrendImproving
	case slope < -trendDeadband:
		dir = TrendDeclining
	}
	return Trend{Direction: dir, Slope: slope}
}

func zScore(series []float64) float64 {
	if len(series) <= minZScoreHistory {
		return 0
	}
	history := series[:len(series)-1]
	mean, std := meanStd(history)
	if std == 0 {
		return 0
	}
	return (series[len(series)-1] - mean) / std
}

// sortAgentTrust orders agents lowest trust first, then by id.
func sortAgentTrust(a []AgentTrust) {
	sort.Slice(a, func(i, j int) bool {
		if a[i].Mean != a[j].Mean {
			return a[i].Mean < a[j].Mean
		}
		return a[i].AgentID < a[j].AgentID
	})
}
