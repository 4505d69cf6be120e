package brain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/kernel"
	"github.com/Mindburn-Labs/sonate/pkg/memory"
)

// feedbackWindow bounds how much history one update reads.
const feedbackWindow = 500

// Effectiveness summarizes how one action type has worked for a tenant.
// An attempt counts once a later cycle has measured trust; it succeeds when
// the action applied and trust did not fall.
type Effectiveness struct {
	ActionType     kernel.ActionType `json:"actionType"`
	Attempts       int               `json:"attempts"`
	Successes      int               `json:"successes"`
	SuccessRate    float64           `json:"successRate"`
	MeanTrustDelta float64           `json:"meanTrustDelta"`
}

// EffectivenessSource supplies per-type effectiveness for a tenant.
type EffectivenessSource interface {
	Effectiveness(ctx context.Context, tenantID string) (map[kernel.ActionType]Effectiveness, error)
}

// Feedback derives effectiveness from action_outcome and cycle_findings
// memories and keeps the latest result as an effectiveness memory.
type Feedback struct {
	memory memory.Store
}

// NewFeedback creates a Feedback over m.
func NewFeedback(m memory.Store) *Feedback {
	return &Feedback{memory: m}
}

type effectivenessPayload struct {
	ComputedAt time.Time       `json:"computedAt"`
	Types      []Effectiveness `json:"types"`
}

type trustPoint struct {
	at    time.Time
	trust float64
}

// Effectiveness recomputes and persists the tenant's effectiveness.
func (f *Feedback) Effectiveness(ctx context.Context, tenantID string) (map[kernel.ActionType]Effectiveness, error) {
	outcomes, err := f.memory.Recent(ctx, tenantID, memory.KindActionOutcome, feedbackWindow)
	if err != nil {
		return nil, fmt.Errorf("feedback: outcomes: %w", err)
	}
	cycles, err := f.memory.Recent(ctx, tenantID, memory.KindCycleFindings, feedbackWindow)
	if err != nil {
		return nil, fmt.Errorf("feedback: findings: %w", err)
	}

	var points []trustPoint
	for _, m := range cycles {
		var cf CycleFindings
		if err := m.Decode(&cf); err != nil || cf.SampleSize == 0 {
			continue
		}
		points = append(points, trustPoint{at: cf.CollectedAt, trust: cf.AverageTrust})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	type acc struct {
		attempts, successes int
		delta               float64
	}
	byType := make(map[kernel.ActionType]*acc)
	for _, m := range outcomes {
		var o Outcome
		if err := m.Decode(&o); err != nil || o.Status == OutcomeRateLimited {
			continue
		}
		after, ok := trustAfter(points, o.ExecutedAt)
		if !ok {
			continue
		}
		a := byType[o.ActionType]
		if a == nil {
			a = &acc{}
			byType[o.ActionType] = a
		}
		delta := after - o.TrustBefore
		a.attempts++
		a.delta += delta
		if o.Status == OutcomeApplied && delta >= 0 {
			a.successes++
		}
	}

	out := make(map[kernel.ActionType]Effectiveness, len(byType))
	payload := effectivenessPayload{ComputedAt: time.Now().UTC()}
	for t, a := range byType {
		e := Effectiveness{
			ActionType:     t,
			Attempts:       a.attempts,
			Successes:      a.successes,
			SuccessRate:    float64(a.successes) / float64(a.attempts),
			MeanTrustDelta: a.delta / float64(a.attempts),
		}
		out[t] = e
		payload.Types = append(payload.Types, e)
	}
	sort.Slice(payload.Types, func(i, j int) bool { return payload.Types[i].ActionType < payload.Types[j].ActionType })

	m, err := memory.New(tenantID, memory.KindEffectiveness, payload)
	if err != nil {
		return nil, err
	}
	if err := f.memory.Append(ctx, m); err != nil {
		return nil, fmt.Errorf("feedback: persist: %w", err)
	}
	if _, err := f.memory.DeleteOldest(ctx, tenantID, memory.KindEffectiveness, 1); err != nil {
		return nil, fmt.Errorf("feedback: prune: %w", err)
	}
	return out, nil
}

// trustAfter is the first measured trust strictly after t.
func trustAfter(points []trustPoint, t time.Time) (float64, bool) {
	i := sort.Search(len(points), func(i int) bool { return points[i].at.After(t) })
	if i == len(points) {
		return 0, false
	}
	return points[i].trust, true
}
