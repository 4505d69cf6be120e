package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/sonate/pkg/kernel"
	"github.com/Mindburn-Labs/sonate/pkg/memory"
	"github.com/Mindburn-Labs/sonate/pkg/notify"
	"github.com/Mindburn-Labs/sonate/pkg/observability"
	"github.com/Mindburn-Labs/sonate/pkg/store"
)

// Alert types raised by the executor.
const (
	AlertTypeBrain          = "brain"
	AlertTypeNotice         = "brain_notice"
	AlertTypeRecommendation = "brain_recommendation"
)

// OutcomeStatus is how an action ended.
type OutcomeStatus string

const (
	OutcomeApplied     OutcomeStatus = "applied"
	OutcomeFailed      OutcomeStatus = "failed"
	OutcomeRateLimited OutcomeStatus = "rate_limited"
)

// Outcome is the logged result of one executed action.
type Outcome struct {
	ActionType  kernel.ActionType `json:"actionType"`
	Target      string            `json:"target"`
	Mode        kernel.Mode       `json:"mode"`
	Status      OutcomeStatus     `json:"status"`
	Effect      string            `json:"effect,omitempty"`
	Error       string            `json:"error,omitempty"`
	TrustBefore float64           `json:"trustBefore"`
	ExecutedAt  time.Time         `json:"executedAt"`
}

var errRateLimited = errors.New("alert rate limit exceeded")

// DefaultThresholdHold is how long an adjusted threshold stays in force
// without being renewed.
const DefaultThresholdHold = time.Hour

// ExecutorConfig sets the per-tenant alert budget and how much the executor
// keeps in memory.
type ExecutorConfig struct {
	AlertsPerMinute float64
	AlertBurst      int

	// OutcomesRetained caps action_outcome memories per tenant. Zero keeps
	// as many as one feedback update reads.
	OutcomesRetained int
	// ThresholdHold is the lifetime of an adjusted threshold. Zero selects
	// DefaultThresholdHold.
	ThresholdHold time.Duration
}

// Executor applies actions that passed the kernel.
type Executor struct {
	alerts   store.AlertStore
	agents   store.AgentStore
	memory   memory.Store
	notifier *notify.Notifier
	metrics  *observability.BrainMetrics
	logger   *slog.Logger
	clock    func() time.Time

	retainOutcomes int
	thresholdHold  time.Duration

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithNotifier fans recorded alerts and notices out through n.
func WithNotifier(n *notify.Notifier) ExecutorOption {
	return func(e *Executor) { e.notifier = n }
}

// WithExecutorMetrics records executed actions on m.
func WithExecutorMetrics(m *observability.BrainMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorLogger overrides the default logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorClock overrides the wall clock (for testing).
func WithExecutorClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) { e.clock = clock }
}

// NewExecutor creates an Executor. A non-positive AlertsPerMinute disables
// rate limiting.
func NewExecutor(alerts store.AlertStore, agents store.AgentStore, mem memory.Store, cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		alerts:   alerts,
		agents:   agents,
		memory:   mem,
		metrics:  observability.NoopBrainMetrics(),
		logger:   slog.Default().With("component", "brain.executor"),
		clock:    time.Now,
		limit:    rate.Inf,
		burst:    cfg.AlertBurst,
		limiters: make(map[string]*rate.Limiter),

		retainOutcomes: cfg.OutcomesRetained,
		thresholdHold:  cfg.ThresholdHold,
	}
	if e.retainOutcomes <= 0 {
		e.retainOutcomes = feedbackWindow
	}
	if e.thresholdHold <= 0 {
		e.thresholdHold = DefaultThresholdHold
	}
	if cfg.AlertsPerMinute > 0 {
		e.limit = rate.Limit(cfg.AlertsPerMinute / 60)
	}
	if e.burst <= 0 {
		e.burst = 1
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// limiter returns the tenant's alert limiter, creating it if necessary.
func (e *Executor) limiter(tenantID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(e.limit, e.burst)
		e.limiters[tenantID] = l
	}
	return l
}

// Execute applies each action in order and logs an action_outcome memory
// for it. A failed action does not stop the rest.
func (e *Executor) Execute(ctx context.Context, tenantID string, mode kernel.Mode, actions []kernel.PlannedAction, trustBefore float64) []Outcome {
	outcomes := make([]Outcome, 0, len(actions))
	for _, a := range actions {
		o := Outcome{
			ActionType:  a.Type,
			Target:      a.Target,
			Mode:        mode,
			TrustBefore: trustBefore,
			ExecutedAt:  e.clock().UTC(),
		}
		effect, err := e.apply(ctx, tenantID, a)
		switch {
		case errors.Is(err, errRateLimited):
			o.Status, o.Error = OutcomeRateLimited, err.Error()
		case err != nil:
			o.Status, o.Error = OutcomeFailed, err.Error()
			e.logger.WarnContext(ctx, "action failed",
				"tenant_id", tenantID, "action", a.String(), "error", err)
		default:
			o.Status, o.Effect = OutcomeApplied, effect
			e.logger.InfoContext(ctx, "action applied",
				"tenant_id", tenantID, "action", a.String(), "effect", effect)
		}
		e.metrics.Action(ctx, tenantID, string(a.Type), o.Status == OutcomeApplied)
		e.remember(ctx, tenantID, o)
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (e *Executor) apply(ctx context.Context, tenantID string, a kernel.PlannedAction) (string, error) {
	switch a.Type {
	case kernel.ActionAlert:
		alert, err := e.raise(ctx, tenantID, AlertTypeBrain, a)
		if err != nil {
			return "", err
		}
		return "alert " + alert.ID, nil

	case kernel.ActionNotify:
		alert, err := e.raise(ctx, tenantID, AlertTypeNotice, a)
		if err != nil {
			return "", err
		}
		if err := e.notifier.Notice(ctx, tenantID, a.Reason); err != nil {
			e.logger.WarnContext(ctx, "notice publish failed", "tenant_id", tenantID, "error", err)
		}
		return "notice " + alert.ID, nil

	case kernel.ActionBanAgent:
		return e.setAgent(ctx, tenantID, a, store.AgentBanned, nil)
	case kernel.ActionQuarantineAgent:
		return e.setAgent(ctx, tenantID, a, store.AgentQuarantined, nil)
	case kernel.ActionRestrictAgent:
		return e.setAgent(ctx, tenantID, a, store.AgentRestricted, restrictionsOf(a))
	case kernel.ActionUnbanAgent:
		return e.setAgent(ctx, tenantID, a, store.AgentActive, nil)

	case kernel.ActionAdjustThreshold:
		t, ok := a.Params["thresholds"].(Thresholds)
		if !ok {
			return "", fmt.Errorf("adjust_threshold without thresholds")
		}
		m, err := memory.New(tenantID, memory.KindThresholds, t)
		if err != nil {
			return "", err
		}
		expires := e.clock().UTC().Add(e.thresholdHold)
		m.ExpiresAt = &expires
		if err := e.memory.Append(ctx, m); err != nil {
			return "", fmt.Errorf("store thresholds: %w", err)
		}
		if _, err := e.memory.DeleteOldest(ctx, tenantID, memory.KindThresholds, 1); err != nil {
			return "", fmt.Errorf("prune thresholds: %w", err)
		}
		return fmt.Sprintf("low trust threshold %.2f until %s", t.LowTrust, expires.Format(time.RFC3339)), nil

	default:
		return "", fmt.Errorf("no executor for %q", a.Type)
	}
}

// raise records an alert for a and publishes it, subject to the tenant's
// alert budget.
func (e *Executor) raise(ctx context.Context, tenantID, alertType string, a kernel.PlannedAction) (*store.Alert, error) {
	if !e.limiter(tenantID).AllowN(e.clock(), 1) {
		return nil, errRateLimited
	}
	sev := a.Severity
	if sev == "" {
		sev = store.SeverityMedium
	}
	alert := &store.Alert{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Type:        alertType,
		Severity:    sev,
		Title:       alertTitle(a),
		Description: a.Reason,
		Status:      store.AlertActive,
		CreatedAt:   e.clock().UTC(),
	}
	if a.Target != tenantID {
		alert.AgentID = a.Target
	}
	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if err := e.notifier.Alert(ctx, *alert); err != nil {
		e.logger.WarnContext(ctx, "alert publish failed", "tenant_id", tenantID, "alert_id", alert.ID, "error", err)
	}
	return alert, nil
}

func alertTitle(a kernel.PlannedAction) string {
	if f, ok := a.Params["finding"].(string); ok && f != "" {
		return f
	}
	return string(a.Type)
}

func restrictionsOf(a kernel.PlannedAction) []string {
	if r, ok := a.Params["restrictions"].([]string); ok && len(r) > 0 {
		return r
	}
	return []string{"high_risk_actions"}
}

func (e *Executor) setAgent(ctx context.Context, tenantID string, a kernel.PlannedAction, status store.BanStatus, restrictions []string) (string, error) {
	rec, err := e.agents.GetAgent(ctx, tenantID, a.Target)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &store.AgentRecord{ID: a.Target, TenantID: tenantID}
	case err != nil:
		return "", fmt.Errorf("load agent %s: %w", a.Target, err)
	}
	prev := rec.BanStatus
	rec.BanStatus = status
	rec.Restrictions = restrictions
	rec.Reason = a.Reason
	rec.UpdatedAt = e.clock().UTC()
	if err := e.agents.PutAgent(ctx, rec); err != nil {
		return "", fmt.Errorf("update agent %s: %w", a.Target, err)
	}
	if prev == "" {
		prev = store.AgentActive
	}
	return fmt.Sprintf("agent %s %s -> %s", a.Target, prev, status), nil
}

func (e *Executor) remember(ctx context.Context, tenantID string, o Outcome) {
	result := "success"
	if o.Status != OutcomeApplied {
		result = string(o.Status)
	}
	m, err := memory.New(tenantID, memory.KindActionOutcome, o, string(o.ActionType), result)
	if err == nil {
		err = e.memory.Append(ctx, m)
	}
	if err == nil {
		_, err = e.memory.DeleteOldest(ctx, tenantID, memory.KindActionOutcome, e.retainOutcomes)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "action outcome not recorded",
			"tenant_id", tenantID, "action_type", o.ActionType, "error", err)
	}
}

// Recommend records an alert for each action the kernel held back because
// the tenant is advisory, so an operator can apply it by hand.
func (e *Executor) Recommend(ctx context.Context, tenantID string, rejected []kernel.Rejection) int {
	n := 0
	for _, r := range rejected {
		if r.Check.Rule != kernel.RuleAdvisoryNoExecution {
			continue
		}
		a := r.Action
		a.Reason = fmt.Sprintf("recommended %s: %s", a, a.Reason)
		if _, err := e.raise(ctx, tenantID, AlertTypeRecommendation, a); err != nil {
			if !errors.Is(err, errRateLimited) {
				e.logger.WarnContext(ctx, "recommendation not recorded",
					"tenant_id", tenantID, "action", r.Action.String(), "error", err)
			}
			continue
		}
		n++
	}
	return n
}
