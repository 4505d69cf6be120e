// Package brain is the autonomic controller: a per-tenant loop that senses
// aggregate trust, diagnoses anomalies, plans actions, gates them through
// the kernel, executes what survives and remembers what happened.
//
// Each cycle is stateless except for what it reads back from memory:
// threshold adjustments, cycle findings and action outcomes.
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/sonate/pkg/kernel"
	"github.com/Mindburn-Labs/sonate/pkg/memory"
	"github.com/Mindburn-Labs/sonate/pkg/observability"
	"github.com/Mindburn-Labs/sonate/pkg/override"
)

// Defaults.
const (
	DefaultConcurrency      = 4
	DefaultFindingsRetained = 100
)

// CycleError is a failed tenant cycle. It is logged and counted, never
// propagated to other tenants or the scheduler.
type CycleError struct {
	TenantID string
	Stage    string
	Err      error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("brain: tenant %s: %s: %v", e.TenantID, e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// Tenant is one governed tenant and the mode it runs in.
type Tenant struct {
	ID   string
	Mode kernel.Mode
}

// TenantSource lists the tenants a cycle visits.
type TenantSource interface {
	Tenants(ctx context.Context) ([]Tenant, error)
}

// StaticTenants is a fixed tenant -> mode map.
type StaticTenants map[string]string

// Tenants implements TenantSource, ordered by id.
func (s StaticTenants) Tenants(context.Context) ([]Tenant, error) {
	out := make([]Tenant, 0, len(s))
	for id, mode := range s {
		out = append(out, Tenant{ID: id, Mode: kernel.ParseMode(mode)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OverrideSource returns the overrides in force for an agent.
type OverrideSource interface {
	ByAgent(ctx context.Context, agentID string) ([]*override.Override, error)
}

// CycleFindings is the memory written at the end of each tenant cycle.
type CycleFindings struct {
	Mode         kernel.Mode `json:"mode"`
	SampleSize   int         `json:"sampleSize"`
	AverageTrust float64     `json:"averageTrust"`
	Trend        Trend       `json:"trend"`
	Diagnosis    Diagnosis   `json:"diagnosis"`
	Planned      int         `json:"planned"`
	Rejected     int         `json:"rejected"`
	Applied      int         `json:"applied"`
	CollectedAt  time.Time   `json:"collectedAt"`
}

// TenantReport is what one tenant cycle did.
type TenantReport struct {
	TenantID        string
	Mode            kernel.Mode
	Thresholds      Thresholds
	Readings        *Readings
	Diagnosis       Diagnosis
	Plan            Plan
	Rejected        []kernel.Rejection
	Outcomes        []Outcome
	Recommendations int
	Duration        time.Duration
}

// CycleReport is what one full cycle did.
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Reports   []*TenantReport
	Errors    []*CycleError
}

// Controller runs the per-tenant pipeline.
type Controller struct {
	sensors    SensorSource
	executor   *Executor
	memory     memory.Store
	feedback   EffectivenessSource
	tenants    TenantSource
	overrides  OverrideSource
	thresholds Thresholds

	concurrency int
	retain      int
	metrics     *observability.BrainMetrics
	tracer      trace.Tracer
	logger      *slog.Logger
	clock       func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithThresholds replaces the default thresholds.
func WithThresholds(t Thresholds) Option {
	return func(c *Controller) { c.thresholds = t }
}

// WithOverrides holds back enforcement against agents a human has
// overridden.
func WithOverrides(src OverrideSource) Option {
	return func(c *Controller) { c.overrides = src }
}

// WithConcurrency bounds how many tenants run at once.
func WithConcurrency(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithFindingsRetained sets how many cycle_findings memories a tenant keeps.
func WithFindingsRetained(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.retain = n
		}
	}
}

// WithEffectivenessSource overrides the memory-backed feedback.
func WithEffectivenessSource(s EffectivenessSource) Option {
	return func(c *Controller) { c.feedback = s }
}

// WithMetrics records cycles on m.
func WithMetrics(m *observability.BrainMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer traces cycles with t.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides the wall clock (for testing).
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// NewController wires a controller.
func NewController(sensors SensorSource, executor *Executor, mem memory.Store, tenants TenantSource, opts ...Option) *Controller {
	c := &Controller{
		sensors:     sensors,
		executor:    executor,
		memory:      mem,
		feedback:    NewFeedback(mem),
		tenants:     tenants,
		thresholds:  DefaultThresholds(),
		concurrency: DefaultConcurrency,
		retain:      DefaultFindingsRetained,
		metrics:     observability.NoopBrainMetrics(),
		tracer:      noop.NewTracerProvider().Tracer("sonate.brain"),
		logger:      slog.Default().With("component", "brain"),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunCycle runs every tenant once. Tenant failures are collected in the
// report; the error is non-nil only when the tenant list itself fails.
func (c *Controller) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "brain.cycle")
	defer span.End()

	tenants, err := c.tenants.Tenants(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("brain: list tenants: %w", err)
	}
	span.SetAttributes(attribute.Int("sonate.cycle.tenants", len(tenants)))

	reports := make([]*TenantReport, len(tenants))
	errs := make([]*CycleError, len(tenants))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, t := range tenants {
		g.Go(func() error {
			rep, err := c.RunTenant(ctx, t.ID, t.Mode)
			if err != nil {
				var ce *CycleError
				if !errors.As(err, &ce) {
					ce = &CycleError{TenantID: t.ID, Stage: "run", Err: err}
				}
				errs[i] = ce
				c.metrics.TenantError(ctx, t.ID)
				c.logger.ErrorContext(ctx, "tenant cycle failed",
					"tenant_id", t.ID, "stage", ce.Stage, "error", ce.Err)
				return nil
			}
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()

	out := &CycleReport{StartedAt: start.UTC()}
	for i := range tenants {
		if reports[i] != nil {
			out.Reports = append(out.Reports, reports[i])
		}
		if errs[i] != nil {
			out.Errors = append(out.Errors, errs[i])
		}
	}
	out.Duration = c.clock().Sub(start)
	c.metrics.Cycle(ctx, len(tenants), out.Duration)
	c.logger.InfoContext(ctx, "cycle complete",
		"tenants", len(tenants), "failed", len(out.Errors), "duration", out.Duration)
	return out, nil
}

// RunTenant runs one tenant through sense, analyze, plan, gate, execute and
// remember. A panic in any stage is returned as a CycleError.
func (c *Controller) RunTenant(ctx context.Context, tenantID string, mode kernel.Mode) (rep *TenantReport, err error) {
	start := c.clock()
	ctx, span := c.tracer.Start(ctx, "brain.tenant", trace.WithAttributes(
		observability.AttrTenantID.String(tenantID),
		observability.AttrMode.String(string(mode)),
	))
	stage := "thresholds"
	defer func() {
		if r := recover(); r != nil {
			rep, err = nil, &CycleError{TenantID: tenantID, Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	fail := func(e error) error { return &CycleError{TenantID: tenantID, Stage: stage, Err: e} }

	rep = &TenantReport{TenantID: tenantID, Mode: mode, Thresholds: c.effectiveThresholds(ctx, tenantID)}

	stage = "sense"
	rep.Readings, err = c.sensors.Collect(ctx, tenantID)
	if err != nil {
		return nil, fail(err)
	}

	stage = "analyze"
	rep.Diagnosis = Analyze(rep.Readings, rep.Thresholds)
	span.SetAttributes(observability.AttrUrgency.String(string(rep.Diagnosis.Urgency)))

	stage = "plan"
	eff, ferr := c.feedback.Effectiveness(ctx, tenantID)
	if ferr != nil {
		c.logger.WarnContext(ctx, "effectiveness unavailable", "tenant_id", tenantID, "error", ferr)
	}
	// Adjustments step from the configured thresholds, not the adjusted ones,
	// so repeated declines renew one adjustment instead of compounding it.
	rep.Plan = PlanActions(tenantID, rep.Readings, rep.Diagnosis, c.thresholds, eff)
	c.applyOverrides(ctx, tenantID, &rep.Plan)

	stage = "gate"
	var allowed []kernel.PlannedAction
	allowed, rep.Rejected = kernel.Filter(kernel.Context{TenantID: tenantID, Mode: mode}, rep.Plan.Actions)
	for _, r := range rep.Rejected {
		c.metrics.Rejection(ctx, tenantID, string(r.Action.Type), r.Check.Rule)
		c.logger.InfoContext(ctx, "action rejected",
			"tenant_id", tenantID, "action", r.Action.String(), "rule", r.Check.Rule, "reason", r.Check.Reason)
	}

	stage = "execute"
	rep.Outcomes = c.executor.Execute(ctx, tenantID, mode, allowed, rep.Readings.AverageTrust)
	if mode == kernel.ModeAdvisory {
		rep.Recommendations = c.executor.Recommend(ctx, tenantID, rep.Rejected)
	}

	stage = "remember"
	if err := c.remember(ctx, rep); err != nil {
		return nil, fail(err)
	}

	rep.Duration = c.clock().Sub(start)
	c.logger.InfoContext(ctx, "tenant cycle complete",
		"tenant_id", tenantID,
		"mode", mode,
		"urgency", rep.Diagnosis.Urgency,
		"average_trust", rep.Readings.AverageTrust,
		"planned", len(rep.Plan.Actions),
		"rejected", len(rep.Rejected),
	)
	return rep, nil
}

// applyOverrides moves executory actions against overridden agents from the
// plan to its suppressed list. A lookup failure leaves the action planned.
func (c *Controller) applyOverrides(ctx context.Context, tenantID string, plan *Plan) {
	if c.overrides == nil {
		return
	}
	kept := plan.Actions[:0]
	for _, a := range plan.Actions {
		if !a.Type.Executory() || a.Target == "" || a.Target == tenantID {
			kept = append(kept, a)
			continue
		}
		active, err := c.overrides.ByAgent(ctx, a.Target)
		if err != nil {
			c.logger.WarnContext(ctx, "override lookup failed",
				"tenant_id", tenantID, "agent_id", a.Target, "error", err)
			kept = append(kept, a)
			continue
		}
		if len(active) == 0 {
			kept = append(kept, a)
			continue
		}
		o := active[len(active)-1]
		plan.Suppressed = append(plan.Suppressed, SuppressedAction{
			Action: a,
			Reason: fmt.Sprintf("overridden by %s (%s)", o.AuthorizedBy, o.ID),
		})
	}
	plan.Actions = kept
}

// effectiveThresholds is the tenant's unexpired adjusted thresholds, or the
// controller's own.
func (c *Controller) effectiveThresholds(ctx context.Context, tenantID string) Thresholds {
	m, err := c.memory.Latest(ctx, tenantID, memory.KindThresholds)
	if err != nil {
		c.logger.WarnContext(ctx, "thresholds unavailable", "tenant_id", tenantID, "error", err)
		return c.thresholds
	}
	if m == nil {
		return c.thresholds
	}
	t := c.thresholds
	if err := m.Decode(&t); err != nil {
		c.logger.WarnContext(ctx, "thresholds unreadable", "tenant_id", tenantID, "error", err)
		return c.thresholds
	}
	return t
}

func (c *Controller) remember(ctx context.Context, rep *TenantReport) error {
	applied := 0
	for _, o := range rep.Outcomes {
		if o.Status == OutcomeApplied {
			applied++
		}
	}
	m, err := memory.New(rep.TenantID, memory.KindCycleFindings, CycleFindings{
		Mode:         rep.Mode,
		SampleSize:   rep.Readings.SampleSize,
		AverageTrust: rep.Readings.AverageTrust,
		Trend:        rep.Readings.Trend,
		Diagnosis:    rep.Diagnosis,
		Planned:      len(rep.Plan.Actions),
		Rejected:     len(rep.Rejected),
		Applied:      applied,
		CollectedAt:  rep.Readings.CollectedAt,
	}, string(rep.Diagnosis.Urgency))
	if err != nil {
		return err
	}
	if err := c.memory.Append(ctx, m); err != nil {
		return fmt.Errorf("store findings: %w", err)
	}
	if _, err := c.memory.DeleteOldest(ctx, rep.TenantID, memory.KindCycleFindings, c.retain); err != nil {
		return fmt.Errorf("prune findings: %w", err)
	}
	return nil
}
