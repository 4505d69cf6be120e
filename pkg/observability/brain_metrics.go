package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Attribute keys used on controller instruments and spans.
var (
	AttrTenantID   = attribute.Key("sonate.tenant.id")
	AttrMode       = attribute.Key("sonate.tenant.mode")
	AttrActionType = attribute.Key("sonate.action.type")
	AttrOutcome    = attribute.Key("sonate.action.outcome")
	AttrRule       = attribute.Key("sonate.kernel.rule")
	AttrUrgency    = attribute.Key("sonate.cycle.urgency")
)

// BrainMetrics are the controller's instruments.
type BrainMetrics struct {
	cycles        metric.Int64Counter
	actions       metric.Int64Counter
	rejections    metric.Int64Counter
	tenantErrors  metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// NewBrainMetrics creates the controller instruments on meter.
func NewBrainMetrics(meter metric.Meter) (*BrainMetrics, error) {
	m := &BrainMetrics{}
	var err error

	if m.cycles, err = meter.Int64Counter("sonate.brain.cycles",
		metric.WithDescription("Completed controller cycles"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, err
	}
	if m.actions, err = meter.Int64Counter("sonate.brain.actions",
		metric.WithDescription("Actions executed by the controller"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter("sonate.brain.rejections",
		metric.WithDescription("Planned actions rejected by the constraint kernel"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}
	if m.tenantErrors, err = meter.Int64Counter("sonate.brain.tenant_errors",
		metric.WithDescription("Tenant cycles that failed"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.cycleDuration, err = meter.Float64Histogram("sonate.brain.cycle.duration",
		metric.WithDescription("Duration of a full controller cycle"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopBrainMetrics returns instruments that record nothing.
func NoopBrainMetrics() *BrainMetrics {
	m, _ := NewBrainMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	return m
}

// Cycle records one completed cycle over tenants.
func (m *BrainMetrics) Cycle(ctx context.Context, tenants int, d time.Duration) {
	m.cycles.Add(ctx, 1)
	m.cycleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Int("sonate.cycle.tenants", tenants)))
}

// Action records one executed action.
func (m *BrainMetrics) Action(ctx context.Context, tenantID, actionType string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		AttrTenantID.String(tenantID),
		AttrActionType.String(actionType),
		AttrOutcome.String(outcome),
	))
}

// Rejection records one action rejected by rule.
func (m *BrainMetrics) Rejection(ctx context.Context, tenantID, actionType, rule string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		AttrTenantID.String(tenantID),
		AttrActionType.String(actionType),
		AttrRule.String(rule),
	))
}

// TenantError records one failed tenant cycle.
func (m *BrainMetrics) TenantError(ctx context.Context, tenantID string) {
	m.tenantErrors.Add(ctx, 1, metric.WithAttributes(AttrTenantID.String(tenantID)))
}
