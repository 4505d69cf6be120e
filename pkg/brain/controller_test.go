package brain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/sonate/pkg/kernel"
	"github.com/Mindburn-Labs/sonate/pkg/memory"
	"github.com/Mindburn-Labs/sonate/pkg/observability"
	"github.com/Mindburn-Labs/sonate/pkg/override"
	"github.com/Mindburn-Labs/sonate/pkg/store"
)

type controllerFixture struct {
	store  *store.MemoryStore
	memory *memory.InMemoryStore
	ctrl   *Controller
}

func newControllerFixture(t *testing.T, tenants TenantSource, opts ...Option) *controllerFixture {
	t.Helper()
	f := &controllerFixture{store: store.NewMemoryStore(), memory: memory.NewInMemoryStore()}
	exec := NewExecutor(f.store, f.store, f.memory, ExecutorConfig{AlertsPerMinute: 600, AlertBurst: 20})
	f.ctrl = NewController(NewStoreSensors(f.store, f.store, f.store, 0), exec, f.memory, tenants, opts...)
	return f
}

func (f *controllerFixture) seed(t *testing.T, tenant, agent string, values ...float64) {
	t.Helper()
	for _, v := range values {
		require.NoError(t, f.store.Append(context.Background(), receipt(tenant, agent, v)))
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestController_RunCycle(t *testing.T) {
	ctx := context.Background()
	f := newControllerFixture(t, StaticTenants{
		"t-bad":  "advisory",
		"t-enf":  "enforced",
		"t-good": "",
	})
	f.seed(t, "t-bad", "b1", repeat(2, 10)...)
	f.seed(t, "t-enf", "e1", repeat(2, 10)...)
	f.seed(t, "t-good", "g1", repeat(8.5, 10)...)

	rep, err := f.ctrl.RunCycle(ctx)
	require.NoError(t, err)
	require.Empty(t, rep.Errors)
	require.Len(t, rep.Reports, 3)

	bad, enf, good := rep.Reports[0], rep.Reports[1], rep.Reports[2]
	assert.Equal(t, "t-bad", bad.TenantID)
	assert.Equal(t, kernel.ModeAdvisory, bad.Mode)
	assert.Equal(t, UrgencyImmediate, bad.Diagnosis.Urgency)

	// Advisory: the quarantine is held back and recorded as a recommendation.
	require.Len(t, bad.Rejected, 1)
	assert.Equal(t, kernel.RuleAdvisoryNoExecution, bad.Rejected[0].Check.Rule)
	assert.Equal(t, 1, bad.Recommendations)
	require.Len(t, bad.Outcomes, 1)
	assert.Equal(t, kernel.ActionAlert, bad.Outcomes[0].ActionType)
	_, err = f.store.GetAgent(ctx, "t-bad", "b1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	alerts, err := f.store.ListAlerts(ctx, store.AlertFilter{TenantID: "t-bad"})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	// Enforced: the same plan quarantines the agent.
	assert.Equal(t, kernel.ModeEnforced, enf.Mode)
	assert.Empty(t, enf.Rejected)
	require.Len(t, enf.Outcomes, 2)
	agent, err := f.store.GetAgent(ctx, "t-enf", "e1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentQuarantined, agent.BanStatus)

	// Healthy: nothing to do.
	assert.Equal(t, UrgencyLow, good.Diagnosis.Urgency)
	assert.Empty(t, good.Plan.Actions)
	n, err := f.store.CountAlerts(ctx, store.AlertFilter{TenantID: "t-good"})
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, tenant := range []string{"t-bad", "t-enf", "t-good"} {
		m, err := f.memory.Latest(ctx, tenant, memory.KindCycleFindings)
		require.NoError(t, err)
		require.NotNil(t, m, tenant)
		var cf CycleFindings
		require.NoError(t, m.Decode(&cf))
		assert.Equal(t, 10, cf.SampleSize)
	}
	var cf CycleFindings
	m, _ := f.memory.Latest(ctx, "t-bad", memory.KindCycleFindings)
	require.NoError(t, m.Decode(&cf))
	assert.Equal(t, 1, cf.Rejected)
	assert.Equal(t, 1, cf.Applied)
	assert.Equal(t, []string{string(UrgencyImmediate)}, m.Tags)
}

func TestController_ThresholdAdjustmentFeedsNextCycle(t *testing.T) {
	ctx := context.Background()
	f := newControllerFixture(t, StaticTenants{"t1": "enforced"})
	f.seed(t, "t1", "", 10, 9, 8, 7, 6, 5, 4, 3, 2, 1)

	first, err := f.ctrl.RunTenant(ctx, "t1", kernel.ModeEnforced)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, first.Thresholds.LowTrust, 1e-9)
	var kinds []FindingKind
	for _, a := range first.Diagnosis.Anomalies {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, AnomalyRapidDecline)

	for i := 0; i < 5; i++ {
		next, err := f.ctrl.RunTenant(ctx, "t1", kernel.ModeEnforced)
		require.NoError(t, err)
		assert.InDelta(t, 5.5, next.Thresholds.LowTrust, 1e-9, "cycle %d", i+2)
	}
}

func TestController_ThresholdAdjustmentLapsesAfterRecovery(t *testing.T) {
	ctx := context.Background()
	now := epoch
	clock := func() time.Time { return now }
	s := store.NewMemoryStore()
	mem := memory.NewInMemoryStore().WithClock(clock)
	exec := NewExecutor(s, s, mem, ExecutorConfig{ThresholdHold: time.Hour}, WithExecutorClock(clock))
	ctrl := NewController(NewStoreSensors(s, s, s, 0), exec, mem, StaticTenants{"t1": "enforced"})

	for _, v := range []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1} {
		require.NoError(t, s.Append(ctx, receipt("t1", "", v)))
	}
	for i := 0; i < 10; i++ {
		rep, err := ctrl.RunTenant(ctx, "t1", kernel.ModeEnforced)
		require.NoError(t, err)
		assert.LessOrEqual(t, rep.Thresholds.LowTrust, 5.5)
		now = now.Add(time.Minute)
	}

	for _, v := range repeat(8.5, DefaultSampleWindow) {
		require.NoError(t, s.Append(ctx, receipt("t1", "", v)))
	}
	now = now.Add(2 * time.Hour)

	rep, err := ctrl.RunTenant(ctx, "t1", kernel.ModeEnforced)
	require.NoError(t, err)
	assert.InDelta(t, DefaultThresholds().LowTrust, rep.Thresholds.LowTrust, 1e-9)
	for _, o := range rep.Diagnosis.Observations {
		assert.NotEqual(t, ObservationLowTrust, o.Kind)
	}
}

func TestController_MemoryStaysBounded(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mem := memory.NewInMemoryStore()
	exec := NewExecutor(s, s, mem, ExecutorConfig{OutcomesRetained: 6})
	ctrl := NewController(NewStoreSensors(s, s, s, 0), exec, mem,
		StaticTenants{"t1": "enforced"}, WithFindingsRetained(5))
	for _, v := range []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1} {
		require.NoError(t, s.Append(ctx, receipt("t1", "", v)))
	}

	for i := 0; i < 30; i++ {
		_, err := ctrl.RunTenant(ctx, "t1", kernel.ModeEnforced)
		require.NoError(t, err)
	}

	counts := map[string]int{}
	for _, kind := range []string{
		memory.KindActionOutcome, memory.KindThresholds,
		memory.KindCycleFindings, memory.KindEffectiveness,
	} {
		items, err := mem.Recent(ctx, "t1", kind, 0)
		require.NoError(t, err)
		counts[kind] = len(items)
	}
	assert.Equal(t, map[string]int{
		memory.KindActionOutcome: 6,
		memory.KindThresholds:    1,
		memory.KindCycleFindings: 5,
		memory.KindEffectiveness: 1,
	}, counts)
}

type scriptedSensors struct {
	SensorSource
}

func (s scriptedSensors) Collect(ctx context.Context, tenantID string) (*Readings, error) {
	switch tenantID {
	case "t-err":
		return nil, errors.New("sensor offline")
	case "t-panic":
		panic("sensor exploded")
	default:
		return s.SensorSource.Collect(ctx, tenantID)
	}
}

func TestController_IsolatesTenantFailures(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := observability.NewBrainMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	s := store.NewMemoryStore()
	mem := memory.NewInMemoryStore()
	ctrl := NewController(
		scriptedSensors{NewStoreSensors(s, s, s, 0)},
		NewExecutor(s, s, mem, ExecutorConfig{}),
		mem,
		StaticTenants{"t-err": "", "t-ok": "", "t-panic": ""},
		WithMetrics(metrics),
		WithConcurrency(2),
	)

	rep, err := ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Reports, 1)
	assert.Equal(t, "t-ok", rep.Reports[0].TenantID)

	require.Len(t, rep.Errors, 2)
	assert.Equal(t, "t-err", rep.Errors[0].TenantID)
	assert.Equal(t, "sense", rep.Errors[0].Stage)
	assert.EqualError(t, rep.Errors[0], "brain: tenant t-err: sense: sensor offline")
	assert.Equal(t, "t-panic", rep.Errors[1].TenantID)
	assert.Contains(t, rep.Errors[1].Err.Error(), "sensor exploded")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["sonate.brain.tenant_errors"])
	assert.Equal(t, int64(1), totals["sonate.brain.cycles"])
}

type failingTenants struct{}

func (failingTenants) Tenants(context.Context) ([]Tenant, error) {
	return nil, errors.New("directory unavailable")
}

func TestController_TenantListFailure(t *testing.T) {
	f := newControllerFixture(t, failingTenants{})
	_, err := f.ctrl.RunCycle(context.Background())
	assert.ErrorContains(t, err, "directory unavailable")
}

func TestStaticTenants(t *testing.T) {
	got, err := StaticTenants{"b": "enforced", "a": "whatever"}.Tenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Tenant{{ID: "a", Mode: kernel.ModeAdvisory}, {ID: "b", Mode: kernel.ModeEnforced}}, got)
}

func TestController_OverrideHoldsBackEnforcement(t *testing.T) {
	ctx := context.Background()
	overrides := override.NewManager()
	_, err := overrides.Create(ctx, override.Request{
		ReceiptID:    "r-1",
		AgentID:      "e1",
		Reason:       "reviewed by on-call, false positive",
		AuthorizedBy: "alice",
	})
	require.NoError(t, err)

	f := newControllerFixture(t, StaticTenants{"t-enf": "enforced"}, WithOverrides(overrides))
	f.seed(t, "t-enf", "e1", repeat(2, 10)...)

	rep, err := f.ctrl.RunTenant(ctx, "t-enf", kernel.ModeEnforced)
	require.NoError(t, err)
	for _, a := range rep.Plan.Actions {
		assert.NotEqual(t, kernel.ActionQuarantineAgent, a.Type)
	}
	require.NotEmpty(t, rep.Plan.Suppressed)
	last := rep.Plan.Suppressed[len(rep.Plan.Suppressed)-1]
	assert.Equal(t, kernel.ActionQuarantineAgent, last.Action.Type)
	assert.Contains(t, last.Reason, "overridden by alice")

	_, err = f.store.GetAgent(ctx, "t-enf", "e1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
