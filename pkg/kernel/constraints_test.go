package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sonate/pkg/store"
)

func TestCheck(t *testing.T) {
	advisory := Context{TenantID: "t1", Mode: ModeAdvisory}
	enforced := Context{TenantID: "t1", Mode: ModeEnforced}

	cases := []struct {
		name   string
		ctx    Context
		action PlannedAction
		rule   string
	}{
		{"no tenant", Context{Mode: ModeEnforced}, PlannedAction{Type: ActionAlert}, RuleMissingTenant},
		{"no tenant wins over unknown type", Context{}, PlannedAction{Type: "reboot"}, RuleMissingTenant},
		{"unknown type", enforced, PlannedAction{Type: "reboot"}, RuleUnknownAction},
		{"advisory ban", advisory, PlannedAction{Type: ActionBanAgent, Target: "a1", Reason: "bad"}, RuleAdvisoryNoExecution},
		{"advisory threshold", advisory, PlannedAction{Type: ActionAdjustThreshold, Target: "t1", Reason: "x"}, RuleAdvisoryNoExecution},
		{"advisory unban", advisory, PlannedAction{Type: ActionUnbanAgent, Target: "a1"}, RuleAdvisoryNoExecution},
		{"high alert without reason", advisory, PlannedAction{Type: ActionAlert, Severity: store.SeverityHigh}, RuleReasonRequiredForSeverity},
		{"critical restrict without reason", enforced, PlannedAction{Type: ActionRestrictAgent, Severity: store.SeverityCritical}, RuleReasonRequiredForSeverity},
		{"low ban without reason", enforced, PlannedAction{Type: ActionBanAgent, Target: "a1", Severity: store.SeverityLow}, RuleReasonRequiredForBan},
		{"quarantine without reason", enforced, PlannedAction{Type: ActionQuarantineAgent, Target: "a1"}, RuleReasonRequiredForBan},
		{"advisory alert", advisory, PlannedAction{Type: ActionAlert, Severity: store.SeverityMedium}, ""},
		{"advisory notify", advisory, PlannedAction{Type: ActionNotify}, ""},
		{"enforced ban with reason", enforced, PlannedAction{Type: ActionBanAgent, Target: "a1", Reason: "repeated violations", Severity: store.SeverityCritical}, ""},
		{"enforced restrict without reason", enforced, PlannedAction{Type: ActionRestrictAgent, Target: "a1", Severity: store.SeverityMedium}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Check(tc.ctx, tc.action)
			if tc.rule == "" {
				assert.True(t, got.OK, got.Reason)
				assert.Empty(t, got.Rule)
				return
			}
			assert.False(t, got.OK)
			assert.Equal(t, tc.rule, got.Rule)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestFilter(t *testing.T) {
	actions := []PlannedAction{
		{Type: ActionAlert, Target: "t1", Reason: "low trust", Severity: store.SeverityHigh},
		{Type: ActionBanAgent, Target: "a1", Reason: "violations"},
		{Type: ActionNotify, Target: "t1"},
	}
	allowed, rejected := Filter(Context{TenantID: "t1", Mode: ModeAdvisory}, actions)
	require.Len(t, allowed, 2)
	assert.Equal(t, ActionAlert, allowed[0].Type)
	assert.Equal(t, ActionNotify, allowed[1].Type)
	require.Len(t, rejected, 1)
	assert.Equal(t, RuleAdvisoryNoExecution, rejected[0].Check.Rule)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeEnforced, ParseMode("enforced"))
	assert.Equal(t, ModeAdvisory, ParseMode("advisory"))
	assert.Equal(t, ModeAdvisory, ParseMode(""))
	assert.Equal(t, ModeAdvisory, ParseMode("ENFORCED"))
}
