package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `{
	"id": "baseline",
	"version": "1.2.0",
	"name": "Baseline trust",
	"rules": [
		{"id": "overall", "type": "score_threshold", "action": "block", "severity": "high",
		 "condition": {"path": "overall", "operator": ">=", "value": 7}},
		{"id": "no-secrets", "type": "content_pattern", "action": "flag", "severity": "medium",
		 "condition": {"fields": ["content"], "forbidden": ["password"], "patterns": ["sk-[a-z0-9]{8}"]}},
		{"id": "has-model", "type": "metadata_check", "action": "flag", "severity": "low",
		 "condition": {"field": "metadata.model"}},
		{"id": "consent", "type": "principle_check", "action": "require_approval", "severity": "critical",
		 "condition": {"principle": "CONSENT_ARCHITECTURE", "operator": "gte", "value": 6}},
		{"id": "all-five", "type": "custom_logic", "action": "flag", "severity": "medium",
		 "condition": {"predicate": "all_scores_at_least", "threshold": 5}}
	]
}`

var fixed = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func mustParse(t *testing.T, doc string, format Format) *Policy {
	t.Helper()
	p, err := Parse([]byte(doc), format)
	require.NoError(t, err)
	return p
}

func goodRecord() Record {
	return Record{
		"overall": 8.2,
		"content": "Here is the summary you asked for.",
		"metadata": map[string]any{"model": "m-1"},
		"principles": map[string]any{
			"CONSENT_ARCHITECTURE":  9.0,
			"INSPECTION_MANDATE":    8.0,
			"CONTINUOUS_VALIDATION": 8.0,
			"ETHICAL_OVERRIDE":      8.0,
			"RIGHT_TO_DISCONNECT":   7.0,
			"MORAL_RECOGNITION":     7.0,
		},
	}
}

func evaluator() *Evaluator {
	return NewEvaluator(WithClock(func() time.Time { return fixed }))
}

func TestParse(t *testing.T) {
	p := mustParse(t, samplePolicy, FormatJSON)
	assert.Equal(t, "baseline", p.ID)
	assert.Equal(t, "1.2.0", p.Version)
	assert.Equal(t, uint64(1), p.SemVer().Major())
	assert.True(t, p.Enabled, "enabled defaults to true")
	assert.Len(t, p.Hash, 64)
	require.Len(t, p.Rules, 5)
	assert.IsType(t, ScoreThreshold{}, p.Rules[0].Condition)
	assert.Equal(t, OpGTE, p.Rules[0].Condition.(ScoreThreshold).Operator)
	assert.IsType(t, ContentPattern{}, p.Rules[1].Condition)
	assert.True(t, p.Rules[2].Condition.(MetadataCheck).Required)
	assert.IsType(t, PrincipleCheck{}, p.Rules[3].Condition)
	assert.IsType(t, CustomLogic{}, p.Rules[4].Condition)
}

func TestParse_YAMLMatchesJSONHash(t *testing.T) {
	yamlDoc := `
id: baseline
version: 1.2.0
name: Baseline trust
rules:
  - id: overall
    type: score_threshold
    action: block
    severity: high
    condition: {path: overall, operator: ">=", value: 7}
`
	jsonDoc := `{"id":"baseline","version":"1.2.0","name":"Baseline trust","rules":[
		{"id":"overall","type":"score_threshold","action":"block","severity":"high",
		 "condition":{"path":"overall","operator":">=","value":7}}]}`

	y := mustParse(t, yamlDoc, FormatYAML)
	j := mustParse(t, jsonDoc, FormatJSON)
	assert.Equal(t, j.Hash, y.Hash)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"schema: missing rules":  `{"id":"x","version":"1.0.0","name":"x"}`,
		"schema: bad severity":   `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"score_threshold","action":"flag","severity":"urgent","condition":{"path":"a"}}]}`,
		"schema: bad type":       `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"magic","action":"flag","severity":"low","condition":{}}]}`,
		"not semver":             `{"id":"x","version":"one","name":"x","rules":[]}`,
		"duplicate rule":         `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"metadata_check","action":"flag","severity":"low","condition":{"field":"a"}},{"id":"r","type":"metadata_check","action":"flag","severity":"low","condition":{"field":"b"}}]}`,
		"unknown condition key":  `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"score_threshold","action":"flag","severity":"low","condition":{"path":"a","bogus":1}}]}`,
		"unknown operator":       `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"score_threshold","action":"flag","severity":"low","condition":{"path":"a","operator":"~"}}]}`,
		"unknown principle":      `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"principle_check","action":"flag","severity":"low","condition":{"principle":"VIBES","value":1}}]}`,
		"unknown predicate":      `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"custom_logic","action":"flag","severity":"low","condition":{"predicate":"is_nice"}}]}`,
		"bad CEL":                `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"custom_logic","action":"flag","severity":"low","condition":{"expression":"overall >>> 1"}}]}`,
		"bad regexp":             `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"content_pattern","action":"flag","severity":"low","condition":{"patterns":["("]}}]}`,
		"empty content pattern":  `{"id":"x","version":"1.0.0","name":"x","rules":[{"id":"r","type":"content_pattern","action":"flag","severity":"low","condition":{}}]}`,
		"not json":               `{`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), FormatJSON)
			assert.Error(t, err)
		})
	}
}

func TestEvaluate_AllPass(t *testing.T) {
	ev := evaluator().Evaluate(goodRecord(), mustParse(t, samplePolicy, FormatJSON))
	assert.True(t, ev.Passed)
	assert.Empty(t, ev.Flags)
	assert.NotNil(t, ev.Flags)
	assert.Equal(t, 5, ev.RulesEvaluated)
	assert.Equal(t, 5, ev.RulesPassed)
	assert.Equal(t, 1.0, ev.Confidence)
	assert.Equal(t, fixed, ev.Timestamp)
	assert.False(t, ev.Blocked())
}

func TestEvaluate_ExhaustiveFailures(t *testing.T) {
	rec := goodRecord()
	rec["overall"] = 4.0
	rec["content"] = "my PASSWORD is sk-abcdef12"
	delete(rec["metadata"].(map[string]any), "model")

	ev := evaluator().Evaluate(rec, mustParse(t, samplePolicy, FormatJSON))
	assert.False(t, ev.Passed)
	assert.Equal(t, 3, ev.RulesFailed)
	assert.Equal(t, 2, ev.RulesPassed)
	assert.InDelta(t, 0.4, ev.Confidence, 1e-9)
	require.Len(t, ev.Flags, 3)

	bySeverity := map[string]Severity{}
	for _, f := range ev.Flags {
		bySeverity[f.RuleID] = f.Severity
	}
	assert.Equal(t, map[string]Severity{
		"overall":    SeverityHigh,
		"no-secrets": SeverityMedium,
		"has-model":  SeverityLow,
	}, bySeverity)
	assert.True(t, ev.Blocked())
	assert.Contains(t, ev.Explanation, "3 of 5 rules failed")
}

type panicCondition struct{}

func (panicCondition) Type() RuleType { return RuleCustomLogic }
func (panicCondition) Evaluate(Record) (bool, string, error) {
	panic("boom")
}

func TestEvaluate_ErrorsBecomeErrorFlags(t *testing.T) {
	p := &Policy{ID: "p", Version: "1.0.0", Enabled: true, Rules: []Rule{
		{ID: "panics", Action: ActionFlag, Severity: SeverityLow, Condition: panicCondition{}},
		{ID: "not-numeric", Action: ActionBlock, Severity: SeverityLow, Condition: ScoreThreshold{Path: "content", Operator: OpGTE, Value: 1}},
		{ID: "fine", Action: ActionFlag, Severity: SeverityLow, Condition: ScoreThreshold{Path: "overall", Operator: OpGTE, Value: 1}},
	}}
	ev := evaluator().Evaluate(goodRecord(), p)
	assert.Equal(t, 3, ev.RulesEvaluated)
	assert.Equal(t, 1, ev.RulesPassed)
	require.Len(t, ev.Flags, 2)
	for _, f := range ev.Flags {
		assert.Equal(t, SeverityError, f.Severity)
	}
	assert.Contains(t, ev.Flags[0].Message, "boom")
}

func TestEvaluate_DisabledPolicy(t *testing.T) {
	p := mustParse(t, `{"id":"off","version":"0.1.0","name":"off","enabled":false,"rules":[
		{"id":"r","type":"score_threshold","action":"block","severity":"high","condition":{"path":"overall","value":100}}]}`, FormatJSON)
	ev := evaluator().Evaluate(goodRecord(), p)
	assert.True(t, ev.Passed)
	assert.Zero(t, ev.RulesEvaluated)
}

func TestMetadataCheckModes(t *testing.T) {
	rec := Record{"metadata": map[string]any{"tier": "gold", "retries": 3.0, "debug": nil}}
	no := false
	yes := true

	cases := []struct {
		name string
		cond MetadataCheck
		want bool
	}{
		{"required present", MetadataCheck{Field: "metadata.tier", Required: true}, true},
		{"required missing", MetadataCheck{Field: "metadata.owner", Required: true}, false},
		{"null counts as missing", MetadataCheck{Field: "metadata.debug", Required: true}, false},
		{"must not exist", MetadataCheck{Field: "metadata.debug", Exists: &no}, true},
		{"must exist", MetadataCheck{Field: "metadata.tier", Exists: &yes}, true},
		{"equals string", MetadataCheck{Field: "metadata.tier", Equals: "gold"}, true},
		{"equals number", MetadataCheck{Field: "metadata.retries", Equals: 3}, true},
		{"equals mismatch", MetadataCheck{Field: "metadata.tier", Equals: "silver"}, false},
		{"one of", MetadataCheck{Field: "metadata.tier", OneOf: []any{"silver", "gold"}}, true},
		{"one of mismatch", MetadataCheck{Field: "metadata.tier", OneOf: []any{"bronze"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, _, err := tc.cond.Evaluate(rec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestCustomLogicCEL(t *testing.T) {
	p := mustParse(t, `{"id":"cel","version":"1.0.0","name":"cel","rules":[
		{"id":"expr","type":"custom_logic","action":"flag","severity":"high",
		 "condition":{"expression":"overall >= 7.0 && principles['ETHICAL_OVERRIDE'] > 5.0 && record.metadata.model == 'm-1'"}},
		{"id":"overall","type":"custom_logic","action":"flag","severity":"low",
		 "condition":{"predicate":"overall_at_least","threshold":8}},
		{"id":"clean","type":"custom_logic","action":"flag","severity":"low",
		 "condition":{"predicate":"no_violations"}}
	]}`, FormatJSON)

	ev := evaluator().Evaluate(goodRecord(), p)
	assert.True(t, ev.Passed, ev.Explanation)

	rec := goodRecord()
	rec["metadata"] = map[string]any{"model": "other"}
	rec["principles"].(map[string]any)["MORAL_RECOGNITION"] = 2.0
	ev = evaluator().Evaluate(rec, p)
	assert.Equal(t, 2, ev.RulesFailed)
}

func TestRecordLookup(t *testing.T) {
	r, err := RecordFrom(map[string]any{"a": map[string]any{"b": []any{1.0, map[string]any{"c": "x"}}}})
	require.NoError(t, err)

	v, ok := r.Lookup("a.b.1.c")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	_, ok = r.Lookup("a.b.9")
	assert.False(t, ok)
	_, ok = r.Lookup("a.missing.c")
	assert.False(t, ok)

	type doc struct {
		Overall float64 `json:"overall"`
	}
	r, err = RecordFrom(doc{Overall: 6.5})
	require.NoError(t, err)
	overall, err := r.Overall()
	require.NoError(t, err)
	assert.Equal(t, 6.5, overall)

	_, err = RecordFrom([]int{1})
	assert.Error(t, err)
}

func TestLoader(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	write("baseline.json", samplePolicy)
	write("strict.yaml", `
id: strict
version: 2.0.0
name: Strict
enabled: false
rules: []
`)
	write("README.md", "not a policy")

	parser, err := NewParser()
	require.NoError(t, err)
	l := NewLoader(dir, parser)

	var reloaded []string
	l.OnReload(func(p *Policy) { reloaded = append(reloaded, p.ID) })
	require.NoError(t, l.LoadAll())

	assert.Equal(t, []string{"baseline", "strict"}, reloaded)
	require.Len(t, l.All(), 2)
	enabled := l.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "baseline", enabled[0].ID)

	p, ok := l.Get("strict")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", p.Version)

	require.NoError(t, os.Remove(filepath.Join(dir, "strict.yaml")))
	require.NoError(t, l.LoadAll())
	_, ok = l.Get("strict")
	assert.False(t, ok)

	write("broken.json", `{"id":"broken"}`)
	require.Error(t, l.LoadAll())
	_, ok = l.Get("baseline")
	assert.True(t, ok, "a failed reload keeps the previous set")
}
