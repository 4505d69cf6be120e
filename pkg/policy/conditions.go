package policy

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

func (c ScoreThreshold) Evaluate(r Record) (bool, string, error) {
	got, ok, err := r.Number(c.Path)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, fmt.Sprintf("%s is missing", c.Path), nil
	}
	if c.Operator.compare(got, c.Value) {
		return true, "", nil
	}
	return false, fmt.Sprintf("%s = %g, want %s %g", c.Path, got, c.Operator, c.Value), nil
}

func (c ContentPattern) Evaluate(r Record) (bool, string, error) {
	for _, field := range c.Fields {
		v, ok := r.Lookup(field)
		if !ok || v == nil {
			continue
		}
		text, ok := v.(string)
		if !ok {
			return false, "", fmt.Errorf("%s is %T, not text", field, v)
		}
		haystack := text
		if !c.CaseSensitive {
			haystack = strings.ToLower(text)
		}
		for _, phrase := range c.Forbidden {
			needle := phrase
			if !c.CaseSensitive {
				needle = strings.ToLower(phrase)
			}
			if needle != "" && strings.Contains(haystack, needle) {
				return false, fmt.Sprintf("%s contains forbidden phrase %q", field, phrase), nil
			}
		}
		for _, re := range c.compiled {
			if re.MatchString(text) {
				return false, fmt.Sprintf("%s matches pattern %q", field, re.String()), nil
			}
		}
	}
	return true, "", nil
}

func (c MetadataCheck) Evaluate(r Record) (bool, string, error) {
	v, present := r.Lookup(c.Field)
	present = present && v != nil

	switch {
	case c.Exists != nil:
		if present == *c.Exists {
			return true, "", nil
		}
		if present {
			return false, fmt.Sprintf("%s must not be set", c.Field), nil
		}
		return false, fmt.Sprintf("%s is missing", c.Field), nil

	case c.Equals != nil:
		if !present {
			return false, fmt.Sprintf("%s is missing", c.Field), nil
		}
		if valuesEqual(v, c.Equals) {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s = %v, want %v", c.Field, v, c.Equals), nil

	case len(c.OneOf) > 0:
		if !present {
			return false, fmt.Sprintf("%s is missing", c.Field), nil
		}
		for _, want := range c.OneOf {
			if valuesEqual(v, want) {
				return true, "", nil
			}
		}
		return false, fmt.Sprintf("%s = %v, want one of %v", c.Field, v, c.OneOf), nil

	default:
		if present {
			return true, "", nil
		}
		return false, fmt.Sprintf("required field %s is missing", c.Field), nil
	}
}

// valuesEqual compares numbers numerically and everything else structurally.
func valuesEqual(a, b any) bool {
	fa, errA := toFloat(a)
	fb, errB := toFloat(b)
	if errA == nil && errB == nil {
		return OpEQ.compare(fa, fb)
	}
	return reflect.DeepEqual(a, b)
}

func (c PrincipleCheck) Evaluate(r Record) (bool, string, error) {
	scores, err := r.Principles()
	if err != nil {
		return false, "", err
	}
	got, ok := scores[c.Principle]
	if !ok {
		return false, fmt.Sprintf("principle %s is not scored", c.Principle), nil
	}
	if c.Operator.compare(got, c.Value) {
		return true, "", nil
	}
	return false, fmt.Sprintf("%s = %g, want %s %g", c.Principle, got, c.Operator, c.Value), nil
}

func (c CustomLogic) Evaluate(r Record) (bool, string, error) {
	if c.Expression != "" {
		ok, err := c.cel.eval(c.Expression, r)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, fmt.Sprintf("expression %q is false", c.Expression), nil
		}
		return true, "", nil
	}

	switch c.Predicate {
	case PredicateAllScoresAtLeast:
		scores, err := r.Principles()
		if err != nil {
			return false, "", err
		}
		names := c.Principles
		if len(names) == 0 {
			names = trust.Principles
		}
		var low []string
		for _, p := range names {
			if scores.Get(p) < c.Threshold {
				low = append(low, fmt.Sprintf("%s=%g", p, scores.Get(p)))
			}
		}
		if len(low) > 0 {
			return false, fmt.Sprintf("below %g: %s", c.Threshold, strings.Join(low, ", ")), nil
		}
		return true, "", nil

	case PredicateOverallAtLeast:
		overall, err := r.Overall()
		if err != nil {
			return false, "", err
		}
		if overall < c.Threshold {
			return false, fmt.Sprintf("overall %g below %g", overall, c.Threshold), nil
		}
		return true, "", nil

	case PredicateNoViolations:
		scores, err := r.Principles()
		if err != nil {
			return false, "", err
		}
		s := trust.CalculateTrustScore(scores)
		if s.HasViolations() {
			return false, fmt.Sprintf("violations: %v", s.Violations), nil
		}
		return true, "", nil

	default:
		return false, "", fmt.Errorf("unknown predicate %q", c.Predicate)
	}
}
