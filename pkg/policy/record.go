package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

// Record is the generic JSON view of whatever is being evaluated: a receipt,
// a trust score, or any caller-defined document.
type Record map[string]any

// RecordFrom converts v to a Record through its JSON encoding.
func RecordFrom(v any) (Record, error) {
	if r, ok := v.(Record); ok {
		return r, nil
	}
	if m, ok := v.(map[string]any); ok {
		return Record(m), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("policy: encode record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("policy: record must be a JSON object: %w", err)
	}
	return r, nil
}

// Lookup resolves a dotted path such as "metadata.model" or "items.0.score".
// The second result is false when any segment is missing.
func (r Record) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Record:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Number resolves path and converts the value to float64.
func (r Record) Number(path string) (float64, bool, error) {
	v, ok := r.Lookup(path)
	if !ok || v == nil {
		return 0, false, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", path, err)
	}
	return f, true, nil
}

// Principles returns the record's principle scores from "principles" or,
// failing that, "scores". Missing principles are absent from the map.
func (r Record) Principles() (trust.PrincipleScores, error) {
	out := make(trust.PrincipleScores)
	for _, root := range []string{"principles", "scores"} {
		v, ok := r.Lookup(root)
		if !ok {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s is %T, not an object", root, v)
		}
		for k, raw := range m {
			f, err := toFloat(raw)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", root, k, err)
			}
			out[trust.Principle(k)] = f
		}
		return out, nil
	}
	return out, nil
}

// Overall returns "overall", then "metadata.overall", then the score
// computed from the record's principles.
func (r Record) Overall() (float64, error) {
	for _, path := range []string{"overall", "metadata.overall"} {
		f, ok, err := r.Number(path)
		if err != nil {
			return 0, err
		}
		if ok {
			return f, nil
		}
	}
	scores, err := r.Principles()
	if err != nil {
		return 0, err
	}
	return trust.CalculateTrustScore(scores).Overall, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}
