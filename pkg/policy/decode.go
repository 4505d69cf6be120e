package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/sonate/pkg/canonicalize"
	"github.com/Mindburn-Labs/sonate/pkg/trust"
)

//go:embed schema/policy.schema.json
var policySchema string

const policySchemaURL = "https://sonate.schemas.local/policy.schema.json"

// Format is the encoding of a policy document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch {
	case strings.HasSuffix(path, ".json"):
		return FormatJSON, true
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return FormatYAML, true
	default:
		return "", false
	}
}

// Parser decodes and validates policy documents.
type Parser struct {
	schema *jsonschema.Schema
	cel    *celCache
}

// NewParser compiles the policy schema and the CEL environment.
func NewParser() (*Parser, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchema)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	schema, err := c.Compile(policySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("policy schema compile failed: %w", err)
	}
	cc, err := newCELCache()
	if err != nil {
		return nil, err
	}
	return &Parser{schema: schema, cel: cc}, nil
}

var (
	defaultParserOnce sync.Once
	defaultParser     *Parser
	defaultParserErr  error
)

// Parse decodes a document with the shared default Parser.
func Parse(data []byte, format Format) (*Policy, error) {
	defaultParserOnce.Do(func() { defaultParser, defaultParserErr = NewParser() })
	if defaultParserErr != nil {
		return nil, defaultParserErr
	}
	return defaultParser.Parse(data, format)
}

type rawPolicy struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Enabled     *bool     `json:"enabled"`
	Rules       []rawRule `json:"rules"`
}

type rawRule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      RuleType        `json:"type"`
	Condition json.RawMessage `json:"condition"`
	Action    Action          `json:"action"`
	Severity  Severity        `json:"severity"`
	Message   string          `json:"message"`
}

// Parse decodes data, validates it against the policy schema, parses the
// semantic version and decodes every rule condition.
func (p *Parser) Parse(data []byte, format Format) (*Policy, error) {
	doc, err := toJSONValue(data, format)
	if err != nil {
		return nil, err
	}
	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("policy: schema validation failed: %w", err)
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("policy: encode: %w", err)
	}
	var raw rawPolicy
	if err := json.Unmarshal(canonical, &raw); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}

	v, err := semver.NewVersion(raw.Version)
	if err != nil {
		return nil, fmt.Errorf("policy %s: version %q is not semver: %w", raw.ID, raw.Version, err)
	}
	hash, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return nil, fmt.Errorf("policy %s: hash: %w", raw.ID, err)
	}

	pol := &Policy{
		ID:          raw.ID,
		Version:     v.String(),
		Name:        raw.Name,
		Description: raw.Description,
		Enabled:     raw.Enabled == nil || *raw.Enabled,
		Hash:        hash,
		semver:      v,
	}

	seen := make(map[string]bool, len(raw.Rules))
	for _, rr := range raw.Rules {
		if seen[rr.ID] {
			return nil, fmt.Errorf("policy %s: duplicate rule id %q", raw.ID, rr.ID)
		}
		seen[rr.ID] = true

		cond, err := p.decodeCondition(rr.Type, rr.Condition)
		if err != nil {
			return nil, fmt.Errorf("policy %s: rule %s: %w", raw.ID, rr.ID, err)
		}
		pol.Rules = append(pol.Rules, Rule{
			ID:        rr.ID,
			Name:      rr.Name,
			Type:      rr.Type,
			Action:    rr.Action,
			Severity:  rr.Severity,
			Message:   rr.Message,
			Condition: cond,
		})
	}
	return pol, nil
}

func toJSONValue(data []byte, format Format) (any, error) {
	var doc any
	switch format {
	case FormatYAML:
		var y any
		if err := yaml.Unmarshal(data, &y); err != nil {
			return nil, fmt.Errorf("policy: parse yaml: %w", err)
		}
		// Round-trip so the schema sees JSON types only.
		b, err := json.Marshal(y)
		if err != nil {
			return nil, fmt.Errorf("policy: yaml is not representable as JSON: %w", err)
		}
		data = b
		fallthrough
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("policy: parse json: %w", err)
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("policy: unsupported format %q", format)
	}
}

func strictDecode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func normalizeOperator(op Operator) (Operator, error) {
	if op == "" {
		return OpGTE, nil
	}
	if norm, ok := operatorAliases[string(op)]; ok {
		return norm, nil
	}
	return "", fmt.Errorf("unknown operator %q", op)
}

func (p *Parser) decodeCondition(t RuleType, raw json.RawMessage) (Condition, error) {
	if len(raw) == 0 {
		return nil, errors.New("condition is required")
	}
	switch t {
	case RuleScoreThreshold:
		var c ScoreThreshold
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if c.Path == "" {
			return nil, errors.New("score_threshold requires a path")
		}
		op, err := normalizeOperator(c.Operator)
		if err != nil {
			return nil, err
		}
		c.Operator = op
		return c, nil

	case RuleContentPattern:
		var c ContentPattern
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if len(c.Forbidden) == 0 && len(c.Patterns) == 0 {
			return nil, errors.New("content_pattern requires forbidden phrases or patterns")
		}
		if len(c.Fields) == 0 {
			c.Fields = []string{"content"}
		}
		for _, pat := range c.Patterns {
			if !c.CaseSensitive {
				pat = "(?i)" + pat
			}
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", pat, err)
			}
			c.compiled = append(c.compiled, re)
		}
		return c, nil

	case RuleMetadataCheck:
		var c MetadataCheck
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if c.Field == "" {
			return nil, errors.New("metadata_check requires a field")
		}
		if c.Exists == nil && c.Equals == nil && len(c.OneOf) == 0 {
			c.Required = true
		}
		c.Equals = plainNumber(c.Equals)
		for i := range c.OneOf {
			c.OneOf[i] = plainNumber(c.OneOf[i])
		}
		return c, nil

	case RulePrincipleCheck:
		var c PrincipleCheck
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		if !trust.IsKnown(c.Principle) {
			return nil, fmt.Errorf("unknown principle %q", c.Principle)
		}
		op, err := normalizeOperator(c.Operator)
		if err != nil {
			return nil, err
		}
		c.Operator = op
		return c, nil

	case RuleCustomLogic:
		var c CustomLogic
		if err := strictDecode(raw, &c); err != nil {
			return nil, err
		}
		for _, pr := range c.Principles {
			if !trust.IsKnown(pr) {
				return nil, fmt.Errorf("unknown principle %q", pr)
			}
		}
		switch {
		case c.Expression != "" && c.Predicate != "":
			return nil, errors.New("custom_logic takes a predicate or an expression, not both")
		case c.Expression != "":
			if _, err := p.cel.program(c.Expression); err != nil {
				return nil, err
			}
			c.cel = p.cel
		case c.Predicate == PredicateAllScoresAtLeast, c.Predicate == PredicateOverallAtLeast, c.Predicate == PredicateNoViolations:
		default:
			return nil, fmt.Errorf("unknown predicate %q", c.Predicate)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown rule type %q", t)
	}
}

// plainNumber turns json.Number into float64 so comparisons see one numeric type.
func plainNumber(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}
