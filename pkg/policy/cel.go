package policy

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	gocache "github.com/patrickmn/go-cache"
)

const (
	celCostLimit       = 10000
	celProgramTTL      = 30 * time.Minute
	celCleanupInterval = 10 * time.Minute
)

// celCache compiles custom_logic expressions once and keeps the programs
// keyed by expression text.
type celCache struct {
	env      *cel.Env
	programs *gocache.Cache
}

func newCELCache() (*celCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
		cel.Variable("principles", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("overall", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &celCache{
		env:      env,
		programs: gocache.New(celProgramTTL, celCleanupInterval),
	}, nil
}

func (c *celCache) program(expr string) (cel.Program, error) {
	if p, ok := c.programs.Get(expr); ok {
		return p.(cel.Program), nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.programs.SetDefault(expr, p)
	return p, nil
}

func (c *celCache) eval(expr string, r Record) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("no CEL environment for expression %q", expr)
	}
	p, err := c.program(expr)
	if err != nil {
		return false, err
	}

	scores, err := r.Principles()
	if err != nil {
		return false, err
	}
	principles := make(map[string]float64, len(scores))
	for k, v := range scores {
		principles[string(k)] = v
	}
	overall, err := r.Overall()
	if err != nil {
		return false, err
	}

	out, _, err := p.Eval(map[string]any{
		"record":     map[string]any(r),
		"principles": principles,
		"overall":    overall,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
