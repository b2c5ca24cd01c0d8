package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

// CELEvaluator compiles and caches escalation-rule expressions. Evaluation is
// fail-closed: callers must treat an error as a match at critical risk.
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEvaluator creates an evaluator exposing `plan` and `changeset` as
// dynamic inputs.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("plan", cel.DynType),
		cel.Variable("changeset", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &CELEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Matches evaluates one rule expression over the plan and change set.
func (e *CELEvaluator) Matches(expr string, plan *contracts.ChangePlan, cs *contracts.ChangeSet) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	ops := make([]string, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		ops = append(ops, string(c.Op))
	}
	input := map[string]any{
		"plan": map[string]any{
			"plan_id":        plan.PlanID,
			"intent_type":    string(plan.IntentType),
			"risk_proposed":  string(plan.RiskLevelProposed),
			"affected_paths": plan.AffectedPaths,
			"has_rollback":   plan.RollbackPlan != "",
		},
		"changeset": map[string]any{
			"file_count":  len(cs.Changes),
			"total_lines": cs.TotalLines(),
			"ops":         ops,
			"paths":       cs.AffectedPaths(),
		},
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not yield a bool", expr)
	}
	return val, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
