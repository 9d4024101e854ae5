package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/basisworks/keel/pkg/basis"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/rules"
)

// obligationEvaluator compiles and caches CEL trigger expressions. Compiled
// programs are reused across evaluations; the cache never evicts because the
// trigger set is bounded by the loaded bundles.
type obligationEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newObligationEvaluator() (*obligationEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("environment", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: cel environment: %w", err)
	}
	return &obligationEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

func (o *obligationEvaluator) program(expr string) (cel.Program, error) {
	o.mu.RLock()
	prg, ok := o.prgCache[expr]
	o.mu.RUnlock()
	if ok {
		return prg, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if prg, ok := o.prgCache[expr]; ok {
		return prg, nil
	}

	ast, iss := o.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prg, err := o.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, err
	}
	o.prgCache[expr] = prg
	return prg, nil
}

// evaluate runs each obligation's trigger against the intent context. A
// trigger that fails to compile, errors at runtime, or yields a non-boolean
// is skipped with a warning; only a literal true attaches the obligation.
func (o *obligationEvaluator) evaluate(ctx context.Context, obligations []basis.Obligation, ec rules.EvalContext) ([]contracts.ObligationOutcome, []string) {
	if len(obligations) == 0 {
		return nil, nil
	}

	intentVars := ec.Intent
	if intentVars == nil {
		intentVars = map[string]any{}
	}
	contextVars := ec.Context
	if contextVars == nil {
		contextVars = map[string]any{}
	}
	envVars := ec.Environment
	if envVars == nil {
		envVars = map[string]string{}
	}
	activation := map[string]any{
		"intent":      intentVars,
		"context":     contextVars,
		"environment": envVars,
	}

	var outcomes []contracts.ObligationOutcome
	var warnings []string
	for _, ob := range obligations {
		trigger := ob.Trigger
		if trigger == "" || trigger == "always" {
			outcomes = append(outcomes, contracts.ObligationOutcome{Action: ob.Action, Parameters: ob.Parameters})
			continue
		}

		prg, err := o.program(trigger)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("obligation %s: compile trigger: %v", ob.Action, err))
			continue
		}
		out, _, err := prg.ContextEval(ctx, activation)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("obligation %s: eval trigger: %v", ob.Action, err))
			continue
		}
		fired, ok := out.Value().(bool)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("obligation %s: trigger is not boolean", ob.Action))
			continue
		}
		if fired {
			outcomes = append(outcomes, contracts.ObligationOutcome{Action: ob.Action, Parameters: ob.Parameters})
		}
	}
	return outcomes, warnings
}
