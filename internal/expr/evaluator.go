package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// Eval runs a compiled expression against env.
func Eval(compiled *CompiledExpr, env map[string]interface{}) (interface{}, error) {
	if compiled == nil || compiled.program == nil {
		return nil, fmt.Errorf("nil compiled expression")
	}

	result, err := expr.Run(compiled.program, env)
	if err != nil {
		return nil, fmt.Errorf("expression eval error for %q: %w", compiled.Source, err)
	}
	return result, nil
}

// EvalBool runs a compiled expression and requires a boolean result.
func EvalBool(compiled *CompiledExpr, env map[string]interface{}) (bool, error) {
	result, err := Eval(compiled, env)
	if err != nil {
		return false, err
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", compiled.Source, result)
	}
	return b, nil
}
