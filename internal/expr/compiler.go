// Package expr compiles and evaluates the small boolean rules that operators
// use to classify agent output lines.
package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompiledExpr represents a compiled expression ready for evaluation.
type CompiledExpr struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against env and compiles it. When asBool is
// set the expression must produce a boolean.
func Compile(source string, env map[string]interface{}, asBool bool) (*CompiledExpr, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}

	opts := []expr.Option{expr.Env(env)}
	if asBool {
		opts = append(opts, expr.AsBool())
	}
	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &CompiledExpr{
		Source:  source,
		program: program,
	}, nil
}
