package router

import (
	"fmt"
	"log/slog"

	"github.com/szaher/phoneagent/internal/expr"
)

// ExprClassifier drops lines for which a boolean expression holds. The
// expression sees the variables line, stream and device, for example
// `line startsWith "$ " || (stream == "stderr" && line contains "DEBUG")`.
type ExprClassifier struct {
	rule   *expr.CompiledExpr
	logger *slog.Logger
}

func exprEnv(line Line) map[string]interface{} {
	return map[string]interface{}{
		"line":   line.Text,
		"stream": string(line.Stream),
		"device": line.DeviceID,
	}
}

// NewExprClassifier compiles rule. Evaluation errors surface the line.
func NewExprClassifier(rule string, logger *slog.Logger) (*ExprClassifier, error) {
	compiled, err := expr.Compile(rule, exprEnv(Line{}), true)
	if err != nil {
		return nil, fmt.Errorf("compile drop rule: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExprClassifier{rule: compiled, logger: logger}, nil
}

// Classify implements Classifier.
func (c *ExprClassifier) Classify(line Line) Verdict {
	drop, err := expr.EvalBool(c.rule, exprEnv(line))
	if err != nil {
		c.logger.Warn("drop rule failed", "rule", c.rule.Source, "device", line.DeviceID, "error", err)
		return Surface
	}
	if drop {
		return DropPrompt
	}
	return Surface
}
