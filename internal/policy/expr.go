package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/claudecontrol/claude-control/internal/match"
)

// exprEnv is the variable set exposed to latency and error-rate
// expressions, e.g. `prompt contains "mysql" ? 250 : 20`.
type exprEnv struct {
	Program string            `expr:"program"`
	Args    []string          `expr:"args"`
	Cwd     string            `expr:"cwd"`
	Prompt  string            `expr:"prompt"`
	Env     map[string]string `expr:"env"`
}

func newExprEnv(ctx *match.Context) exprEnv {
	return exprEnv{
		Program: ctx.Program,
		Args:    ctx.Args,
		Cwd:     ctx.Cwd,
		Prompt:  ctx.Prompt,
		Env:     ctx.Env,
	}
}

func compile(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(exprEnv{}))
}

// ExprLatency compiles a latency expression. The expression is
// evaluated per chunk against the matching context and must yield a
// number of milliseconds.
func ExprLatency(src string) (Latency, error) {
	prog, err := compile(src)
	if err != nil {
		return Latency{}, fmt.Errorf("compile latency expression: %w", err)
	}
	return FuncLatency(func(ctx *match.Context) (int, error) {
		out, err := expr.Run(prog, newExprEnv(ctx))
		if err != nil {
			return 0, fmt.Errorf("run latency expression: %w", err)
		}
		ms, ok := numeric(out)
		if !ok {
			return 0, fmt.Errorf("latency expression returned %T, want number", out)
		}
		return int(ms), nil
	}), nil
}

// ExprErrorRate compiles an error-rate expression yielding a
// percentage in [0, 100].
func ExprErrorRate(src string) (ErrorRate, error) {
	prog, err := compile(src)
	if err != nil {
		return ErrorRate{}, fmt.Errorf("compile error-rate expression: %w", err)
	}
	return FuncErrorRate(func(ctx *match.Context) (float64, error) {
		out, err := expr.Run(prog, newExprEnv(ctx))
		if err != nil {
			return 0, fmt.Errorf("run error-rate expression: %w", err)
		}
		pct, ok := numeric(out)
		if !ok {
			return 0, fmt.Errorf("error-rate expression returned %T, want number", out)
		}
		return pct, nil
	}), nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
