package expressions

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowlinehq/flowline/pkg/schema"
)

const dateLayout = "2006-01-02"

// ExprEngine implements the Engine interface using expr-lang/expr for
// derived-value computation. Expressions are pure: they see the run scope
// plus a whitelisted set of helper functions and nothing else: no I/O,
// no clock, no environment access.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// builtins is the whitelisted function set available to derived-value
// expressions. All functions are deterministic.
func builtins() map[string]any {
	return map[string]any{
		"daysBetween": func(a, b string) (int, error) {
			ta, err := time.Parse(dateLayout, a)
			if err != nil {
				return 0, fmt.Errorf("daysBetween: invalid date %q: %w", a, err)
			}
			tb, err := time.Parse(dateLayout, b)
			if err != nil {
				return 0, fmt.Errorf("daysBetween: invalid date %q: %w", b, err)
			}
			return int(tb.Sub(ta).Hours() / 24), nil
		},
		"addDays": func(date string, n int) (string, error) {
			t, err := time.Parse(dateLayout, date)
			if err != nil {
				return "", fmt.Errorf("addDays: invalid date %q: %w", date, err)
			}
			return t.AddDate(0, 0, n).Format(dateLayout), nil
		},
		"concat": func(parts ...any) string {
			var sb strings.Builder
			for _, p := range parts {
				sb.WriteString(fmt.Sprintf("%v", p))
			}
			return sb.String()
		},
		"round": func(x float64, digits int) float64 {
			scale := math.Pow10(digits)
			return math.Round(x*scale) / scale
		},
	}
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates it
// against the provided data. The data map is injected as the expression
// environment, so its keys (trigger, nodes, run) are available as top-level
// variables alongside the builtin functions.
//
// Unknown identifiers, type mismatches, and arithmetic faults (division by
// zero) all surface as expression errors.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := buildExprEnv(data)

	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// Check compiles an expression without evaluating it, for publish-time
// validation of derived-value expressions.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.getOrCompile(expression, buildExprEnv(nil))
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *ExprEngine) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		code := schema.ErrCodeExpression
		if strings.Contains(err.Error(), "unexpected token") {
			code = schema.ErrCodeValidation
		}
		return nil, schema.NewErrorf(code,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildExprEnv merges the caller's data with the builtin functions. The
// three scope namespaces always exist so compilation sees a stable shape;
// callers may add extra top-level keys (e.g. freshly extracted fields for
// anomaly rules).
func buildExprEnv(data map[string]any) map[string]any {
	env := builtins()
	for k, v := range data {
		if v != nil {
			env[k] = v
		}
	}
	for _, key := range []string{"trigger", "nodes", "run"} {
		if _, ok := env[key]; !ok {
			env[key] = map[string]any{}
		}
	}
	return env
}

var _ Engine = (*ExprEngine)(nil)
