package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/plan"
)

// =============================================================================
// EXPRESSION EVALUATION
// =============================================================================

// Evaluator runs transform and validation expressions against a row's typed
// fields. Implementations must be pure with respect to the fields: no state
// carried between rows, so runs stay deterministic.
type Evaluator interface {
	// Transform evaluates a step's expression and returns the value to
	// assign to the step's target field.
	Transform(ctx context.Context, step plan.TransformStep, fields map[string]any) (any, error)

	// Validate evaluates a rule's expression as a boolean.
	Validate(ctx context.Context, rule plan.ValidationRule, fields map[string]any) (bool, error)
}

// Gval evaluates expressions with the gval full language plus a small set
// of string and numeric helpers. Each evaluation runs under StepTimeout so
// a pathological expression costs one row, not the run.
type Gval struct {
	StepTimeout time.Duration

	lang gval.Language

	mu       sync.Mutex
	compiled map[string]gval.Evaluable
}

func NewGval() *Gval {
	return &Gval{
		StepTimeout: 100 * time.Millisecond,
		lang: gval.Full(
			gval.Function("abs", math.Abs),
			gval.Function("round", func(x float64) float64 { return math.Round(x*100) / 100 }),
			gval.Function("trim", strings.TrimSpace),
			gval.Function("upper", strings.ToUpper),
			gval.Function("lower", strings.ToLower),
			gval.Function("replace", func(s, old, new string) string {
				return strings.ReplaceAll(s, old, new)
			}),
			gval.Function("coalesce", func(args ...any) any {
				for _, a := range args {
					if s, ok := a.(string); ok && s == "" {
						continue
					}
					if a != nil {
						return a
					}
				}
				return nil
			}),
		),
		compiled: make(map[string]gval.Evaluable),
	}
}

func (g *Gval) evaluable(expr string) (gval.Evaluable, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ev, ok := g.compiled[expr]; ok {
		return ev, nil
	}
	ev, err := g.lang.NewEvaluable(expr)
	if err != nil {
		return nil, err
	}
	g.compiled[expr] = ev
	return ev, nil
}

func (g *Gval) Transform(ctx context.Context, step plan.TransformStep, fields map[string]any) (any, error) {
	ev, err := g.evaluable(step.Expr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.StepTimeout)
	defer cancel()
	return ev(ctx, exprView(fields))
}

func (g *Gval) Validate(ctx context.Context, rule plan.ValidationRule, fields map[string]any) (bool, error) {
	ev, err := g.evaluable(rule.Expr)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.StepTimeout)
	defer cancel()
	return ev.EvalBool(ctx, exprView(fields))
}

// exprView is the field map the expression language sees: decimals become
// float64 because gval arithmetic is float-based. The exact values stay in
// the caller's map; only fields an expression writes pick up float precision.
func exprView(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if d, ok := v.(decimal.Decimal); ok {
			out[k] = d.InexactFloat64()
			continue
		}
		out[k] = v
	}
	return out
}
