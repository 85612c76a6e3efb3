package expressions

import (
	"context"

	"github.com/rendis/flowengine/pkg/schema"
)

// Engine evaluates expressions against a run's expression data
// (nodes, trigger, sys). Three implementations: CEL (conditions),
// Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engine names accepted in node params.
const (
	EngineCEL  = "cel"
	EngineExpr = "expr"
	EngineJQ   = "jq"
)

// Engines bundles the three engines so runners share compiled-program caches.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines creates all engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}

// Get returns the engine registered under name. An empty name is CEL.
func (e *Engines) Get(name string) (Engine, error) {
	switch name {
	case "", EngineCEL:
		return e.CEL, nil
	case EngineExpr:
		return e.Expr, nil
	case EngineJQ:
		return e.JQ, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name).
			WithDetails(map[string]any{"available": []string{EngineCEL, EngineExpr, EngineJQ}})
	}
}

// Truthy reports whether an expression result selects a branch: true,
// a non-empty string other than "false", a non-zero number or a
// non-empty collection.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false"
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
