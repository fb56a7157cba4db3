package expressions

import "context"

// Engine evaluates an expression against a data scope. Implementations are
// thread-safe and cache compiled programs.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

var (
	_ Engine = (*CELEngine)(nil)
	_ Engine = (*GoJQEngine)(nil)
	_ Engine = (*ExprEngine)(nil)
)
