package expressions

import "context"

// Engine evaluates expressions against an execution's variables.
// Three implementations: the restricted condition grammar (expr), CEL for
// action computations and jq for action transforms.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler is implemented by engines that can check an expression without
// running it. The graph validator uses it to reject bad expressions at
// definition time.
type Compiler interface {
	Compile(expression string) error
}
