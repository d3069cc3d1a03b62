package expressions

import "context"

// Resolver is the variable/context resolver handed to node handlers. It owns
// one instance of each evaluator so compiled programs are shared by every
// execution running in the process.
type Resolver struct {
	conditions *ConditionEvaluator
	compute    *CELEngine
	transform  *GoJQEngine
}

// NewResolver builds a Resolver with fresh evaluator caches.
func NewResolver() (*Resolver, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		conditions: NewConditionEvaluator(),
		compute:    celEngine,
		transform:  NewGoJQEngine(),
	}, nil
}

// Resolve interpolates template against vars.
func (r *Resolver) Resolve(template string, vars map[string]any) string {
	return Resolve(template, vars)
}

// Evaluate runs a condition expression. See ConditionEvaluator.
func (r *Resolver) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	return r.conditions.Evaluate(ctx, expression, vars)
}

// Compute runs a CEL expression with vars bound to "vars".
func (r *Resolver) Compute(ctx context.Context, expression string, vars map[string]any) (any, error) {
	return r.compute.Evaluate(ctx, expression, vars)
}

// Transform runs a jq program over vars.
func (r *Resolver) Transform(ctx context.Context, program string, vars map[string]any) (any, error) {
	return r.transform.Evaluate(ctx, program, vars)
}

// Conditions returns the condition compiler, used by the validator.
func (r *Resolver) Conditions() Compiler { return r.conditions }

// Computations returns the CEL compiler, used by the validator.
func (r *Resolver) Computations() Compiler { return r.compute }

// Transforms returns the jq compiler, used by the validator.
func (r *Resolver) Transforms() Compiler { return r.transform }
