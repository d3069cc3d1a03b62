package expressions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/chatflow/pkg/schema"
)

// allowedBinary are the only binary operators a condition may use:
// equality, membership and boolean combinators.
var allowedBinary = map[string]bool{
	"==": true, "!=": true,
	"in": true, "contains": true,
	"and": true, "or": true, "&&": true, "||": true,
}

var allowedUnary = map[string]bool{
	"not": true, "!": true,
}

type compiledCondition struct {
	program *vm.Program
	paths   [][]string
}

// ConditionEvaluator evaluates condition expressions using expr-lang/expr
// restricted to a small, side-effect-free grammar. Function calls, arithmetic,
// comparisons other than equality, closures and pipes are rejected at compile
// time. If any variable path the expression references is missing, the
// result is Undefined and the program is not run.
// Thread-safe: compiled programs are cached and reused across goroutines.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*compiledCondition
}

// NewConditionEvaluator creates an evaluator with an empty program cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*compiledCondition)}
}

// Name returns the engine identifier.
func (e *ConditionEvaluator) Name() string {
	return "condition"
}

// Compile checks that expression parses and stays inside the grammar.
func (e *ConditionEvaluator) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs expression with data as the environment.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	cc, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	for _, p := range cc.paths {
		if IsUndefined(lookupSegments(p, env)) {
			return Undefined, nil
		}
	}

	out, err := vm.Run(cc.program, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig,
			"condition evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ConditionEvaluator) getOrCompile(expression string) (*compiledCondition, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeNodeConfig, "empty condition expression")
	}

	e.mu.RLock()
	if cc, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return cc, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if cc, ok := e.cache[expression]; ok {
		return cc, nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, compileErr(expression, err)
	}

	r := &restrictor{seen: make(map[string]bool)}
	ast.Walk(&tree.Node, r)
	if r.err != nil {
		return nil, compileErr(expression, r.err)
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileErr(expression, err)
	}

	cc := &compiledCondition{program: prg, paths: r.paths}
	e.cache[expression] = cc
	return cc, nil
}

func compileErr(expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNodeConfig,
		"condition compile error in %q: %s", expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// restrictor walks a parsed condition, rejecting nodes outside the grammar
// and collecting every variable path the expression reads.
type restrictor struct {
	err   error
	paths [][]string
	seen  map[string]bool
}

func (r *restrictor) Visit(node *ast.Node) {
	if r.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.BoolNode, *ast.IntegerNode, *ast.FloatNode,
		*ast.StringNode, *ast.ConstantNode, *ast.ArrayNode:
	case *ast.IdentifierNode:
		r.addPath([]string{n.Value})
	case *ast.MemberNode:
		if n.Optional {
			r.err = fmt.Errorf("optional chaining is not allowed")
			return
		}
		segs, ok := memberPath(n)
		if !ok {
			r.err = fmt.Errorf("member access must use a literal key or index")
			return
		}
		r.addPath(segs)
	case *ast.UnaryNode:
		if !allowedUnary[n.Operator] {
			r.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		if !allowedBinary[n.Operator] {
			r.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	default:
		r.err = fmt.Errorf("%T is not allowed in a condition", n)
	}
}

func (r *restrictor) addPath(segs []string) {
	key := strings.Join(segs, ".")
	if r.seen[key] {
		return
	}
	r.seen[key] = true
	r.paths = append(r.paths, segs)
}

// memberPath flattens a chain such as user.address.city or items[0] into
// path segments rooted at an identifier.
func memberPath(n *ast.MemberNode) ([]string, bool) {
	var seg string
	switch p := n.Property.(type) {
	case *ast.StringNode:
		seg = p.Value
	case *ast.IntegerNode:
		seg = strconv.Itoa(p.Value)
	default:
		return nil, false
	}

	switch root := n.Node.(type) {
	case *ast.IdentifierNode:
		return []string{root.Value, seg}, true
	case *ast.MemberNode:
		prefix, ok := memberPath(root)
		if !ok {
			return nil, false
		}
		return append(prefix, seg), true
	default:
		return nil, false
	}
}

var (
	_ Engine   = (*ConditionEvaluator)(nil)
	_ Compiler = (*ConditionEvaluator)(nil)
)
