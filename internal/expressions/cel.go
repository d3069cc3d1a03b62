package expressions

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rendis/chatflow/pkg/schema"
)

// celCostLimit bounds the work a single compute expression may perform.
const celCostLimit = 100_000

var structValueType = reflect.TypeOf(&structpb.Value{})

// CELEngine implements the Engine interface using Google's Common Expression
// Language. Action nodes use it for "compute" operations. The environment
// exposes one variable:
//   - vars: map(string, dyn) holding the execution's variables
//
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine with a sandboxed environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Compile checks that expression compiles in the environment.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it with data bound to vars. The result is converted to plain JSON types.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{"vars": data})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return celNative(out), nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeNodeConfig, "empty CEL expression")
	}

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

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// celNative converts a CEL value to JSON types via structpb so maps and lists
// come back as map[string]any and []any.
func celNative(v ref.Val) any {
	native, err := v.ConvertToNative(structValueType)
	if err != nil {
		return v.Value()
	}
	sv, ok := native.(*structpb.Value)
	if !ok {
		return v.Value()
	}
	return sv.AsInterface()
}

var (
	_ Engine   = (*CELEngine)(nil)
	_ Compiler = (*CELEngine)(nil)
)
