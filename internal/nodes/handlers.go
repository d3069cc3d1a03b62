package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"dario.cat/mergo"
	"github.com/mohae/deepcopy"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/pkg/schema"
)

// Handle dispatches node to the handler of its spec variant. A node whose
// config failed to decode fails here, when an execution first reaches it.
func Handle(ctx context.Context, node *graph.Node, frame *Frame) (Transition, error) {
	if node.ConfigErr != nil {
		return Transition{}, node.ConfigErr
	}

	switch spec := node.Spec.(type) {
	case graph.StartSpec:
		return handleStart(node, spec, frame)
	case graph.MessageSpec:
		return handleMessage(node, spec, frame)
	case graph.InputSpec:
		return handleInput(node, spec, frame)
	case graph.ConditionSpec:
		return handleCondition(ctx, node, spec, frame)
	case graph.ActionSpec:
		return handleAction(ctx, node, spec, frame)
	case graph.IntegrationSpec:
		return handleIntegration(node, spec, frame)
	case graph.ContextSpec:
		return handleContext(node, spec, frame)
	case graph.JumpSpec:
		return handleJump(node, spec, frame)
	case graph.EndSpec:
		return handleEnd(node, spec)
	default:
		return Transition{}, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
			"no handler for node type %q", node.Type).WithNode(node.ID)
	}
}

// next resolves the single outgoing edge of a non-branching node.
func next(node *graph.Node, frame *Frame) (string, error) {
	target, ok := frame.Graph.Next(node.ID)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNodeConfig,
			"%s node has no outgoing edge", node.Type).WithNode(node.ID)
	}
	return target, nil
}

func advance(node *graph.Node, frame *Frame, t Transition) (Transition, error) {
	target, err := next(node, frame)
	if err != nil {
		return Transition{}, err
	}
	t.Kind = Advance
	t.Next = target
	return t, nil
}

func handleStart(node *graph.Node, spec graph.StartSpec, frame *Frame) (Transition, error) {
	set := make(map[string]any)
	for k, v := range spec.Variables {
		if _, exists := frame.Variables[k]; exists {
			continue
		}
		set[k] = deepcopy.Copy(v)
	}
	return advance(node, frame, Transition{
		Set:    set,
		Output: map[string]any{"defaults_applied": sortedKeys(set)},
	})
}

func messageAction(node *graph.Node, frame *Frame, text string) schema.OutboundAction {
	return schema.OutboundAction{
		ID:              newActionID(),
		Kind:            schema.ActionMessage,
		NodeID:          node.ID,
		ConversationRef: frame.ConversationRef,
		Text:            text,
	}
}

func handleMessage(node *graph.Node, spec graph.MessageSpec, frame *Frame) (Transition, error) {
	text := frame.Evaluator.Resolve(spec.Text, frame.Variables)
	out := map[string]any{"text": text}
	if missing := expressions.MissingPaths(spec.Text, frame.Variables); len(missing) > 0 {
		out["missing"] = missing
	}
	return advance(node, frame, Transition{
		Actions: []schema.OutboundAction{messageAction(node, frame, text)},
		Output:  out,
	})
}

func handleInput(node *graph.Node, spec graph.InputSpec, frame *Frame) (Transition, error) {
	if frame.Event == nil {
		t := Transition{
			Kind:   Suspend,
			Status: schema.StatusWaitingForInput,
			Output: map[string]any{"waiting_for": spec.Variable},
		}
		if spec.Prompt != "" {
			prompt := frame.Evaluator.Resolve(spec.Prompt, frame.Variables)
			t.Actions = []schema.OutboundAction{messageAction(node, frame, prompt)}
			t.Output = map[string]any{"waiting_for": spec.Variable, "prompt": prompt}
		}
		return t, nil
	}

	value, err := bindEvent(spec, frame.Event)
	if err != nil {
		return Transition{}, schema.AsFlowError(err, schema.ErrCodeNodeConfig).WithNode(node.ID)
	}
	return advance(node, frame, Transition{
		Set:    map[string]any{spec.Variable: value},
		Input:  frame.Event,
		Output: map[string]any{"variable": spec.Variable, "value": value},
	})
}

// bindEvent picks the value an Input node stores: the named payload field,
// else the text, else the whole payload. A missing field binds null.
func bindEvent(spec graph.InputSpec, event *schema.InboundEvent) (any, error) {
	var value any
	switch {
	case spec.Field != "":
		v, ok := event.Payload[spec.Field]
		if !ok {
			return nil, nil
		}
		value = v
	case event.Text != "":
		return event.Text, nil
	case event.Payload != nil:
		value = event.Payload
	default:
		return "", nil
	}
	return expressions.Normalize(value)
}

func handleCondition(ctx context.Context, node *graph.Node, spec graph.ConditionSpec, frame *Frame) (Transition, error) {
	value, err := frame.Evaluator.Evaluate(ctx, spec.Expression, frame.Variables)
	if err != nil {
		return Transition{}, schema.AsFlowError(err, schema.ErrCodeNodeConfig).WithNode(node.ID)
	}

	label := BranchLabel(value)
	taken := label
	target, ok := frame.Graph.Branch(node.ID, label)
	if !ok {
		taken = spec.Default
		target, ok = frame.Graph.Branch(node.ID, spec.Default)
	}
	if !ok {
		return Transition{}, schema.NewErrorf(schema.ErrCodeNoMatchingBranch,
			"no edge labelled %q or %q", label, spec.Default).
			WithNode(node.ID).
			WithDetails(map[string]any{"label": label})
	}

	return Transition{
		Kind: Advance,
		Next: target,
		Output: map[string]any{
			"expression": spec.Expression,
			"value":      value,
			"label":      label,
			"branch":     taken,
		},
	}, nil
}

// BranchLabel maps a condition result to the edge label it selects.
func BranchLabel(value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return schema.LabelTrue
		}
		return schema.LabelFalse
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	if expressions.IsUndefined(value) {
		return schema.LabelIsUndefined
	}
	return fmt.Sprint(value)
}

func handleAction(ctx context.Context, node *graph.Node, spec graph.ActionSpec, frame *Frame) (Transition, error) {
	fail := func(err error) (Transition, error) {
		return Transition{}, schema.AsFlowError(err, schema.ErrCodeNodeConfig).WithNode(node.ID)
	}

	var value any
	switch spec.Operation {
	case graph.OpUnset:
		return advance(node, frame, Transition{
			Unset:  []string{spec.Variable},
			Output: map[string]any{"operation": spec.Operation, "variable": spec.Variable},
		})
	case graph.OpSet:
		value = expressions.RenderValue(spec.Value, frame.Variables)
	case graph.OpCompute:
		v, err := frame.Evaluator.Compute(ctx, spec.Expression, frame.Variables)
		if err != nil {
			return fail(err)
		}
		value = v
	case graph.OpTransform:
		v, err := frame.Evaluator.Transform(ctx, spec.Expression, frame.Variables)
		if err != nil {
			return fail(err)
		}
		value = v
	case graph.OpIncrement:
		current, err := numeric(frame.Variables[spec.Variable])
		if err != nil {
			return fail(fmt.Errorf("increment %s: %w", spec.Variable, err))
		}
		value = current + spec.By
	default:
		return fail(fmt.Errorf("unknown operation %q", spec.Operation))
	}

	value, err := expressions.Normalize(value)
	if err != nil {
		return fail(err)
	}
	return advance(node, frame, Transition{
		Set: map[string]any{spec.Variable: value},
		Output: map[string]any{
			"operation": spec.Operation,
			"variable":  spec.Variable,
			"value":     value,
		},
	})
}

// numeric reads a variable as a number for increment. A missing variable
// counts as zero.
func numeric(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsNaN(f) {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("value of type %T is not a number", v)
}

func handleIntegration(node *graph.Node, spec graph.IntegrationSpec, frame *Frame) (Transition, error) {
	params, _ := expressions.RenderValue(spec.Params, frame.Variables).(map[string]any)
	if spec.Params == nil {
		params = map[string]any{}
	}
	action := schema.OutboundAction{
		ID:              newActionID(),
		Kind:            schema.ActionIntegration,
		NodeID:          node.ID,
		ConversationRef: frame.ConversationRef,
		Capability:      spec.Capability,
		Params:          params,
		ResultVariable:  spec.ResultVariable,
		ResultPath:      spec.ResultPath,
	}
	return advance(node, frame, Transition{
		Actions: []schema.OutboundAction{action},
		Output:  map[string]any{"capability": spec.Capability, "params": params},
	})
}

func handleContext(node *graph.Node, spec graph.ContextSpec, frame *Frame) (Transition, error) {
	set := make(map[string]any, len(spec.Assign))
	for k, raw := range spec.Assign {
		rendered, err := expressions.Normalize(expressions.RenderValue(raw, frame.Variables))
		if err != nil {
			return Transition{}, schema.AsFlowError(err, schema.ErrCodeNodeConfig).WithNode(node.ID)
		}

		existing, isMap := frame.Variables[k].(map[string]any)
		incoming, incomingMap := rendered.(map[string]any)
		if spec.Merge && isMap && incomingMap {
			merged, _ := deepcopy.Copy(existing).(map[string]any)
			if err := mergo.Merge(&merged, incoming, mergo.WithOverride); err != nil {
				return Transition{}, schema.NewErrorf(schema.ErrCodeNodeConfig,
					"merge %s: %s", k, err.Error()).WithNode(node.ID).WithCause(err)
			}
			rendered = merged
		}
		set[k] = rendered
	}
	return advance(node, frame, Transition{
		Set:    set,
		Output: map[string]any{"assigned": sortedKeys(set), "merge": spec.Merge},
	})
}

func handleJump(node *graph.Node, spec graph.JumpSpec, frame *Frame) (Transition, error) {
	if _, ok := frame.Graph.Node(spec.Target); !ok {
		return Transition{}, schema.NewErrorf(schema.ErrCodeNodeConfig,
			"jump target %q does not exist", spec.Target).WithNode(node.ID)
	}
	return Transition{
		Kind:   Advance,
		Next:   spec.Target,
		Output: map[string]any{"target": spec.Target},
	}, nil
}

func handleEnd(node *graph.Node, spec graph.EndSpec) (Transition, error) {
	t := Transition{
		Kind:   Terminate,
		Status: spec.Status,
		Output: map[string]any{"status": spec.Status},
	}
	switch spec.Status {
	case schema.StatusFailed:
		t.Err = schema.NewError(schema.ErrCodeEndedFailed, orDefault(spec.Message, "ended at failure node")).WithNode(node.ID)
	case schema.StatusAborted:
		t.Err = schema.NewError(schema.ErrCodeAborted, orDefault(spec.Message, "ended at abort node")).WithNode(node.ID)
	}
	if spec.Message != "" {
		t.Output = map[string]any{"status": spec.Status, "message": spec.Message}
	}
	return t, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
