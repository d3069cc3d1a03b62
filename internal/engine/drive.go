package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/internal/logging"
	"github.com/rendis/chatflow/internal/nodes"
	"github.com/rendis/chatflow/internal/streaming"
	"github.com/rendis/chatflow/pkg/schema"
)

// run is the state of one drive call.
type run struct {
	ec    *schema.ExecutionContext
	graph *graph.Graph
	// event is delivered to the first node evaluated, then cleared.
	event *schema.InboundEvent
	// resumed is recorded as the Input of the first step after a resume.
	resumed    *resumeInput
	dispatched []schema.OutboundAction
}

// resumeInput is what the first step after a resume records as its input:
// the inbound event and what the waiting Input node bound from it.
type resumeInput struct {
	Event *schema.InboundEvent `json:"event"`
	Node  string               `json:"bound_by"`
	Bound map[string]any       `json:"bound,omitempty"`
}

func (e *Engine) drive(ctx context.Context, ec *schema.ExecutionContext, g *graph.Graph, event *schema.InboundEvent) (*Outcome, error) {
	return e.driveRun(ctx, &run{ec: ec, graph: g, event: event})
}

// driveRun evaluates nodes until the execution suspends, ends, or an
// infrastructure error stops it. Each iteration commits the context and its
// step before dispatching the step's actions.
func (e *Engine) driveRun(ctx context.Context, r *run) (*Outcome, error) {
	ec := r.ec
	out := func() *Outcome { return &Outcome{Execution: ec, Actions: r.dispatched} }

	for {
		if err := ctx.Err(); err != nil {
			return out(), fmt.Errorf("drive execution %s: %w", ec.ExecutionID, err)
		}

		started := e.now()
		node, ok := r.graph.Node(ec.CurrentNodeID)
		var t nodes.Transition
		if !ok {
			node = &graph.Node{ID: ec.CurrentNodeID}
			t = nodes.Failure(ec.CurrentNodeID, schema.NewErrorf(schema.ErrCodeNodeConfig,
				"node %q does not exist in %s v%d", ec.CurrentNodeID, ec.DefinitionID, ec.DefinitionVersion))
		} else {
			t = e.evaluate(logging.WithNodeID(ctx, node.ID), node, r)
		}

		// The waiting Input node binding the inbound event is the second
		// half of the evaluation already recorded when it suspended.
		if r.event != nil {
			event := r.event
			r.event = nil
			if node.Type == schema.NodeInput && t.Kind == nodes.Advance {
				applyMutations(ec, t)
				r.resumed = &resumeInput{Event: event, Node: node.ID, Bound: t.Set}
				ec.CurrentNodeID = t.Next
				continue
			}
			r.resumed = &resumeInput{Event: event, Node: node.ID}
		}

		step := &schema.ExecutionStep{
			ExecutionID: ec.ExecutionID,
			StepIndex:   ec.TraceLength,
			NodeID:      node.ID,
			NodeType:    node.Type,
			Phase:       schema.PhaseEvaluate,
			StartedAt:   started,
		}
		ec.TraceLength++
		ec.StepCount++
		e.metrics.Step(string(node.Type))

		if ec.StepCount > e.cfg.MaxSteps {
			e.metrics.LoopGuardTripped()
			t = nodes.Failure(node.ID, schema.NewErrorf(schema.ErrCodeLoopGuardExceeded,
				"execution exceeded %d steps", e.cfg.MaxSteps).
				WithDetails(map[string]any{"max_steps": e.cfg.MaxSteps}))
		} else {
			applyMutations(ec, t)
		}

		input := t.Input
		if r.resumed != nil {
			input = r.resumed
			r.resumed = nil
		}
		step.Input = encodeJSON(input)
		step.Output = encodeJSON(t.Output)
		step.DurationMs = e.now().Sub(started).Milliseconds()

		if err := e.apply(ctx, ec, node, t); err != nil {
			return out(), err
		}
		if t.Err != nil && (t.Kind == nodes.Fail || t.Kind == nodes.Terminate) {
			step.Error = &schema.ExecutionError{Code: t.Err.Code, Message: t.Err.Message, NodeID: node.ID}
		}
		ec.PendingActions = append(ec.PendingActions, t.Actions...)
		ec.UpdatedAt = e.now()

		if err := e.commit(ctx, ec, step); err != nil {
			return out(), err
		}
		if err := e.dispatch(ctx, r); err != nil {
			return out(), err
		}
		if ec.Status != schema.StatusRunning {
			return out(), nil
		}
	}
}

// evaluate runs the node handler, turning errors and panics into Fail.
func (e *Engine) evaluate(ctx context.Context, node *graph.Node, r *run) (t nodes.Transition) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.ErrorContext(ctx, "node handler panic", "panic", p, "stack", string(debug.Stack()))
			t = nodes.Failure(node.ID, schema.NewErrorf(schema.ErrCodeNodeConfig, "node handler panic: %v", p))
		}
	}()

	frame := &nodes.Frame{
		ExecutionID:     r.ec.ExecutionID,
		ConversationRef: r.ec.ConversationRef,
		Variables:       expressions.Snapshot(r.ec.Variables),
		Event:           r.event,
		Graph:           r.graph,
		Evaluator:       e.evaluator,
	}
	t, err := nodes.Handle(ctx, node, frame)
	if err != nil {
		return nodes.Failure(node.ID, err)
	}
	return t
}

// apply performs the status side of a transition.
func (e *Engine) apply(ctx context.Context, ec *schema.ExecutionContext, node *graph.Node, t nodes.Transition) error {
	switch t.Kind {
	case nodes.Advance:
		ec.CurrentNodeID = t.Next
		return nil
	case nodes.Suspend:
		return e.fsm.Transition(ctx, ec, schema.StatusWaitingForInput)
	case nodes.Terminate:
		if t.Err != nil {
			ec.Error = &schema.ExecutionError{Code: t.Err.Code, Message: t.Err.Message, NodeID: node.ID}
		}
		status := t.Status
		if status == "" {
			status = schema.StatusCompleted
		}
		return e.fsm.Transition(ctx, ec, status)
	case nodes.Fail:
		err := t.Err
		if err == nil {
			err = schema.NewError(schema.ErrCodeNodeConfig, "node failed")
		}
		ec.Error = &schema.ExecutionError{Code: err.Code, Message: err.Message, NodeID: node.ID}
		e.logger.WarnContext(ctx, "execution failed", "node_id", node.ID, "code", err.Code, "error", err.Message)
		return e.fsm.Transition(ctx, ec, schema.StatusFailed)
	}
	return schema.NewErrorf(schema.ErrCodeNodeConfig, "unknown transition kind %s", t.Kind).WithNode(node.ID)
}

func applyMutations(ec *schema.ExecutionContext, t nodes.Transition) {
	if ec.Variables == nil {
		ec.Variables = make(map[string]any)
	}
	for k, v := range t.Set {
		ec.Variables[k] = v
	}
	for _, k := range t.Unset {
		delete(ec.Variables, k)
	}
}

func (e *Engine) commit(ctx context.Context, ec *schema.ExecutionContext, steps ...*schema.ExecutionStep) error {
	if err := e.store.Commit(ctx, ec, steps...); err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeStore)
		if fe.Code != schema.ErrCodeStore && fe.Code != schema.ErrCodeConflict {
			fe = schema.NewErrorf(schema.ErrCodeStore, "commit execution %s: %s", ec.ExecutionID, err.Error()).WithCause(err)
		}
		return fe
	}
	e.publish(ctx, ec, steps)
	return nil
}

func (e *Engine) publish(ctx context.Context, ec *schema.ExecutionContext, steps []*schema.ExecutionStep) {
	if e.events == nil {
		return
	}
	for _, ev := range streaming.CommitEvents(ec, steps...) {
		if err := e.events.Publish(ctx, ev); err != nil {
			e.logger.DebugContext(ctx, "event publish failed", "type", ev.Type, "error", err)
		}
	}
}

func encodeJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"encode_error": fmt.Sprintf("%T: %s", v, err.Error())})
	}
	return b
}
