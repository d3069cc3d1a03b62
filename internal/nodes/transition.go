// Package nodes holds the behavior of each node type. Handlers are pure:
// they read a Frame and return a Transition describing what the engine
// should do. They never mutate variables, persist, or perform side effects.
package nodes

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/pkg/schema"
)

// Kind tells the drive loop what happens after a node.
type Kind int

const (
	// Advance moves to Next and keeps looping.
	Advance Kind = iota
	// Suspend parks the execution in waiting_for_input.
	Suspend
	// Terminate ends the execution with Status.
	Terminate
	// Fail ends the execution as failed with Err.
	Fail
)

func (k Kind) String() string {
	switch k {
	case Advance:
		return "advance"
	case Suspend:
		return "suspend"
	case Terminate:
		return "terminate"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Transition is a handler's decision. Set and Unset are applied to the
// execution's variables before the step is recorded; Actions are queued as
// pending and dispatched after the commit.
type Transition struct {
	Kind    Kind
	Next    string
	Status  schema.ExecutionStatus
	Err     *schema.FlowError
	Set     map[string]any
	Unset   []string
	Actions []schema.OutboundAction
	Input   any
	Output  any
}

// Failure converts err into a Fail transition bound to nodeID. Errors that
// are not FlowErrors are reported as node configuration errors.
func Failure(nodeID string, err error) Transition {
	fe := schema.AsFlowError(err, schema.ErrCodeNodeConfig)
	if fe.NodeID == "" {
		fe = fe.WithNode(nodeID)
	}
	return Transition{Kind: Fail, Status: schema.StatusFailed, Err: fe}
}

// Evaluator is the resolver set handlers evaluate templates and expressions
// with. Satisfied by *expressions.Resolver.
type Evaluator interface {
	Resolve(template string, vars map[string]any) string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
	Compute(ctx context.Context, expression string, vars map[string]any) (any, error)
	Transform(ctx context.Context, program string, vars map[string]any) (any, error)
}

// Frame is what a handler sees of the execution.
type Frame struct {
	ExecutionID     string
	ConversationRef string
	// Variables is a snapshot; handlers report changes through Transition.Set.
	Variables map[string]any
	// Event is the inbound event being delivered, set only when resuming.
	Event     *schema.InboundEvent
	Graph     *graph.Graph
	Evaluator Evaluator
}

// newActionID is swapped in tests for deterministic ids.
var newActionID = uuid.NewString
