package streaming

import (
	"context"

	"github.com/rendis/chatflow/pkg/schema"
)

// Event types published by the engine.
const (
	EventStep   = "step.recorded"
	EventStatus = "execution.status"
)

// Event is a live notification about an execution, emitted after the change
// it describes has been committed.
type Event struct {
	Type            string                 `json:"type"`
	ExecutionID     string                 `json:"execution_id"`
	DefinitionID    string                 `json:"definition_id"`
	ConversationRef string                 `json:"conversation_ref"`
	Status          schema.ExecutionStatus `json:"status"`
	NodeID          string                 `json:"node_id,omitempty"`
	Step            *schema.ExecutionStep  `json:"step,omitempty"`
}

// Filter selects the events a subscriber receives. Empty fields match all.
type Filter struct {
	ExecutionID     string   `json:"execution_id,omitempty"`
	ConversationRef string   `json:"conversation_ref,omitempty"`
	Types           []string `json:"types,omitempty"`
}

// Hub is a pub/sub channel for execution events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}

// CommitEvents returns the events describing one committed change: a step
// event per recorded step followed by the execution's status.
func CommitEvents(ec *schema.ExecutionContext, steps ...*schema.ExecutionStep) []Event {
	base := Event{
		ExecutionID:     ec.ExecutionID,
		DefinitionID:    ec.DefinitionID,
		ConversationRef: ec.ConversationRef,
		Status:          ec.Status,
	}
	events := make([]Event, 0, len(steps)+1)
	for _, st := range steps {
		ev := base
		ev.Type = EventStep
		ev.NodeID = st.NodeID
		ev.Step = st
		events = append(events, ev)
	}
	status := base
	status.Type = EventStatus
	status.NodeID = ec.CurrentNodeID
	return append(events, status)
}
