package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of one execution.
type ExecutionStatus string

const (
	StatusRunning         ExecutionStatus = "running"
	StatusWaitingForInput ExecutionStatus = "waiting_for_input"
	StatusCompleted       ExecutionStatus = "completed"
	StatusFailed          ExecutionStatus = "failed"
	StatusAborted         ExecutionStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Active reports whether the execution can still be advanced or aborted.
func (s ExecutionStatus) Active() bool {
	return s == StatusRunning || s == StatusWaitingForInput
}

// ExecutionContext is the live state of one run of a definition against one
// conversation. It is mutated only by the engine while holding the
// execution's lock.
type ExecutionContext struct {
	ExecutionID       string           `json:"execution_id"`
	DefinitionID      string           `json:"definition_id"`
	DefinitionVersion int              `json:"definition_version"`
	ConversationRef   string           `json:"conversation_ref"`
	CurrentNodeID     string           `json:"current_node_id"`
	Status            ExecutionStatus  `json:"status"`
	Variables         map[string]any   `json:"variables"`
	StepCount         int              `json:"step_count"`
	TraceLength       int              `json:"trace_length"`
	PendingActions    []OutboundAction `json:"pending_actions,omitempty"`
	Error             *ExecutionError  `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ExecutionError records why an execution failed or was aborted.
type ExecutionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

// NewExecutionError flattens an error into its persisted form.
func NewExecutionError(err error, fallbackCode string) *ExecutionError {
	if err == nil {
		return nil
	}
	fe := AsFlowError(err, fallbackCode)
	return &ExecutionError{Code: fe.Code, Message: fe.Message, NodeID: fe.NodeID}
}

// StepPhase distinguishes node evaluation records from the records written
// when an integration call returns.
type StepPhase string

const (
	PhaseEvaluate StepPhase = "evaluate"
	PhaseDispatch StepPhase = "dispatch"
)

// ExecutionStep is one immutable entry of an execution's trace, keyed by
// (ExecutionID, StepIndex).
type ExecutionStep struct {
	ExecutionID string          `json:"execution_id"`
	StepIndex   int             `json:"step_index"`
	NodeID      string          `json:"node_id"`
	NodeType    NodeType        `json:"node_type"`
	Phase       StepPhase       `json:"phase"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	DurationMs  int64           `json:"duration_ms"`
	Error       *ExecutionError `json:"error,omitempty"`
}

// ActionKind enumerates outbound side effects.
type ActionKind string

const (
	ActionMessage     ActionKind = "message"
	ActionIntegration ActionKind = "integration"
)

// OutboundAction is a side effect decided by a node handler and performed by
// the engine only after the deciding step is durably recorded.
type OutboundAction struct {
	ID              string         `json:"id"`
	Kind            ActionKind     `json:"kind"`
	NodeID          string         `json:"node_id"`
	ConversationRef string         `json:"conversation_ref,omitempty"`
	Text            string         `json:"text,omitempty"`
	Capability      string         `json:"capability,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	ResultVariable  string         `json:"result_variable,omitempty"`
	ResultPath      string         `json:"result_path,omitempty"`
}

// EventType classifies inbound events.
type EventType string

const (
	EventMessage EventType = "message"
	EventTimer   EventType = "timer"
	EventSystem  EventType = "system"
)

// InboundEvent is something that happened in a conversation and may advance
// an execution.
type InboundEvent struct {
	Type       EventType      `json:"type"`
	Text       string         `json:"text,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at,omitempty"`
}
