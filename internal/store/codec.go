package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// executionRow is the column form of an ExecutionContext shared by the SQL
// adapters.
type executionRow struct {
	ExecutionID       string
	DefinitionID      string
	DefinitionVersion int
	ConversationRef   string
	CurrentNodeID     string
	Status            string
	Variables         string
	StepCount         int
	TraceLength       int
	PendingActions    string
	Error             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func toExecutionRow(ec *schema.ExecutionContext) (*executionRow, error) {
	vars := ec.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}
	pending := ec.PendingActions
	if pending == nil {
		pending = []schema.OutboundAction{}
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("marshal pending actions: %w", err)
	}
	errJSON, err := optionalJSON(ec.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal execution error: %w", err)
	}
	return &executionRow{
		ExecutionID:       ec.ExecutionID,
		DefinitionID:      ec.DefinitionID,
		DefinitionVersion: ec.DefinitionVersion,
		ConversationRef:   ec.ConversationRef,
		CurrentNodeID:     ec.CurrentNodeID,
		Status:            string(ec.Status),
		Variables:         string(varsJSON),
		StepCount:         ec.StepCount,
		TraceLength:       ec.TraceLength,
		PendingActions:    string(pendingJSON),
		Error:             errJSON,
		CreatedAt:         timeOrNow(ec.CreatedAt),
		UpdatedAt:         timeOrNow(ec.UpdatedAt),
	}, nil
}

func (r *executionRow) toContext() (*schema.ExecutionContext, error) {
	ec := &schema.ExecutionContext{
		ExecutionID:       r.ExecutionID,
		DefinitionID:      r.DefinitionID,
		DefinitionVersion: r.DefinitionVersion,
		ConversationRef:   r.ConversationRef,
		CurrentNodeID:     r.CurrentNodeID,
		Status:            schema.ExecutionStatus(r.Status),
		StepCount:         r.StepCount,
		TraceLength:       r.TraceLength,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Variables), &ec.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables of %s: %w", r.ExecutionID, err)
	}
	if ec.Variables == nil {
		ec.Variables = map[string]any{}
	}
	if r.PendingActions != "" {
		if err := json.Unmarshal([]byte(r.PendingActions), &ec.PendingActions); err != nil {
			return nil, fmt.Errorf("unmarshal pending actions of %s: %w", r.ExecutionID, err)
		}
	}
	if len(ec.PendingActions) == 0 {
		ec.PendingActions = nil
	}
	if r.Error != "" {
		ec.Error = &schema.ExecutionError{}
		if err := json.Unmarshal([]byte(r.Error), ec.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error of %s: %w", r.ExecutionID, err)
		}
	}
	return ec, nil
}

// stepRow is the column form of an ExecutionStep.
type stepRow struct {
	ExecutionID string
	StepIndex   int
	NodeID      string
	NodeType    string
	Phase       string
	Input       string
	Output      string
	StartedAt   time.Time
	DurationMs  int64
	Error       string
}

func toStepRow(s *schema.ExecutionStep) (*stepRow, error) {
	errJSON, err := optionalJSON(s.Error)
	if err != nil {
		return nil, fmt.Errorf("marshal step error: %w", err)
	}
	phase := s.Phase
	if phase == "" {
		phase = schema.PhaseEvaluate
	}
	return &stepRow{
		ExecutionID: s.ExecutionID,
		StepIndex:   s.StepIndex,
		NodeID:      s.NodeID,
		NodeType:    string(s.NodeType),
		Phase:       string(phase),
		Input:       string(s.Input),
		Output:      string(s.Output),
		StartedAt:   timeOrNow(s.StartedAt),
		DurationMs:  s.DurationMs,
		Error:       errJSON,
	}, nil
}

func (r *stepRow) toStep() (*schema.ExecutionStep, error) {
	s := &schema.ExecutionStep{
		ExecutionID: r.ExecutionID,
		StepIndex:   r.StepIndex,
		NodeID:      r.NodeID,
		NodeType:    schema.NodeType(r.NodeType),
		Phase:       schema.StepPhase(r.Phase),
		Input:       rawOrNil(r.Input),
		Output:      rawOrNil(r.Output),
		StartedAt:   r.StartedAt,
		DurationMs:  r.DurationMs,
	}
	if r.Error != "" {
		s.Error = &schema.ExecutionError{}
		if err := json.Unmarshal([]byte(r.Error), s.Error); err != nil {
			return nil, fmt.Errorf("unmarshal step error: %w", err)
		}
	}
	return s, nil
}

func optionalJSON(v *schema.ExecutionError) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
