package graph

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/rendis/chatflow/pkg/schema"
)

// Spec is the typed configuration of a node. Exactly one concrete type exists
// per schema.NodeType; the engine dispatches on the concrete type with an
// exhaustive type switch.
type Spec interface {
	NodeType() schema.NodeType
	check() error
}

// StartSpec seeds variables. Caller-supplied initial variables win over these
// defaults.
type StartSpec struct {
	Variables map[string]any `json:"variables"`
}

// MessageSpec sends Text, interpolated, to the conversation.
type MessageSpec struct {
	Text string `json:"text"`
}

// InputSpec prompts (optionally) and waits for the next inbound event, then
// binds it to Variable. Field selects a key of the event payload; without it
// the event text is bound, or the whole payload when there is no text.
type InputSpec struct {
	Prompt   string `json:"prompt"`
	Variable string `json:"variable"`
	Field    string `json:"field"`
}

// ConditionSpec routes on the value of Expression. Default names the label of
// the fallback edge; Outcomes optionally declares the full label set the
// expression can produce.
type ConditionSpec struct {
	Expression string   `json:"expression"`
	Default    string   `json:"default"`
	Outcomes   []string `json:"outcomes"`
}

// ActionOp enumerates local variable operations.
type ActionOp string

const (
	OpSet       ActionOp = "set"
	OpCompute   ActionOp = "compute"
	OpTransform ActionOp = "transform"
	OpIncrement ActionOp = "increment"
	OpUnset     ActionOp = "unset"
)

// ActionSpec mutates one variable in-process.
type ActionSpec struct {
	Operation  ActionOp `json:"operation"`
	Variable   string   `json:"variable"`
	Value      any      `json:"value"`
	Expression string   `json:"expression"`
	By         float64  `json:"by"`
}

// IntegrationSpec calls an external capability through the delivery gateway.
type IntegrationSpec struct {
	Capability     string         `json:"capability"`
	Params         map[string]any `json:"params"`
	ResultVariable string         `json:"result_variable"`
	ResultPath     string         `json:"result_path"`
}

// ContextSpec assigns values into variables. With Merge, map values are deep
// merged into existing maps instead of replacing them.
type ContextSpec struct {
	Assign map[string]any `json:"assign"`
	Merge  bool           `json:"merge"`
}

// JumpSpec redirects to Target unconditionally.
type JumpSpec struct {
	Target string `json:"target"`
}

// EndSpec terminates the execution with Status.
type EndSpec struct {
	Status  schema.ExecutionStatus `json:"status"`
	Message string                 `json:"message"`
}

func (StartSpec) NodeType() schema.NodeType       { return schema.NodeStart }
func (MessageSpec) NodeType() schema.NodeType     { return schema.NodeMessage }
func (InputSpec) NodeType() schema.NodeType       { return schema.NodeInput }
func (ConditionSpec) NodeType() schema.NodeType   { return schema.NodeCondition }
func (ActionSpec) NodeType() schema.NodeType      { return schema.NodeAction }
func (IntegrationSpec) NodeType() schema.NodeType { return schema.NodeIntegration }
func (ContextSpec) NodeType() schema.NodeType     { return schema.NodeContext }
func (JumpSpec) NodeType() schema.NodeType        { return schema.NodeJump }
func (EndSpec) NodeType() schema.NodeType         { return schema.NodeEnd }

func (StartSpec) check() error { return nil }

func (s MessageSpec) check() error {
	if strings.TrimSpace(s.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

func (s InputSpec) check() error {
	if s.Variable == "" {
		return fmt.Errorf("variable is required")
	}
	return nil
}

func (s ConditionSpec) check() error {
	if strings.TrimSpace(s.Expression) == "" {
		return fmt.Errorf("expression is required")
	}
	return nil
}

func (s ActionSpec) check() error {
	if s.Variable == "" {
		return fmt.Errorf("variable is required")
	}
	switch s.Operation {
	case OpSet, OpIncrement, OpUnset:
	case OpCompute, OpTransform:
		if strings.TrimSpace(s.Expression) == "" {
			return fmt.Errorf("expression is required for %s", s.Operation)
		}
	default:
		return fmt.Errorf("unknown operation %q", s.Operation)
	}
	return nil
}

func (s IntegrationSpec) check() error {
	if s.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	return nil
}

func (s ContextSpec) check() error {
	if len(s.Assign) == 0 {
		return fmt.Errorf("assign must contain at least one key")
	}
	return nil
}

func (s JumpSpec) check() error {
	if s.Target == "" {
		return fmt.Errorf("target is required")
	}
	return nil
}

func (s EndSpec) check() error {
	switch s.Status {
	case schema.StatusCompleted, schema.StatusFailed, schema.StatusAborted:
		return nil
	}
	return fmt.Errorf("status must be completed, failed or aborted, got %q", s.Status)
}

// Decode converts a node's raw config into its typed Spec, applying defaults.
// Unknown keys are rejected. Errors are NODE_CONFIG_ERROR (or
// UNKNOWN_NODE_TYPE) FlowErrors carrying the node id.
func Decode(node schema.Node) (Spec, error) {
	var spec Spec
	var err error

	switch node.Type {
	case schema.NodeStart:
		var s StartSpec
		err = decodeInto(node.Config, &s)
		spec = s
	case schema.NodeMessage:
		var s MessageSpec
		err = decodeInto(node.Config, &s)
		spec = s
	case schema.NodeInput:
		var s InputSpec
		err = decodeInto(node.Config, &s)
		spec = s
	case schema.NodeCondition:
		var s ConditionSpec
		err = decodeInto(node.Config, &s)
		if s.Default == "" {
			s.Default = schema.LabelDefault
		}
		spec = s
	case schema.NodeAction:
		var s ActionSpec
		err = decodeInto(node.Config, &s)
		if s.Operation == OpIncrement && s.By == 0 {
			s.By = 1
		}
		spec = s
	case schema.NodeIntegration:
		var s IntegrationSpec
		err = decodeInto(node.Config, &s)
		spec = s
	case schema.NodeContext:
		var s ContextSpec
		err = decodeInto(node.Config, &s)
		spec = s
	case schema.NodeJump:
		var s JumpSpec
		err = decodeInto(node.Config, &s)
		spec = s
	case schema.NodeEnd:
		var s EndSpec
		err = decodeInto(node.Config, &s)
		if s.Status == "" {
			s.Status = schema.StatusCompleted
		}
		spec = s
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
			"unknown node type %q", node.Type).WithNode(node.ID)
	}

	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig,
			"decode %s config: %s", node.Type, err.Error()).WithNode(node.ID).WithCause(err)
	}
	if err := spec.check(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeConfig,
			"invalid %s config: %s", node.Type, err.Error()).WithNode(node.ID)
	}
	return spec, nil
}

func decodeInto(config map[string]any, out any) error {
	if len(config) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		TagName:     "json",
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(config)
}
