package schema

import "time"

// NodeType enumerates the kinds of nodes a flow can contain.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeMessage     NodeType = "message"
	NodeInput       NodeType = "input"
	NodeCondition   NodeType = "condition"
	NodeAction      NodeType = "action"
	NodeIntegration NodeType = "integration"
	NodeContext     NodeType = "context"
	NodeJump        NodeType = "jump"
	NodeEnd         NodeType = "end"
)

// NodeTypes lists every known node type in authoring order.
var NodeTypes = []NodeType{
	NodeStart, NodeMessage, NodeInput, NodeCondition, NodeAction,
	NodeIntegration, NodeContext, NodeJump, NodeEnd,
}

// Known reports whether t is one of the defined node types.
func (t NodeType) Known() bool {
	for _, k := range NodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Branching reports whether edges leaving a node of this type carry labels.
func (t NodeType) Branching() bool {
	return t == NodeCondition
}

// Well-known branch labels on condition edges.
const (
	LabelTrue        = "true"
	LabelFalse       = "false"
	LabelIsUndefined = "is-undefined"
	LabelDefault     = "default"
)

// WorkflowDefinition is a published, versioned flowchart. A definition is
// immutable once stored: a change produces a new version.
type WorkflowDefinition struct {
	ID        string             `json:"id" yaml:"id"`
	Version   int                `json:"version" yaml:"version"`
	Name      string             `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes     []Node             `json:"nodes" yaml:"nodes"`
	Edges     []Edge             `json:"edges" yaml:"edges"`
	Metadata  DefinitionMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at,omitempty" yaml:"-"`
}

// DefinitionMetadata carries ownership and publication state.
type DefinitionMetadata struct {
	Owner       string   `json:"owner,omitempty" yaml:"owner,omitempty"`
	Active      bool     `json:"active" yaml:"active"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Node is one step of the flowchart. Config is decoded into a typed spec
// by the graph package according to Type.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects two nodes. Label is required iff the source node branches.
type Edge struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (d *WorkflowDefinition) NodeByID(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}
