// Package graph compiles a WorkflowDefinition into an immutable, indexed view
// the engine walks at runtime. A Graph is safe for concurrent use by any
// number of executions.
package graph

import (
	"github.com/rendis/chatflow/pkg/schema"
)

// Node is a definition node with its decoded Spec. A node whose config failed
// to decode keeps the error in ConfigErr; the failure surfaces only when an
// execution reaches it.
type Node struct {
	ID        string
	Type      schema.NodeType
	Spec      Spec
	ConfigErr error
}

// Graph is the compiled form of one definition version.
type Graph struct {
	def      *schema.WorkflowDefinition
	nodes    map[string]*Node
	order    []*Node
	outgoing map[string][]schema.Edge
	start    *Node
}

// Build indexes def. It fails only on structural problems that make the graph
// impossible to enter: zero or several start nodes, or duplicate node ids.
// Validation of everything else belongs to the validator.
func Build(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is nil")
	}

	g := &Graph{
		def:      def,
		nodes:    make(map[string]*Node, len(def.Nodes)),
		order:    make([]*Node, 0, len(def.Nodes)),
		outgoing: make(map[string][]schema.Edge),
	}

	for _, raw := range def.Nodes {
		if _, dup := g.nodes[raw.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate node id %q in %s v%d", raw.ID, def.ID, def.Version)
		}
		n := &Node{ID: raw.ID, Type: raw.Type}
		n.Spec, n.ConfigErr = Decode(raw)
		g.nodes[raw.ID] = n
		g.order = append(g.order, n)

		if raw.Type == schema.NodeStart {
			if g.start != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"definition %s v%d has more than one start node", def.ID, def.Version)
			}
			g.start = n
		}
	}
	if g.start == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"definition %s v%d has no start node", def.ID, def.Version)
	}

	for _, e := range def.Edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
	return g, nil
}

// Definition returns the source definition. Callers must not modify it.
func (g *Graph) Definition() *schema.WorkflowDefinition { return g.def }

// Start returns the start node.
func (g *Graph) Start() *Node { return g.start }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns nodes in definition order.
func (g *Graph) Nodes() []*Node { return g.order }

// Outgoing returns the edges leaving id in definition order.
func (g *Graph) Outgoing(id string) []schema.Edge { return g.outgoing[id] }

// Next returns the target of the first edge leaving id.
func (g *Graph) Next(id string) (string, bool) {
	edges := g.outgoing[id]
	if len(edges) == 0 {
		return "", false
	}
	return edges[0].Target, true
}

// Branch returns the target of the edge leaving id with the given label.
func (g *Graph) Branch(id, label string) (string, bool) {
	for _, e := range g.outgoing[id] {
		if e.Label == label {
			return e.Target, true
		}
	}
	return "", false
}
