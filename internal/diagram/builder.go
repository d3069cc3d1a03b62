// Package diagram renders definitions as Mermaid flowcharts or text boxes,
// optionally overlaid with the path an execution took.
package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/pkg/schema"
)

const maxDetail = 32

// Build constructs a DiagramModel from def. When ec and steps are given, the
// model carries the execution's overlay: visit counts, failures, the node it
// waits at and the edges it followed.
func Build(def *schema.WorkflowDefinition, ec *schema.ExecutionContext, steps []*schema.ExecutionStep) (*DiagramModel, error) {
	g, err := graph.Build(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	index := make(map[string]*Node, len(g.Nodes()))
	for _, gn := range g.Nodes() {
		n := &Node{ID: gn.ID, Label: nodeLabel(gn), Kind: gn.Type}
		model.Nodes = append(model.Nodes, n)
		index[n.ID] = n
	}

	for _, e := range def.Edges {
		model.Edges = append(model.Edges, Edge{From: e.Source, To: e.Target, Label: e.Label})
	}
	for _, gn := range g.Nodes() {
		if j, ok := gn.Spec.(graph.JumpSpec); ok && j.Target != "" {
			model.Edges = append(model.Edges, Edge{From: gn.ID, To: j.Target, Jump: true})
		}
	}

	overlay(model, index, ec, steps)
	model.Levels = buildLevels(g, model.Edges)
	return model, nil
}

// nodeLabel is the node id plus the one detail that identifies what it does.
func nodeLabel(n *graph.Node) string {
	var detail string
	switch spec := n.Spec.(type) {
	case graph.MessageSpec:
		detail = spec.Text
	case graph.InputSpec:
		detail = "→ " + spec.Variable
	case graph.ConditionSpec:
		detail = spec.Expression
	case graph.ActionSpec:
		detail = fmt.Sprintf("%s %s", spec.Operation, spec.Variable)
	case graph.IntegrationSpec:
		detail = spec.Capability
	case graph.JumpSpec:
		detail = "↪ " + spec.Target
	case graph.EndSpec:
		if spec.Status != "" && spec.Status != schema.StatusCompleted {
			detail = string(spec.Status)
		}
	}
	detail = truncate(strings.TrimSpace(detail), maxDetail)
	if detail == "" {
		return n.ID
	}
	return n.ID + "\n" + detail
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// overlay folds the trace into node statuses and taken edges.
func overlay(model *DiagramModel, index map[string]*Node, ec *schema.ExecutionContext, steps []*schema.ExecutionStep) {
	if len(steps) == 0 && ec == nil {
		return
	}

	status := func(id string) *StatusOverlay {
		n, ok := index[id]
		if !ok {
			return nil
		}
		if n.Status == nil {
			n.Status = &StatusOverlay{Status: StatusVisited}
		}
		return n.Status
	}

	prev := ""
	for _, s := range steps {
		o := status(s.NodeID)
		if o == nil {
			continue
		}
		o.DurationMs += s.DurationMs
		if s.Error != nil {
			o.Status = StatusFailed
			o.Error = s.Error.Message
		}
		if s.Phase == schema.PhaseDispatch {
			continue
		}
		o.Visits++
		if prev != "" {
			markTaken(model.Edges, prev, s.NodeID)
		}
		prev = s.NodeID
	}

	if ec == nil {
		return
	}
	o := status(ec.CurrentNodeID)
	if o == nil {
		return
	}
	switch ec.Status {
	case schema.StatusWaitingForInput:
		o.Status = StatusWaiting
	case schema.StatusCompleted:
		o.Status = StatusEnded
	case schema.StatusFailed:
		o.Status = StatusFailed
		if ec.Error != nil && o.Error == "" {
			o.Error = ec.Error.Message
		}
	}
}

// markTaken marks the edge from -> to. A plain edge wins over a jump edge
// between the same nodes.
func markTaken(edges []Edge, from, to string) {
	jump := -1
	for i := range edges {
		if edges[i].From != from || edges[i].To != to {
			continue
		}
		if !edges[i].Jump {
			edges[i].Taken = true
			return
		}
		jump = i
	}
	if jump >= 0 {
		edges[jump].Taken = true
	}
}

// buildLevels groups nodes by breadth-first depth from start. Nodes not
// reachable from start form a final level.
func buildLevels(g *graph.Graph, edges []Edge) [][]string {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	depth := map[string]int{g.Start().ID: 0}
	queue := []string{g.Start().ID}
	maxDepth := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := depth[next]; seen {
				continue
			}
			if _, ok := g.Node(next); !ok {
				continue
			}
			depth[next] = depth[cur] + 1
			maxDepth = max(maxDepth, depth[next])
			queue = append(queue, next)
		}
	}

	levels := make([][]string, maxDepth+1)
	var orphans []string
	for _, n := range g.Nodes() {
		d, ok := depth[n.ID]
		if !ok {
			orphans = append(orphans, n.ID)
			continue
		}
		levels[d] = append(levels[d], n.ID)
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return levels
}

// titleFromDef generates a diagram title from the definition.
func titleFromDef(def *schema.WorkflowDefinition) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	return fmt.Sprintf("%s v%d", name, def.Version)
}
