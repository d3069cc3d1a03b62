package validation

import (
	"fmt"

	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/pkg/schema"
)

func nodePath(id string) string { return fmt.Sprintf("nodes[%s]", id) }
func edgePath(id string) string { return fmt.Sprintf("edges[%s]", id) }

// checkStart is check (a): exactly one start node. It returns the start id
// when there is exactly one.
func checkStart(def *schema.WorkflowDefinition, result *schema.ValidationResult) (string, bool) {
	var starts []string
	for _, n := range def.Nodes {
		if n.Type == schema.NodeStart {
			starts = append(starts, n.ID)
		}
	}
	switch len(starts) {
	case 1:
		return starts[0], true
	case 0:
		result.AddError("nodes", schema.IssueStartNode, "definition has no start node")
	default:
		result.AddErrorf("nodes", schema.IssueStartNode, "definition has %d start nodes %v, want exactly one", len(starts), starts)
	}
	return "", false
}

// checkReferences is check (b): unique ids, and every node referenced by an
// edge or a jump target exists.
func checkReferences(def *schema.WorkflowDefinition, result *schema.ValidationResult) map[string]schema.Node {
	nodes := make(map[string]schema.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, dup := nodes[n.ID]; dup {
			result.AddErrorf(nodePath(n.ID), schema.IssueDuplicateID, "duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	for _, e := range def.Edges {
		if edgeIDs[e.ID] {
			result.AddErrorf(edgePath(e.ID), schema.IssueDuplicateID, "duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = true

		if _, ok := nodes[e.Source]; !ok {
			result.AddErrorf(edgePath(e.ID), schema.IssueDanglingEdge, "edge %s source %q does not exist", e.ID, e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			result.AddErrorf(edgePath(e.ID), schema.IssueDanglingEdge, "edge %s target %q does not exist", e.ID, e.Target)
		}
	}

	for _, n := range def.Nodes {
		if n.Type != schema.NodeJump {
			continue
		}
		target := jumpTarget(n)
		if target == "" {
			continue // reported by the config check
		}
		if _, ok := nodes[target]; !ok {
			result.AddErrorf(nodePath(n.ID)+".config.target", schema.IssueDanglingEdge, "jump %s target %q does not exist", n.ID, target)
		}
	}
	return nodes
}

// checkReachability is check (c): breadth-first traversal from start over
// edges and jump targets. Every node not visited is reported.
func checkReachability(def *schema.WorkflowDefinition, startID string, result *schema.ValidationResult) {
	adj := make(map[string][]string, len(def.Nodes))
	for _, e := range def.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	for _, n := range def.Nodes {
		if n.Type == schema.NodeJump {
			if t := jumpTarget(n); t != "" {
				adj[n.ID] = append(adj[n.ID], t)
			}
		}
	}

	visited := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, n := range def.Nodes {
		if !visited[n.ID] {
			result.AddErrorf(nodePath(n.ID), schema.IssueUnreachable, "node %s is not reachable from start", n.ID)
		}
	}
}

// checkBranches is check (d): edges out of a condition carry unique labels
// and either the default label is present or the labels are exhaustive.
// Edges out of any other node must not be labelled.
func checkBranches(def *schema.WorkflowDefinition, nodes map[string]schema.Node, result *schema.ValidationResult) {
	labels := make(map[string]map[string]bool)
	for _, e := range def.Edges {
		src, ok := nodes[e.Source]
		if !ok {
			continue
		}
		if !src.Type.Branching() {
			if e.Label != "" {
				result.AddErrorf(edgePath(e.ID), schema.IssueBranchLabel,
					"edge %s has label %q but %s node %s does not branch", e.ID, e.Label, src.Type, src.ID)
			}
			continue
		}
		if e.Label == "" {
			result.AddErrorf(edgePath(e.ID), schema.IssueBranchLabel, "edge %s leaves condition %s without a label", e.ID, src.ID)
			continue
		}
		if labels[src.ID] == nil {
			labels[src.ID] = make(map[string]bool)
		}
		if labels[src.ID][e.Label] {
			result.AddErrorf(edgePath(e.ID), schema.IssueBranchLabel, "condition %s has two edges labelled %q", src.ID, e.Label)
		}
		labels[src.ID][e.Label] = true
	}

	for _, n := range def.Nodes {
		if n.Type != schema.NodeCondition {
			continue
		}
		defaultLabel, outcomes := conditionLabels(n)
		have := labels[n.ID]

		covered := have[defaultLabel] ||
			(have[schema.LabelTrue] && have[schema.LabelFalse]) ||
			(len(outcomes) > 0 && allPresent(outcomes, have))
		if !covered {
			result.AddErrorf(nodePath(n.ID), schema.IssueBranchCoverage,
				"condition %s needs a %q edge or an exhaustive set of labels", n.ID, defaultLabel)
			continue
		}
		if !have[defaultLabel] && !have[schema.LabelIsUndefined] {
			result.AddWarning(nodePath(n.ID), schema.IssueBranchCoverage,
				fmt.Sprintf("condition %s fails with %s when a referenced variable is missing: add an %q or %q edge",
					n.ID, schema.ErrCodeNoMatchingBranch, schema.LabelIsUndefined, defaultLabel))
		}
	}
}

func allPresent(want []string, have map[string]bool) bool {
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

// conditionLabels reads the default label and declared outcomes without
// requiring the whole config to be valid.
func conditionLabels(n schema.Node) (string, []string) {
	if spec, err := graph.Decode(n); err == nil {
		c := spec.(graph.ConditionSpec)
		return c.Default, c.Outcomes
	}
	def := schema.LabelDefault
	if s, ok := n.Config["default"].(string); ok && s != "" {
		def = s
	}
	return def, nil
}

func jumpTarget(n schema.Node) string {
	t, _ := n.Config["target"].(string)
	return t
}
