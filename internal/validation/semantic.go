package validation

import (
	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/pkg/schema"
)

// checkNodeConfigs is check (e): per-type config schema conformance, typed
// decoding, expression compilation, capability existence and exits.
func (v *Validator) checkNodeConfigs(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	outDegree := make(map[string]int, len(def.Nodes))
	for _, e := range def.Edges {
		outDegree[e.Source]++
	}

	for _, n := range def.Nodes {
		path := nodePath(n.ID)

		if !n.Type.Known() {
			result.AddErrorf(path+".type", schema.IssueNodeConfig, "unknown node type %q", n.Type)
			continue
		}

		violations, err := v.jsonSchema.NodeConfigViolations(n.Type, n.Config)
		if err != nil {
			result.AddError(path+".config", schema.IssueNodeConfig, err.Error())
			continue
		}
		if len(violations) > 0 {
			for _, msg := range violations {
				result.AddError(path+".config", schema.IssueNodeConfig, msg)
			}
			continue
		}

		spec, err := graph.Decode(n)
		if err != nil {
			result.AddError(path+".config", schema.IssueNodeConfig, err.Error())
			continue
		}
		v.checkSpec(n.ID, spec, result)

		switch n.Type {
		case schema.NodeEnd:
			if outDegree[n.ID] > 0 {
				result.AddWarning(path, schema.IssueNoExit, "end node has outgoing edges that are never taken")
			}
		case schema.NodeJump:
			if outDegree[n.ID] > 0 {
				result.AddWarning(path, schema.IssueNoExit, "jump node edges are ignored; the jump target is used")
			}
		case schema.NodeCondition:
			if outDegree[n.ID] == 0 {
				result.AddErrorf(path, schema.IssueNoExit, "%s node %s has no outgoing edge", n.Type, n.ID)
			}
		default:
			switch {
			case outDegree[n.ID] == 0:
				result.AddErrorf(path, schema.IssueNoExit, "%s node %s has no outgoing edge", n.Type, n.ID)
			case outDegree[n.ID] > 1:
				result.AddWarning(path, schema.IssueNoExit, "node has several outgoing edges; only the first is taken")
			}
		}
	}
}

func (v *Validator) checkSpec(nodeID string, spec graph.Spec, result *schema.ValidationResult) {
	path := nodePath(nodeID) + ".config"

	switch s := spec.(type) {
	case graph.ConditionSpec:
		if v.expressions != nil {
			if err := v.expressions.Conditions().Compile(s.Expression); err != nil {
				result.AddError(path+".expression", schema.IssueExpression, err.Error())
			}
		}
	case graph.ActionSpec:
		if v.expressions == nil {
			return
		}
		var err error
		switch s.Operation {
		case graph.OpCompute:
			err = v.expressions.Computations().Compile(s.Expression)
		case graph.OpTransform:
			err = v.expressions.Transforms().Compile(s.Expression)
		}
		if err != nil {
			result.AddError(path+".expression", schema.IssueExpression, err.Error())
		}
	case graph.IntegrationSpec:
		if v.capabilities != nil && !v.capabilities.Has(s.Capability) {
			result.AddErrorf(path+".capability", schema.IssueCapability, "capability %q is not registered", s.Capability)
		}
	}
}
