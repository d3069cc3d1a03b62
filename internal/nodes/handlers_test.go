package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/pkg/schema"
)

func init() {
	newActionID = func() string { return "act-1" }
}

// harness builds a graph with node "n" under test, followed by "next", plus
// any extra nodes and edges the case needs. Unless n is itself the start
// node, a "start" node leads to it.
type harness struct {
	t    *testing.T
	g    *graph.Graph
	eval *expressions.Resolver
}

func newHarness(t *testing.T, node schema.Node, extra []schema.Node, edges []schema.Edge) *harness {
	t.Helper()
	node.ID = "n"
	nodes := []schema.Node{node, {ID: "next", Type: schema.NodeEnd}}
	if edges == nil {
		edges = []schema.Edge{{ID: "e-next", Source: "n", Target: "next"}}
	}
	if node.Type != schema.NodeStart {
		nodes = append([]schema.Node{{ID: "start", Type: schema.NodeStart}}, nodes...)
		edges = append(edges, schema.Edge{ID: "e-start", Source: "start", Target: "n"})
	}
	nodes = append(nodes, extra...)

	g, err := graph.Build(&schema.WorkflowDefinition{ID: "wf", Version: 1, Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	r, err := expressions.NewResolver()
	require.NoError(t, err)
	return &harness{t: t, g: g, eval: r}
}

func (h *harness) run(vars map[string]any, event *schema.InboundEvent) (Transition, error) {
	h.t.Helper()
	node, ok := h.g.Node("n")
	require.True(h.t, ok)
	if vars == nil {
		vars = map[string]any{}
	}
	return Handle(context.Background(), node, &Frame{
		ExecutionID:     "exec-1",
		ConversationRef: "conv-1",
		Variables:       vars,
		Event:           event,
		Graph:           h.g,
		Evaluator:       h.eval,
	})
}

func TestStart_DefaultsDoNotOverrideInitialVariables(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeStart, Config: map[string]any{
		"variables": map[string]any{"lang": "en", "retries": 0},
	}}, nil, nil)

	tr, err := h.run(map[string]any{"lang": "es"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Advance, tr.Kind)
	assert.Equal(t, "next", tr.Next)
	assert.Equal(t, map[string]any{"retries": 0}, tr.Set)
}

func TestMessage_RendersAndQueues(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeMessage, Config: map[string]any{
		"text": "Hello {{user.name}}{{missing}}!",
	}}, nil, nil)

	tr, err := h.run(map[string]any{"user": map[string]any{"name": "Ada"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, Advance, tr.Kind)
	require.Len(t, tr.Actions, 1)
	assert.Equal(t, schema.OutboundAction{
		ID:              "act-1",
		Kind:            schema.ActionMessage,
		NodeID:          "n",
		ConversationRef: "conv-1",
		Text:            "Hello Ada!",
	}, tr.Actions[0])
	assert.Equal(t, []string{"missing"}, tr.Output.(map[string]any)["missing"])
}

func TestInput_SuspendsWithPrompt(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeInput, Config: map[string]any{
		"prompt":   "What is your name, {{title}}?",
		"variable": "name",
	}}, nil, nil)

	tr, err := h.run(map[string]any{"title": "friend"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Suspend, tr.Kind)
	assert.Equal(t, schema.StatusWaitingForInput, tr.Status)
	require.Len(t, tr.Actions, 1)
	assert.Equal(t, "What is your name, friend?", tr.Actions[0].Text)
	assert.Empty(t, tr.Set)
}

func TestInput_SuspendsWithoutPrompt(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeInput, Config: map[string]any{"variable": "name"}}, nil, nil)
	tr, err := h.run(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Suspend, tr.Kind)
	assert.Empty(t, tr.Actions)
}

func TestInput_Binding(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		event  schema.InboundEvent
		want   any
	}{
		{"text", map[string]any{"variable": "v"}, schema.InboundEvent{Type: schema.EventMessage, Text: "yes"}, "yes"},
		{"field", map[string]any{"variable": "v", "field": "choice"},
			schema.InboundEvent{Text: "ignored", Payload: map[string]any{"choice": 2}}, float64(2)},
		{"missing field", map[string]any{"variable": "v", "field": "choice"},
			schema.InboundEvent{Payload: map[string]any{}}, nil},
		{"payload", map[string]any{"variable": "v"},
			schema.InboundEvent{Payload: map[string]any{"a": "b"}}, map[string]any{"a": "b"}},
		{"empty", map[string]any{"variable": "v"}, schema.InboundEvent{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, schema.Node{Type: schema.NodeInput, Config: tt.config}, nil, nil)
			event := tt.event
			tr, err := h.run(nil, &event)
			require.NoError(t, err)
			assert.Equal(t, Advance, tr.Kind)
			assert.Equal(t, "next", tr.Next)
			assert.Equal(t, map[string]any{"v": tt.want}, tr.Set)
			assert.Equal(t, &event, tr.Input)
		})
	}
}

func conditionHarness(t *testing.T, expression string, labels ...string) *harness {
	t.Helper()
	var extra []schema.Node
	var edges []schema.Edge
	for _, l := range labels {
		extra = append(extra, schema.Node{ID: "to-" + l, Type: schema.NodeEnd})
		edges = append(edges, schema.Edge{ID: "e-" + l, Source: "n", Target: "to-" + l, Label: l})
	}
	return newHarness(t, schema.Node{Type: schema.NodeCondition, Config: map[string]any{"expression": expression}}, extra, edges)
}

func TestCondition_Routing(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		labels []string
		vars   map[string]any
		want   string
	}{
		{"true", `answer == "yes"`, []string{"true", "false"}, map[string]any{"answer": "yes"}, "to-true"},
		{"false", `answer == "yes"`, []string{"true", "false"}, map[string]any{"answer": "no"}, "to-false"},
		{"value label", `plan`, []string{"gold", "default"}, map[string]any{"plan": "gold"}, "to-gold"},
		{"default fallback", `plan`, []string{"gold", "default"}, map[string]any{"plan": "tin"}, "to-default"},
		{"undefined branch", `answer == "yes"`, []string{"true", "is-undefined", "default"}, nil, "to-is-undefined"},
		{"undefined falls back to default", `answer == "yes"`, []string{"true", "default"}, nil, "to-default"},
		{"numeric label", `tier`, []string{"2", "default"}, map[string]any{"tier": float64(2)}, "to-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := conditionHarness(t, tt.expr, tt.labels...)
			tr, err := h.run(tt.vars, nil)
			require.NoError(t, err)
			assert.Equal(t, Advance, tr.Kind)
			assert.Equal(t, tt.want, tr.Next)
		})
	}
}

func TestCondition_NoMatchingBranch(t *testing.T) {
	h := conditionHarness(t, `answer == "yes"`, "true")
	_, err := h.run(map[string]any{"answer": "no"}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoMatchingBranch))

	fe := schema.AsFlowError(err, "")
	assert.Equal(t, "n", fe.NodeID)
}

func TestBranchLabel(t *testing.T) {
	assert.Equal(t, "true", BranchLabel(true))
	assert.Equal(t, "false", BranchLabel(false))
	assert.Equal(t, "is-undefined", BranchLabel(expressions.Undefined))
	assert.Equal(t, "null", BranchLabel(nil))
	assert.Equal(t, "1.5", BranchLabel(1.5))
	assert.Equal(t, "3", BranchLabel(3))
	assert.Equal(t, "[a]", BranchLabel([]string{"a"}))
}

func TestAction_Operations(t *testing.T) {
	vars := map[string]any{
		"count": float64(2),
		"name":  "Ada",
		"items": []any{map[string]any{"sku": "a"}, map[string]any{"sku": "b"}},
	}
	tests := []struct {
		name   string
		config map[string]any
		want   any
	}{
		{"set literal", map[string]any{"operation": "set", "variable": "x", "value": 5}, float64(5)},
		{"set rendered", map[string]any{"operation": "set", "variable": "x", "value": "hi {{name}}"}, "hi Ada"},
		{"set reference keeps type", map[string]any{"operation": "set", "variable": "x", "value": "{{count}}"}, float64(2)},
		{"compute", map[string]any{"operation": "compute", "variable": "x", "expression": "vars.count * 2.0"}, float64(4)},
		{"transform", map[string]any{"operation": "transform", "variable": "x", "expression": "[.items[].sku]"}, []any{"a", "b"}},
		{"increment default", map[string]any{"operation": "increment", "variable": "count"}, float64(3)},
		{"increment by", map[string]any{"operation": "increment", "variable": "count", "by": 0.5}, 2.5},
		{"increment missing", map[string]any{"operation": "increment", "variable": "fresh"}, float64(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, schema.Node{Type: schema.NodeAction, Config: tt.config}, nil, nil)
			tr, err := h.run(vars, nil)
			require.NoError(t, err)
			assert.Equal(t, Advance, tr.Kind)
			assert.Equal(t, tt.want, tr.Set[tt.config["variable"].(string)])
		})
	}
}

func TestAction_Unset(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeAction, Config: map[string]any{"operation": "unset", "variable": "x"}}, nil, nil)
	tr, err := h.run(map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, tr.Unset)
	assert.Empty(t, tr.Set)
}

func TestAction_IncrementNonNumeric(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeAction, Config: map[string]any{"operation": "increment", "variable": "x"}}, nil, nil)
	_, err := h.run(map[string]any{"x": "abc"}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeConfig))
}

func TestIntegration_QueuesCall(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeIntegration, Config: map[string]any{
		"capability":      "crm.lookup",
		"params":          map[string]any{"email": "{{email}}", "fields": []any{"name", "{{extra}}"}},
		"result_variable": "customer",
		"result_path":     "data.customer",
	}}, nil, nil)

	tr, err := h.run(map[string]any{"email": "ada@example.com", "extra": "tier"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Advance, tr.Kind)
	require.Len(t, tr.Actions, 1)
	a := tr.Actions[0]
	assert.Equal(t, schema.ActionIntegration, a.Kind)
	assert.Equal(t, "crm.lookup", a.Capability)
	assert.Equal(t, "customer", a.ResultVariable)
	assert.Equal(t, "data.customer", a.ResultPath)
	assert.Equal(t, map[string]any{"email": "ada@example.com", "fields": []any{"name", "tier"}}, a.Params)
}

func TestContext_AssignAndMerge(t *testing.T) {
	vars := map[string]any{
		"profile": map[string]any{"name": "Ada", "plan": "free"},
		"count":   float64(1),
	}

	h := newHarness(t, schema.Node{Type: schema.NodeContext, Config: map[string]any{
		"assign": map[string]any{"profile": map[string]any{"plan": "pro", "since": "{{count}}"}},
		"merge":  true,
	}}, nil, nil)
	tr, err := h.run(vars, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada", "plan": "pro", "since": float64(1)}, tr.Set["profile"])
	// the snapshot is untouched
	assert.Equal(t, "free", vars["profile"].(map[string]any)["plan"])

	h = newHarness(t, schema.Node{Type: schema.NodeContext, Config: map[string]any{
		"assign": map[string]any{"profile": map[string]any{"plan": "pro"}, "greeting": "hi {{profile.name}}"},
	}}, nil, nil)
	tr, err = h.run(vars, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plan": "pro"}, tr.Set["profile"])
	assert.Equal(t, "hi Ada", tr.Set["greeting"])
}

func TestJump(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeJump, Config: map[string]any{"target": "start"}}, nil, []schema.Edge{})
	tr, err := h.run(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Advance, tr.Kind)
	assert.Equal(t, "start", tr.Next)

	h = newHarness(t, schema.Node{Type: schema.NodeJump, Config: map[string]any{"target": "ghost"}}, nil, []schema.Edge{})
	_, err = h.run(nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeConfig))
}

func TestEnd(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeEnd}, nil, []schema.Edge{})
	tr, err := h.run(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Terminate, tr.Kind)
	assert.Equal(t, schema.StatusCompleted, tr.Status)
	assert.Nil(t, tr.Err)

	h = newHarness(t, schema.Node{Type: schema.NodeEnd, Config: map[string]any{"status": "failed", "message": "card declined"}}, nil, []schema.Edge{})
	tr, err = h.run(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, tr.Status)
	require.NotNil(t, tr.Err)
	assert.Equal(t, schema.ErrCodeEndedFailed, tr.Err.Code)
	assert.Equal(t, "card declined", tr.Err.Message)
}

func TestHandle_ConfigErrorSurfacesAtRuntime(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeMessage, Config: map[string]any{"txt": "typo"}}, nil, nil)
	_, err := h.run(nil, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeConfig))
}

func TestHandle_MissingEdge(t *testing.T) {
	h := newHarness(t, schema.Node{Type: schema.NodeMessage, Config: map[string]any{"text": "hi"}}, nil, []schema.Edge{})
	_, err := h.run(nil, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeConfig))
}

func TestFailure(t *testing.T) {
	tr := Failure("n", assert.AnError)
	assert.Equal(t, Fail, tr.Kind)
	assert.Equal(t, schema.StatusFailed, tr.Status)
	assert.Equal(t, schema.ErrCodeNodeConfig, tr.Err.Code)
	assert.Equal(t, "n", tr.Err.NodeID)
}
