package templates

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

const surveyBody = `id: [[ .id ]]
version: 1
nodes:
  - id: start
    type: start
  - id: ask
    type: input
    config:
      prompt: "[[ .question | trim ]]"
      variable: answer
  - id: thanks
    type: message
    config:
      text: "Thanks {{answer}}, [[ index . "sign_off" | default "bye" | upper ]]"
  - id: end
    type: end
edges:
  - {id: e1, source: start, target: ask}
  - {id: e2, source: ask, target: thanks}
  - {id: e3, source: thanks, target: end}
`

var surveyParams = json.RawMessage(`{
  "type": "object",
  "required": ["id", "question"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "question": {"type": "string"},
    "sign_off": {"type": "string"}
  }
}`)

func surveyTemplate() *schema.WorkflowTemplate {
	return &schema.WorkflowTemplate{
		ID:          "survey",
		Version:     1,
		Description: "one-question survey",
		Parameters:  surveyParams,
		Body:        surveyBody,
	}
}

func TestRender(t *testing.T) {
	def, err := Render(surveyTemplate(), map[string]any{"id": "nps", "question": "  How likely are you to recommend us?  "})
	require.NoError(t, err)

	assert.Equal(t, "nps", def.ID)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, "one-question survey", def.Metadata.Description)
	require.Len(t, def.Nodes, 4)
	assert.Equal(t, "How likely are you to recommend us?", def.NodeByID("ask").Config["prompt"])
	assert.Equal(t, "Thanks {{answer}}, BYE", def.NodeByID("thanks").Config["text"])
	assert.Len(t, def.Edges, 3)
}

func TestRender_MissingParameter(t *testing.T) {
	_, err := Render(surveyTemplate(), map[string]any{"id": "nps"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRender_BadSyntax(t *testing.T) {
	tpl := surveyTemplate()
	tpl.Body = "id: [[ .id "
	_, err := Render(tpl, map[string]any{"id": "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestInstantiate(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.SaveTemplate(ctx, surveyTemplate()))
	v, err := validation.NewValidator(nil, nil)
	require.NoError(t, err)
	inst := NewInstantiator(mem, v)

	def, err := inst.Instantiate(ctx, "survey", 0, map[string]any{
		"id": "csat", "question": "Rate us", "sign_off": "see you",
	})
	require.NoError(t, err)
	assert.Equal(t, "csat", def.ID)
	assert.Equal(t, "Thanks {{answer}}, SEE YOU", def.NodeByID("thanks").Config["text"])
	assert.True(t, v.Validate(def).Valid())

	_, err = inst.Instantiate(ctx, "survey", 1, map[string]any{"id": "csat"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = inst.Instantiate(ctx, "missing", 0, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestRender_ExampleTemplate(t *testing.T) {
	body, err := os.ReadFile(filepath.Join("..", "..", "examples", "templates", "notify.yaml"))
	require.NoError(t, err)

	def, err := Render(&schema.WorkflowTemplate{ID: "notify", Version: 1, Body: string(body)},
		map[string]any{"id": "outage", "text": "  Service restored.  "})
	require.NoError(t, err)

	assert.Equal(t, "outage", def.ID)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, "Outage notification", def.Name)
	require.Len(t, def.Nodes, 3)
	assert.Equal(t, "Service restored.", def.Nodes[1].Config["text"])

	_, err = Render(&schema.WorkflowTemplate{ID: "notify", Version: 1, Body: string(body)},
		map[string]any{"id": "outage"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), "missing text parameter")
}
