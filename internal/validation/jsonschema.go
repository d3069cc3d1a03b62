package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chatflow/pkg/schema"
)

const schemaBaseURL = "https://chatflow.dev/schemas/"

// definitionSchemaJSON is the envelope schema of a WorkflowDefinition. Node
// configs are checked separately against the schema of their type.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "type": { "type": "string", "minLength": 1 },
          "config": { "type": ["object", "null"] }
        },
        "additionalProperties": false
      }
    },
    "edges": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["id", "source", "target"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "source": { "type": "string", "minLength": 1 },
          "target": { "type": "string", "minLength": 1 },
          "label": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "metadata": { "type": "object" },
    "created_at": {}
  },
  "additionalProperties": false
}`

const identifierPattern = `"^[A-Za-z_][A-Za-z0-9_-]*$"`

// nodeConfigSchemas holds one schema per node type, keyed by type.
var nodeConfigSchemas = map[schema.NodeType]string{
	schema.NodeStart: `{
  "type": "object",
  "properties": { "variables": { "type": "object" } },
  "additionalProperties": false
}`,
	schema.NodeMessage: `{
  "type": "object",
  "required": ["text"],
  "properties": { "text": { "type": "string", "minLength": 1 } },
  "additionalProperties": false
}`,
	schema.NodeInput: `{
  "type": "object",
  "required": ["variable"],
  "properties": {
    "prompt": { "type": "string" },
    "variable": { "type": "string", "pattern": ` + identifierPattern + ` },
    "field": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.NodeCondition: `{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": { "type": "string", "minLength": 1 },
    "default": { "type": "string", "minLength": 1 },
    "outcomes": { "type": "array", "items": { "type": "string" }, "uniqueItems": true }
  },
  "additionalProperties": false
}`,
	schema.NodeAction: `{
  "type": "object",
  "required": ["operation", "variable"],
  "properties": {
    "operation": { "enum": ["set", "compute", "transform", "increment", "unset"] },
    "variable": { "type": "string", "pattern": ` + identifierPattern + ` },
    "value": {},
    "expression": { "type": "string" },
    "by": { "type": "number" }
  },
  "allOf": [
    {
      "if": { "properties": { "operation": { "enum": ["compute", "transform"] } } },
      "then": { "required": ["expression"], "properties": { "expression": { "minLength": 1 } } }
    },
    {
      "if": { "properties": { "operation": { "const": "set" } } },
      "then": { "required": ["value"] }
    }
  ],
  "additionalProperties": false
}`,
	schema.NodeIntegration: `{
  "type": "object",
  "required": ["capability"],
  "properties": {
    "capability": { "type": "string", "minLength": 1 },
    "params": { "type": "object" },
    "result_variable": { "type": "string", "pattern": ` + identifierPattern + ` },
    "result_path": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
	schema.NodeContext: `{
  "type": "object",
  "required": ["assign"],
  "properties": {
    "assign": { "type": "object", "minProperties": 1 },
    "merge": { "type": "boolean" }
  },
  "additionalProperties": false
}`,
	schema.NodeJump: `{
  "type": "object",
  "required": ["target"],
  "properties": { "target": { "type": "string", "minLength": 1 } },
  "additionalProperties": false
}`,
	schema.NodeEnd: `{
  "type": "object",
  "properties": {
    "status": { "enum": ["completed", "failed", "aborted"] },
    "message": { "type": "string" }
  },
  "additionalProperties": false
}`,
}

// JSONSchemaValidator checks definition envelopes, node configs and template
// parameters using JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definition *jsonschema.Schema
	nodes      map[schema.NodeType]*jsonschema.Schema

	// mu guards the cache of dynamically compiled parameter schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the built-in schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	if err := addResource(c, schemaBaseURL+"definition.json", definitionSchemaJSON); err != nil {
		return nil, err
	}
	for t, src := range nodeConfigSchemas {
		if err := addResource(c, schemaBaseURL+"nodes/"+string(t)+".json", src); err != nil {
			return nil, err
		}
	}

	def, err := c.Compile(schemaBaseURL + "definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	nodes := make(map[schema.NodeType]*jsonschema.Schema, len(nodeConfigSchemas))
	for t := range nodeConfigSchemas {
		sch, err := c.Compile(schemaBaseURL + "nodes/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", t, err)
		}
		nodes[t] = sch
	}

	return &JSONSchemaValidator{
		definition: def,
		nodes:      nodes,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// DefinitionViolations validates the definition envelope and returns one
// message per violation.
func (v *JSONSchemaValidator) DefinitionViolations(def *schema.WorkflowDefinition) ([]string, error) {
	doc, err := toJSONValue(def)
	if err != nil {
		return nil, fmt.Errorf("serialize definition: %w", err)
	}
	return violationsOf(v.definition.Validate(doc)), nil
}

// NodeConfigViolations validates a node's config against the schema of its
// type. Unknown types yield no violations; the type check reports them.
func (v *JSONSchemaValidator) NodeConfigViolations(t schema.NodeType, config map[string]any) ([]string, error) {
	sch, ok := v.nodes[t]
	if !ok {
		return nil, nil
	}
	if config == nil {
		config = map[string]any{}
	}
	doc, err := toJSONValue(config)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	return violationsOf(sch.Validate(doc)), nil
}

// ValidateParameters validates template parameters against a JSON Schema
// provided as raw bytes. The schema is compiled and cached.
func (v *JSONSchemaValidator) ValidateParameters(params map[string]any, paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}

	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize parameters").WithCause(err)
	}

	if violations := violationsOf(compiled.Validate(doc)); len(violations) > 0 {
		msg := violations[0]
		if len(violations) > 1 {
			msg = fmt.Sprintf("parameters invalid: %d errors", len(violations))
		}
		return schema.NewError(schema.ErrCodeValidation, msg).
			WithDetails(map[string]any{"violations": violations})
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	// Each dynamic schema gets its own compiler and URL to avoid collisions.
	url := fmt.Sprintf("chatflow://parameters/%d", len(v.cache))
	c := newCompiler()
	if err := addResource(c, url, key); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()
	return c
}

func addResource(c *jsonschema.Compiler, url, src string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema resource %s: %w", url, err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func violationsOf(err error) []string {
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
