package schema

import (
	"encoding/json"
	"time"
)

// WorkflowTemplate is a parameterized definition. Body is definition text
// (YAML or JSON) with [[ .param ]] placeholders; Parameters is a JSON Schema
// the supplied parameters must satisfy.
type WorkflowTemplate struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Body        string          `json:"body"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}
