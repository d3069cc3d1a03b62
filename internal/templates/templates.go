// Package templates turns parameterised workflow templates into concrete
// definitions. Bodies are text/template documents using [[ ]] delimiters so
// the {{ }} interpolation placeholders of message nodes pass through
// untouched.
package templates

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/rendis/chatflow/internal/repository"
	"github.com/rendis/chatflow/pkg/schema"
)

const (
	leftDelim  = "[["
	rightDelim = "]]"
)

// Source loads stored templates. Satisfied by every store adapter.
type Source interface {
	GetTemplate(ctx context.Context, id string, version int) (*schema.WorkflowTemplate, error)
}

// ParameterValidator checks parameters against a template's JSON Schema.
// Satisfied by *validation.Validator.
type ParameterValidator interface {
	ValidateParameters(params map[string]any, paramSchema []byte) error
}

// Instantiator resolves templates from a Source and renders them.
type Instantiator struct {
	source Source
	params ParameterValidator
}

// NewInstantiator creates an Instantiator. params may be nil to skip
// parameter schema checks.
func NewInstantiator(source Source, params ParameterValidator) *Instantiator {
	return &Instantiator{source: source, params: params}
}

// Instantiate loads template id at version (<= 0 for the latest), checks
// params against its schema and renders the definition.
func (i *Instantiator) Instantiate(ctx context.Context, id string, version int, params map[string]any) (*schema.WorkflowDefinition, error) {
	tpl, err := i.source.GetTemplate(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if i.params != nil {
		if err := i.params.ValidateParameters(params, tpl.Parameters); err != nil {
			fe := schema.AsFlowError(err, schema.ErrCodeValidation)
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %s v%d: %s", tpl.ID, tpl.Version, fe.Message).
				WithDetails(fe.Details).
				WithCause(err)
		}
	}
	return Render(tpl, params)
}

// Render executes the template body with params and parses the result as a
// definition. Referencing a parameter that was not supplied is an error.
func Render(tpl *schema.WorkflowTemplate, params map[string]any) (*schema.WorkflowDefinition, error) {
	if params == nil {
		params = map[string]any{}
	}
	name := fmt.Sprintf("%s@%d", tpl.ID, tpl.Version)
	t, err := template.New(name).
		Delims(leftDelim, rightDelim).
		Option("missingkey=error").
		Funcs(sprig.TxtFuncMap()).
		Parse(tpl.Body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse template %s: %s", name, err.Error()).WithCause(err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "render template %s: %s", name, err.Error()).WithCause(err)
	}

	// YAML is a superset of JSON, so either body format decodes here.
	def, err := repository.ParseDefinition(buf.Bytes(), ".yaml")
	if err != nil {
		return nil, err
	}
	if def.Metadata.Description == "" {
		def.Metadata.Description = tpl.Description
	}
	return def, nil
}
