// Package validation implements the static checks a definition must pass
// before it can be published or executed.
package validation

import (
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/pkg/schema"
)

// CapabilityLookup reports whether an integration capability exists.
// Satisfied by the gateway's capability registry.
type CapabilityLookup interface {
	Has(name string) bool
}

// ExpressionCompilers gives access to the compilers of each expression
// dialect. Satisfied by *expressions.Resolver.
type ExpressionCompilers interface {
	Conditions() expressions.Compiler
	Computations() expressions.Compiler
	Transforms() expressions.Compiler
}

// Validator runs the graph checks in order:
//
//	(a) exactly one start node
//	(b) edge and jump references exist
//	(c) every node is reachable from start
//	(d) conditions have a default or exhaustive branches
//	(e) node configs conform to their type
//
// Validation is pure: it never touches an execution.
type Validator struct {
	jsonSchema   *JSONSchemaValidator
	capabilities CapabilityLookup
	expressions  ExpressionCompilers
}

// NewValidator creates a Validator. capabilities and compilers may be nil to
// skip capability existence and expression compilation checks.
func NewValidator(capabilities CapabilityLookup, compilers ExpressionCompilers) (*Validator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{
		jsonSchema:   jsv,
		capabilities: capabilities,
		expressions:  compilers,
	}, nil
}

// Validate checks def and returns every issue found. A malformed envelope
// short-circuits: the graph checks would only produce noise.
func (v *Validator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.IssueSchema, "workflow definition is nil")
		return result
	}

	violations, err := v.jsonSchema.DefinitionViolations(def)
	if err != nil {
		result.AddError("/", schema.IssueSchema, err.Error())
		return result
	}
	for _, msg := range violations {
		result.AddError("/", schema.IssueSchema, msg)
	}
	if !result.Valid() {
		return result
	}

	startID, hasStart := checkStart(def, result)
	nodes := checkReferences(def, result)
	if hasStart {
		checkReachability(def, startID, result)
	}
	checkBranches(def, nodes, result)
	v.checkNodeConfigs(def, result)
	return result
}

// ValidateDefinition returns Validate's result as an error, nil when valid.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.Validate(def).ToError()
}

// ValidateParameters checks template parameters against their JSON Schema.
func (v *Validator) ValidateParameters(params map[string]any, paramSchema []byte) error {
	return v.jsonSchema.ValidateParameters(params, paramSchema)
}
