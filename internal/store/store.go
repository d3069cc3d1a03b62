// Package store persists definitions, templates, execution contexts and
// execution traces. All implementations are safe for concurrent use.
package store

import (
	"context"

	"github.com/rendis/chatflow/pkg/schema"
)

// DefinitionRepository resolves published definitions. A version <= 0 asks
// for the latest version.
type DefinitionRepository interface {
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
}

// DefinitionStore publishes and lists definitions. Published versions are
// immutable: saving an existing (id, version) fails with CONFLICT, and a
// definition saved with version 0 gets the next free version.
type DefinitionStore interface {
	DefinitionRepository
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
}

// TemplateStore persists parameterised definition templates with the same
// versioning rules as definitions.
type TemplateStore interface {
	SaveTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string, version int) (*schema.WorkflowTemplate, error)
}

// ExecutionStore persists execution contexts and their append-only traces.
type ExecutionStore interface {
	LoadContext(ctx context.Context, executionID string) (*schema.ExecutionContext, error)
	SaveContext(ctx context.Context, ec *schema.ExecutionContext) error
	// AppendStep fails with CONFLICT when (execution_id, step_index) exists.
	AppendStep(ctx context.Context, step *schema.ExecutionStep) error
	// Commit saves ec and appends steps in one transaction.
	Commit(ctx context.Context, ec *schema.ExecutionContext, steps ...*schema.ExecutionStep) error
	// ListSteps returns the trace ordered by step index.
	ListSteps(ctx context.Context, executionID string) ([]*schema.ExecutionStep, error)
	// FindActive returns the most recently updated running or waiting
	// execution of a definition in a conversation, or NOT_FOUND.
	FindActive(ctx context.Context, definitionID, conversationRef string) (*schema.ExecutionContext, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionContext, error)
}

// Store is the full persistence contract.
type Store interface {
	DefinitionStore
	TemplateStore
	ExecutionStore

	Migrate(ctx context.Context) error
	Close() error
}

// DefinitionFilter narrows ListDefinitions. Zero values match everything.
type DefinitionFilter struct {
	ID         string `json:"id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ExecutionFilter narrows ListExecutions. Results are ordered by most
// recently updated first.
type ExecutionFilter struct {
	DefinitionID    string                  `json:"definition_id,omitempty"`
	ConversationRef string                  `json:"conversation_ref,omitempty"`
	Status          *schema.ExecutionStatus `json:"status,omitempty"`
	Limit           int                     `json:"limit,omitempty"`
	Offset          int                     `json:"offset,omitempty"`
}

func notFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func conflict(format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, format, args...)
}
