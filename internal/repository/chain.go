package repository

import (
	"context"

	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

// Chain resolves a definition from the first source that knows its id, so
// file-authored flows shadow stored ones with the same id.
type Chain []store.DefinitionRepository

// GetDefinition implements store.DefinitionRepository. Only NOT_FOUND falls
// through to the next source.
func (c Chain) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	var lastErr error
	for _, src := range c {
		if src == nil {
			continue
		}
		def, err := src.GetDefinition(ctx, id, version)
		if err == nil {
			return def, nil
		}
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	return nil, lastErr
}
