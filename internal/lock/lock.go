// Package lock serialises work on a single execution. The engine holds the
// execution lock for the whole load-drive-commit cycle of a Resume, Abort or
// Recover, so concurrent events for one execution never interleave. Keys are
// opaque: the engine also routes conversation events under a
// "conversation:" key.
package lock

import (
	"context"

	"github.com/rendis/chatflow/pkg/schema"
)

// Provider runs fn while holding the lock of executionID. Acquisition blocks
// until the lock is free or ctx is done; in the latter case fn is not run and
// a LOCK_ERROR is returned.
type Provider interface {
	WithExecutionLock(ctx context.Context, executionID string, fn func(ctx context.Context) error) error
}

func lockError(executionID string, err error) error {
	return schema.NewErrorf(schema.ErrCodeLock, "acquire lock for execution %s: %s", executionID, err.Error()).WithCause(err)
}
