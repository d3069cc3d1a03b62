package engine

import (
	"context"
	"sync"

	"github.com/rendis/chatflow/pkg/schema"
)

// TransitionHook runs around a status change. A before-hook error vetoes
// the change.
type TransitionHook func(ctx context.Context, ec *schema.ExecutionContext, from, to schema.ExecutionStatus) error

type statusHookKey struct {
	from, to schema.ExecutionStatus
}

// StatusFSM guards execution status changes.
type StatusFSM struct {
	mu     sync.RWMutex
	before map[statusHookKey][]TransitionHook
	after  map[statusHookKey][]TransitionHook
}

// NewStatusFSM creates a StatusFSM with no hooks.
func NewStatusFSM() *StatusFSM {
	return &StatusFSM{
		before: make(map[statusHookKey][]TransitionHook),
		after:  make(map[statusHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before from -> to.
func (f *StatusFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after from -> to.
func (f *StatusFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves ec to status to, or fails with INVALID_TRANSITION. The
// caller persists ec.
func (f *StatusFSM) Transition(ctx context.Context, ec *schema.ExecutionContext, to schema.ExecutionStatus) error {
	from := ec.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": ec.ExecutionID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	key := statusHookKey{from, to}
	before := f.before[key]
	after := f.after[key]
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, ec, from, to); err != nil {
			return err
		}
	}
	ec.Status = to
	for _, hook := range after {
		if err := hook(ctx, ec, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidTransitions is the execution status graph. Terminal statuses have no
// way out.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusRunning:         {schema.StatusWaitingForInput, schema.StatusCompleted, schema.StatusFailed, schema.StatusAborted},
	schema.StatusWaitingForInput: {schema.StatusRunning, schema.StatusAborted, schema.StatusFailed},
	schema.StatusCompleted:       {},
	schema.StatusFailed:          {},
	schema.StatusAborted:         {},
}
