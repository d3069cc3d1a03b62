package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/chatflow/pkg/schema"
)

// Capability is a named external integration an Integration node can call.
type Capability interface {
	Name() string
	Call(ctx context.Context, params map[string]any) (any, error)
}

// CapabilityFunc adapts a function to a Capability.
type CapabilityFunc struct {
	ID string
	Fn func(ctx context.Context, params map[string]any) (any, error)
}

func (c CapabilityFunc) Name() string { return c.ID }

func (c CapabilityFunc) Call(ctx context.Context, params map[string]any) (any, error) {
	return c.Fn(ctx, params)
}

// Registry is a thread-safe set of capabilities keyed by name.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Duplicate names fail with CONFLICT.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	name := c.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", name)
	}
	r.caps[name] = c
	return nil
}

// Get returns the named capability or CAPABILITY_UNAVAILABLE.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "capability %q not registered", name)
	}
	return c, nil
}

// Has reports whether name is registered. It satisfies the validator's
// capability lookup.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
