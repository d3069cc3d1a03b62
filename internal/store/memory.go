package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/rendis/chatflow/pkg/schema"
)

// MemoryStore is a Store kept entirely in process memory. Values are deep
// copied on the way in and out so callers never share state with it.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]map[int]*schema.WorkflowDefinition
	templates   map[string]map[int]*schema.WorkflowTemplate
	executions  map[string]*schema.ExecutionContext
	steps       map[string]map[int]*schema.ExecutionStep
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]map[int]*schema.WorkflowDefinition),
		templates:   make(map[string]map[int]*schema.WorkflowTemplate),
		executions:  make(map[string]*schema.ExecutionContext),
		steps:       make(map[string]map[int]*schema.ExecutionStep),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	return deepcopy.Copy(v).(*T)
}

// Migrate is a no-op.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// --- Definitions ---

func (s *MemoryStore) SaveDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.definitions[def.ID]
	if versions == nil {
		versions = make(map[int]*schema.WorkflowDefinition)
		s.definitions[def.ID] = versions
	}
	if def.Version <= 0 {
		def.Version = maxKey(versions) + 1
	} else if _, exists := versions[def.Version]; exists {
		return conflict("definition %s v%d already published", def.ID, def.Version)
	}
	def.CreatedAt = timeOrNow(def.CreatedAt)
	versions[def.Version] = clone(def)
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[id]
	if version <= 0 {
		version = maxKey(versions)
	}
	def, ok := versions[version]
	if !ok {
		return nil, notFound("definition", id)
	}
	return clone(def), nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.WorkflowDefinition
	for id, versions := range s.definitions {
		if filter.ID != "" && id != filter.ID {
			continue
		}
		for _, def := range versions {
			if filter.ActiveOnly && !def.Metadata.Active {
				continue
			}
			out = append(out, clone(def))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version > out[j].Version
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Templates ---

func (s *MemoryStore) SaveTemplate(_ context.Context, tpl *schema.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.templates[tpl.ID]
	if versions == nil {
		versions = make(map[int]*schema.WorkflowTemplate)
		s.templates[tpl.ID] = versions
	}
	if tpl.Version <= 0 {
		tpl.Version = maxKey(versions) + 1
	} else if _, exists := versions[tpl.Version]; exists {
		return conflict("template %s v%d already exists", tpl.ID, tpl.Version)
	}
	tpl.CreatedAt = timeOrNow(tpl.CreatedAt)
	versions[tpl.Version] = clone(tpl)
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string, version int) (*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.templates[id]
	if version <= 0 {
		version = maxKey(versions)
	}
	tpl, ok := versions[version]
	if !ok {
		return nil, notFound("template", id)
	}
	return clone(tpl), nil
}

// --- Executions ---

func (s *MemoryStore) LoadContext(_ context.Context, executionID string) (*schema.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ec, ok := s.executions[executionID]
	if !ok {
		return nil, notFound("execution", executionID)
	}
	return clone(ec), nil
}

func (s *MemoryStore) SaveContext(_ context.Context, ec *schema.ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveContextLocked(ec)
	return nil
}

func (s *MemoryStore) saveContextLocked(ec *schema.ExecutionContext) {
	cp := clone(ec)
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	cp.UpdatedAt = timeOrNow(cp.UpdatedAt)
	s.executions[ec.ExecutionID] = cp
}

func (s *MemoryStore) AppendStep(_ context.Context, step *schema.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStepsLocked(step); err != nil {
		return err
	}
	s.appendStepLocked(step)
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, ec *schema.ExecutionContext, steps ...*schema.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStepsLocked(steps...); err != nil {
		return err
	}
	s.saveContextLocked(ec)
	for _, step := range steps {
		s.appendStepLocked(step)
	}
	return nil
}

func (s *MemoryStore) checkStepsLocked(steps ...*schema.ExecutionStep) error {
	type stepKey struct {
		execution string
		index     int
	}
	seen := make(map[stepKey]bool, len(steps))
	for _, step := range steps {
		key := stepKey{step.ExecutionID, step.StepIndex}
		if _, exists := s.steps[step.ExecutionID][step.StepIndex]; exists || seen[key] {
			return conflict("step %d of execution %s already recorded", step.StepIndex, step.ExecutionID)
		}
		seen[key] = true
	}
	return nil
}

func (s *MemoryStore) appendStepLocked(step *schema.ExecutionStep) {
	trace := s.steps[step.ExecutionID]
	if trace == nil {
		trace = make(map[int]*schema.ExecutionStep)
		s.steps[step.ExecutionID] = trace
	}
	cp := clone(step)
	cp.StartedAt = timeOrNow(cp.StartedAt)
	if cp.Phase == "" {
		cp.Phase = schema.PhaseEvaluate
	}
	trace[step.StepIndex] = cp
}

func (s *MemoryStore) ListSteps(_ context.Context, executionID string) ([]*schema.ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trace := s.steps[executionID]
	out := make([]*schema.ExecutionStep, 0, len(trace))
	for _, step := range trace {
		out = append(out, clone(step))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *MemoryStore) FindActive(_ context.Context, definitionID, conversationRef string) (*schema.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *schema.ExecutionContext
	for _, ec := range s.executions {
		if ec.DefinitionID != definitionID || ec.ConversationRef != conversationRef || !ec.Status.Active() {
			continue
		}
		if found == nil || ec.UpdatedAt.After(found.UpdatedAt) {
			found = ec
		}
	}
	if found == nil {
		return nil, notFound("active execution for conversation", conversationRef)
	}
	return clone(found), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.ExecutionContext
	for _, ec := range s.executions {
		if filter.DefinitionID != "" && ec.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.ConversationRef != "" && ec.ConversationRef != filter.ConversationRef {
			continue
		}
		if filter.Status != nil && ec.Status != *filter.Status {
			continue
		}
		out = append(out, clone(ec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func maxKey[V any](m map[int]V) int {
	highest := 0
	for k := range m {
		if k > highest {
			highest = k
		}
	}
	return highest
}
