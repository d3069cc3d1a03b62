// Package repository resolves published definitions for the engine: a
// read-through LRU cache over any store.DefinitionRepository, and a
// directory-backed repository for file-authored flows.
package repository

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/chatflow/internal/graph"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

const DefaultCacheSize = 256

type versionKey struct {
	id      string
	version int
}

type entry struct {
	def   *schema.WorkflowDefinition
	graph *graph.Graph
}

// Cache is a read-through cache of definitions and their compiled graphs.
// Cached values are shared read-only across executions. "Latest" lookups are
// cached too, so a republish must be followed by Invalidate(id).
type Cache struct {
	source  store.DefinitionRepository
	entries *lru.Cache[versionKey, entry]
	latest  *lru.Cache[string, int]

	// mu orders invalidations against in-flight loads so a load that
	// started before Invalidate cannot repopulate a stale entry.
	mu    sync.Mutex
	epoch map[string]uint64
}

// NewCache wraps source. size <= 0 uses DefaultCacheSize.
func NewCache(source store.DefinitionRepository, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[versionKey, entry](size)
	if err != nil {
		return nil, fmt.Errorf("create definition cache: %w", err)
	}
	latest, err := lru.New[string, int](size)
	if err != nil {
		return nil, fmt.Errorf("create latest-version cache: %w", err)
	}
	return &Cache{source: source, entries: entries, latest: latest, epoch: make(map[string]uint64)}, nil
}

// GetDefinition implements store.DefinitionRepository.
func (c *Cache) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	e, err := c.get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return e.def, nil
}

// Graph returns the compiled graph of (id, version), building and caching it
// on first use.
func (c *Cache) Graph(ctx context.Context, id string, version int) (*graph.Graph, error) {
	e, err := c.get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return e.graph, nil
}

func (c *Cache) get(ctx context.Context, id string, version int) (entry, error) {
	if version <= 0 {
		if v, ok := c.latest.Get(id); ok {
			version = v
		}
	}
	if version > 0 {
		if e, ok := c.entries.Get(versionKey{id, version}); ok {
			return e, nil
		}
	}

	c.mu.Lock()
	epoch := c.epoch[id]
	c.mu.Unlock()

	def, err := c.source.GetDefinition(ctx, id, version)
	if err != nil {
		return entry{}, err
	}
	g, err := graph.Build(def)
	if err != nil {
		return entry{}, err
	}
	e := entry{def: def, graph: g}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch[id] == epoch {
		c.entries.Add(versionKey{def.ID, def.Version}, e)
		if version <= 0 {
			c.latest.Add(id, def.Version)
		}
	}
	return e, nil
}

// Invalidate drops every cached version of id.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch[id]++
	c.latest.Remove(id)
	for _, k := range c.entries.Keys() {
		if k.id == id {
			c.entries.Remove(k)
		}
	}
}

// InvalidateVersion drops one cached version of id, and the latest pointer
// if it refers to that version.
func (c *Cache) InvalidateVersion(id string, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch[id]++
	c.entries.Remove(versionKey{id, version})
	if v, ok := c.latest.Peek(id); ok && v == version {
		c.latest.Remove(id)
	}
}

// Len reports the number of cached definition versions.
func (c *Cache) Len() int { return c.entries.Len() }
