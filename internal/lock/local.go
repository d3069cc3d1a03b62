package lock

import (
	"context"
	"sync"
)

// LocalProvider is an in-process keyed mutex. Entries are reference counted
// and removed when the last holder or waiter leaves.
type LocalProvider struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalProvider creates a LocalProvider.
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{entries: make(map[string]*localEntry)}
}

func (p *LocalProvider) WithExecutionLock(ctx context.Context, executionID string, fn func(ctx context.Context) error) error {
	e := p.ref(executionID)
	defer p.unref(executionID, e)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return lockError(executionID, ctx.Err())
	}
	defer func() { <-e.sem }()

	return fn(ctx)
}

func (p *LocalProvider) ref(id string) *localEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		p.entries[id] = e
	}
	e.refs++
	return e
}

func (p *LocalProvider) unref(id string, e *localEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(p.entries, id)
	}
}

// size reports the number of live entries.
func (p *LocalProvider) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
