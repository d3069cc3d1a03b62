package repository

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/pkg/schema"
)

func simpleDef(id string, version int, text string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      id,
		Version: version,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeStart},
			{ID: "hello", Type: schema.NodeMessage, Config: map[string]any{"text": text}},
			{ID: "end", Type: schema.NodeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "hello"},
			{ID: "e2", Source: "hello", Target: "end"},
		},
	}
}

type countingSource struct {
	store.DefinitionRepository
	mu    sync.Mutex
	calls int
}

func (s *countingSource) GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.DefinitionRepository.GetDefinition(ctx, id, version)
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newCachedStore(t *testing.T) (*Cache, *countingSource, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	src := &countingSource{DefinitionRepository: mem}
	c, err := NewCache(src, 8)
	require.NoError(t, err)
	return c, src, mem
}

func TestCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	c, src, mem := newCachedStore(t)
	require.NoError(t, mem.SaveDefinition(ctx, simpleDef("greet", 1, "hi")))

	def, err := c.GetDefinition(ctx, "greet", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)

	g, err := c.Graph(ctx, "greet", 1)
	require.NoError(t, err)
	assert.Equal(t, "start", g.Start().ID)
	assert.Equal(t, 1, src.count())
	assert.Equal(t, 1, c.Len())
}

func TestCache_LatestIsCached(t *testing.T) {
	ctx := context.Background()
	c, src, mem := newCachedStore(t)
	require.NoError(t, mem.SaveDefinition(ctx, simpleDef("greet", 1, "hi")))
	require.NoError(t, mem.SaveDefinition(ctx, simpleDef("greet", 2, "hello")))

	def, err := c.GetDefinition(ctx, "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)

	_, err = c.GetDefinition(ctx, "greet", 0)
	require.NoError(t, err)
	_, err = c.GetDefinition(ctx, "greet", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, src.count())
}

func TestCache_InvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	c, src, mem := newCachedStore(t)
	require.NoError(t, mem.SaveDefinition(ctx, simpleDef("greet", 1, "hi")))

	_, err := c.GetDefinition(ctx, "greet", 0)
	require.NoError(t, err)

	require.NoError(t, mem.SaveDefinition(ctx, simpleDef("greet", 2, "hello")))
	def, err := c.GetDefinition(ctx, "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version, "stale until invalidated")

	c.Invalidate("greet")
	assert.Equal(t, 0, c.Len())
	def, err = c.GetDefinition(ctx, "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)
	assert.Equal(t, 2, src.count())
}

func TestCache_InvalidateVersion(t *testing.T) {
	ctx := context.Background()
	c, src, mem := newCachedStore(t)
	require.NoError(t, mem.SaveDefinition(ctx, simpleDef("greet", 1, "hi")))
	require.NoError(t, mem.SaveDefinition(ctx, simpleDef("greet", 2, "hello")))

	_, err := c.GetDefinition(ctx, "greet", 1)
	require.NoError(t, err)
	_, err = c.GetDefinition(ctx, "greet", 0)
	require.NoError(t, err)
	require.Equal(t, 2, src.count())

	c.InvalidateVersion("greet", 2)
	_, err = c.GetDefinition(ctx, "greet", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, src.count(), "other versions stay cached")

	_, err = c.GetDefinition(ctx, "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, src.count())
}

func TestCache_NotFoundIsNotCached(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCachedStore(t)
	_, err := c.GetDefinition(ctx, "missing", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, 0, c.Len())
}

const greetYAML = `id: greet
name: Greeting
nodes:
  - id: start
    type: start
  - id: hello
    type: message
    config:
      text: "Hello {{name}}"
  - id: end
    type: end
edges:
  - {id: e1, source: start, target: hello}
  - {id: e2, source: hello, target: end}
`

func TestFileRepository_Load(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(greetYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bye.json"),
		[]byte(`{"id":"bye","version":3,"nodes":[{"id":"start","type":"start"},{"id":"end","type":"end"}],"edges":[{"id":"e1","source":"start","target":"end"}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [unclosed"), 0o644))

	r, err := NewFileRepository(dir, nil)
	require.NoError(t, err)

	def, err := r.GetDefinition(context.Background(), "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, "Hello {{name}}", def.Nodes[1].Config["text"])

	def, err = r.GetDefinition(context.Background(), "bye", 3)
	require.NoError(t, err)
	assert.Len(t, def.Nodes, 2)

	_, err = r.GetDefinition(context.Background(), "bye", 1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	assert.Len(t, r.Definitions(), 2)
}

func TestFileRepository_ReloadReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetYAML), 0o644))
	r, err := NewFileRepository(dir, nil)
	require.NoError(t, err)

	changed, err := r.Reload()
	require.NoError(t, err)
	assert.Empty(t, changed)

	require.NoError(t, os.WriteFile(path, []byte(greetYAML+"metadata:\n  active: true\n"), 0o644))
	changed, err = r.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"greet"}, changed)

	require.NoError(t, os.Remove(path))
	changed, err = r.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"greet"}, changed)
	_, err = r.GetDefinition(context.Background(), "greet", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestFileRepository_WatchInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetYAML), 0o644))
	r, err := NewFileRepository(dir, nil)
	require.NoError(t, err)
	c, err := NewCache(r, 4)
	require.NoError(t, err)

	def, err := c.GetDefinition(context.Background(), "greet", 0)
	require.NoError(t, err)
	require.Equal(t, 1, def.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watching := make(chan error, 1)
	go func() { watching <- r.Watch(ctx, c.Invalidate) }()
	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(greetYAML+"version: 2\n"), 0o644))

	require.Eventually(t, func() bool {
		def, err := c.GetDefinition(context.Background(), "greet", 0)
		return err == nil && def.Version == 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-watching)
}

func TestChain_FirstSourceWins(t *testing.T) {
	ctx := context.Background()
	files := store.NewMemoryStore()
	stored := store.NewMemoryStore()
	require.NoError(t, files.SaveDefinition(ctx, simpleDef("greet", 1, "from file")))
	require.NoError(t, stored.SaveDefinition(ctx, simpleDef("greet", 2, "from store")))
	require.NoError(t, stored.SaveDefinition(ctx, simpleDef("other", 1, "only stored")))

	chain := Chain{files, nil, stored}

	def, err := chain.GetDefinition(ctx, "greet", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, "from file", def.NodeByID("hello").Config["text"])

	def, err = chain.GetDefinition(ctx, "other", 1)
	require.NoError(t, err)
	assert.Equal(t, "only stored", def.NodeByID("hello").Config["text"])

	_, err = chain.GetDefinition(ctx, "missing", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = Chain{}.GetDefinition(ctx, "missing", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
