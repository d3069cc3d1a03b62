package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rendis/chatflow/pkg/schema"
)

// FileRepository serves definitions authored as YAML or JSON files in one
// directory. A file holds one definition; a definition without a version is
// treated as version 1.
type FileRepository struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]map[int]*schema.WorkflowDefinition
}

// NewFileRepository loads every definition file in dir.
func NewFileRepository(dir string, logger *slog.Logger) (*FileRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRepository{dir: dir, logger: logger}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetDefinition implements store.DefinitionRepository.
func (r *FileRepository) GetDefinition(_ context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.defs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	if version <= 0 {
		for v := range versions {
			if v > version {
				version = v
			}
		}
	}
	def, ok := versions[version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q version %d not found", id, version)
	}
	return def, nil
}

// Definitions returns every loaded definition ordered by id and version.
func (r *FileRepository) Definitions() []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*schema.WorkflowDefinition
	for _, versions := range r.defs {
		for _, def := range versions {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Reload rereads the directory and returns the ids whose content changed,
// appeared or disappeared.
func (r *FileRepository) Reload() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", r.dir, err)
	}

	loaded := make(map[string]map[int]*schema.WorkflowDefinition)
	for _, de := range entries {
		if de.IsDir() || !isDefinitionFile(de.Name()) {
			continue
		}
		path := filepath.Join(r.dir, de.Name())
		def, err := LoadDefinitionFile(path)
		if err != nil {
			r.logger.Warn("skipping definition file", "path", path, "error", err)
			continue
		}
		if loaded[def.ID] == nil {
			loaded[def.ID] = make(map[int]*schema.WorkflowDefinition)
		}
		if _, dup := loaded[def.ID][def.Version]; dup {
			r.logger.Warn("duplicate definition version", "path", path, "definition_id", def.ID, "version", def.Version)
			continue
		}
		loaded[def.ID][def.Version] = def
	}

	r.mu.Lock()
	changed := diffIDs(r.defs, loaded)
	r.defs = loaded
	r.mu.Unlock()
	return changed, nil
}

// Watch reloads the directory on every file change until ctx is done, calling
// onChange with each affected definition id. It blocks.
func (r *FileRepository) Watch(ctx context.Context, onChange func(id string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create definitions watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			changed, err := r.Reload()
			if err != nil {
				r.logger.Error("reload definitions", "error", err)
				continue
			}
			for _, id := range changed {
				r.logger.Info("definition changed", "definition_id", id, "file", filepath.Base(ev.Name))
				if onChange != nil {
					onChange(id)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil && !errors.Is(err, fsnotify.ErrClosed) {
				r.logger.Warn("definitions watcher error", "error", err)
			}
		}
	}
}

// LoadDefinitionFile decodes one YAML or JSON definition file.
func LoadDefinitionFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseDefinition(data, filepath.Ext(path))
}

// ParseDefinition decodes definition text. ext selects the format: ".json"
// is decoded as JSON, anything else as YAML.
func ParseDefinition(data []byte, ext string) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition JSON: %s", err.Error()).WithCause(err)
		}
	} else {
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition YAML: %s", err.Error()).WithCause(err)
		}
	}
	if def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has no id")
	}
	if def.Version <= 0 {
		def.Version = 1
	}
	return &def, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func diffIDs(before, after map[string]map[int]*schema.WorkflowDefinition) []string {
	seen := make(map[string]bool)
	for id, versions := range after {
		old, ok := before[id]
		if !ok || !sameVersions(old, versions) {
			seen[id] = true
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sameVersions(a, b map[int]*schema.WorkflowDefinition) bool {
	if len(a) != len(b) {
		return false
	}
	for v, da := range a {
		db, ok := b[v]
		if !ok {
			return false
		}
		ja, _ := json.Marshal(da)
		jb, _ := json.Marshal(db)
		if string(ja) != string(jb) {
			return false
		}
	}
	return true
}
