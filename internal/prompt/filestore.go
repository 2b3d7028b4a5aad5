package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FileStore serves prompt definitions from YAML files under a root
// directory. Files are discovered with a doublestar glob so nesting by team
// or domain is allowed (e.g. assist/draft_graph.yaml). The task id is the
// file's `task` field.
type FileStore struct {
	root string
	glob string

	mu     sync.RWMutex
	byTask map[string]*Definition
	byPath map[string]string // path -> task, for watch invalidation

	watcher  *fsnotify.Watcher
	onChange func(task string)
}

func NewFileStore(root string) (*FileStore, error) {
	s := &FileStore{
		root:   root,
		glob:   "**/*.yaml",
		byTask: map[string]*Definition{},
		byPath: map[string]string{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	fsys := os.DirFS(s.root)
	paths, err := doublestar.Glob(fsys, s.glob)
	if err != nil {
		return fmt.Errorf("glob prompt files: %w", err)
	}
	defs := map[string]*Definition{}
	byPath := map[string]string{}
	for _, rel := range paths {
		full := filepath.Join(s.root, rel)
		def, err := loadDefinitionFile(full)
		if err != nil {
			return fmt.Errorf("load %s: %w", rel, err)
		}
		if prev, ok := defs[def.Task]; ok && prev.Status == StatusProduction && def.Status == StatusProduction {
			return &ConfigError{Message: fmt.Sprintf("task %s has two production definitions", def.Task)}
		}
		defs[def.Task] = def
		byPath[full] = def.Task
	}
	s.mu.Lock()
	s.byTask = defs
	s.byPath = byPath
	s.mu.Unlock()
	return nil
}

func loadDefinitionFile(path string) (*Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, err
	}
	if strings.TrimSpace(def.Task) == "" {
		return nil, &ConfigError{Message: "prompt file missing task id"}
	}
	// Fill content hashes for versions that omit them.
	for i := range def.Versions {
		if def.Versions[i].Hash == "" {
			def.Versions[i].Hash = HashTemplate(def.Versions[i].Template)
		}
	}
	return &def, nil
}

// Watch starts an fsnotify watcher over the prompt root. onChange fires with
// the affected task id after the store has re-read its files; callers use it
// to invalidate the registry cache.
func (s *FileStore) Watch(onChange func(task string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.root); err != nil {
		w.Close()
		return err
	}
	// Watch subdirectories too; the glob allows nesting.
	_ = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != s.root {
			_ = w.Add(path)
		}
		return nil
	})
	s.watcher = w
	s.onChange = onChange

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				s.mu.RLock()
				task := s.byPath[ev.Name]
				s.mu.RUnlock()
				if err := s.load(); err != nil {
					continue
				}
				if task == "" {
					// New file: find the task it declares.
					if def, err := loadDefinitionFile(ev.Name); err == nil {
						task = def.Task
					}
				}
				if task != "" && s.onChange != nil {
					s.onChange(task)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (s *FileStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileStore) GetDefinition(_ context.Context, task string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byTask[task]
	if !ok {
		return nil, &NotFoundError{Task: task}
	}
	cp := *def
	cp.Versions = append([]Version(nil), def.Versions...)
	return &cp, nil
}

// PutDefinition writes the definition back to a <task>.yaml file at the
// store root and refreshes the in-memory view.
func (s *FileStore) PutDefinition(_ context.Context, def *Definition) error {
	if def == nil || strings.TrimSpace(def.Task) == "" {
		return &ConfigError{Message: "definition requires a task id"}
	}
	b, err := yaml.Marshal(def)
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, def.Task+".yaml")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}
	return s.load()
}

func (s *FileStore) ListTasks(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byTask))
	for t := range s.byTask {
		out = append(out, t)
	}
	return out, nil
}
