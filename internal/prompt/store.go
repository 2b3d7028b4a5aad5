package prompt

import (
	"context"
	"fmt"
	"sync"
)

// Store is the backing persistence for prompt definitions. Implementations
// must be safe for concurrent use.
type Store interface {
	GetDefinition(ctx context.Context, task string) (*Definition, error)
	PutDefinition(ctx context.Context, def *Definition) error
	ListTasks(ctx context.Context) ([]string, error)
}

// NotFoundError is returned by stores for unknown tasks.
type NotFoundError struct {
	Task string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("prompt task %q not found", e.Task)
}

// MemoryStore is an in-process Store, used in tests and as the default when
// no prompt backend is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{defs: map[string]*Definition{}}
}

func (s *MemoryStore) GetDefinition(_ context.Context, task string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[task]
	if !ok {
		return nil, &NotFoundError{Task: task}
	}
	cp := *def
	cp.Versions = append([]Version(nil), def.Versions...)
	return &cp, nil
}

func (s *MemoryStore) PutDefinition(_ context.Context, def *Definition) error {
	if def == nil || def.Task == "" {
		return &ConfigError{Message: "definition requires a task id"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	cp.Versions = append([]Version(nil), def.Versions...)
	s.defs[def.Task] = &cp
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.defs))
	for t := range s.defs {
		out = append(out, t)
	}
	return out, nil
}
