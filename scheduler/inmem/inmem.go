// Package inmem provides an in-memory scheduler.DefinitionStore for tests
// and local development. Nothing here survives a process restart.
package inmem

import (
	"context"
	"sync"

	"github.com/noetl/noetl/scheduler"
)

// Store is a mutex-guarded map of schedule definitions keyed by ID.
type Store struct {
	mu   sync.RWMutex
	defs map[string]scheduler.Definition
}

// New returns an empty Store.
func New() *Store {
	return &Store{defs: make(map[string]scheduler.Definition)}
}

// Put inserts or replaces a schedule definition.
func (s *Store) Put(def scheduler.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.ID] = def
}

// Delete removes a schedule definition.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, id)
}

// List implements scheduler.DefinitionStore.
func (s *Store) List(_ context.Context) ([]scheduler.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scheduler.Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out, nil
}

var _ scheduler.DefinitionStore = (*Store)(nil)
