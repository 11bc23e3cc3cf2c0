// Package memory is an in-process keychain.Store, grounded on
// registry/store/memory's mutex-protected map, re-keyed from toolset name to
// keychain.Key (name, catalog id, scope key).
package memory

import (
	"context"
	"sync"

	"github.com/noetl/noetl/keychain"
)

// Store is a mutex-guarded in-memory keychain.Store.
type Store struct {
	mu      sync.RWMutex
	entries map[keychain.Key]keychain.StoredEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[keychain.Key]keychain.StoredEntry)}
}

// Get implements keychain.Store.
func (s *Store) Get(_ context.Context, key keychain.Key) (keychain.StoredEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

// Put implements keychain.Store.
func (s *Store) Put(_ context.Context, key keychain.Key, entry keychain.StoredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// Delete implements keychain.Store.
func (s *Store) Delete(_ context.Context, key keychain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// DeleteScope removes every entry whose ScopeKey matches scopeKey, used to
// drop all local-scoped credentials when an execution terminates.
func (s *Store) DeleteScope(scopeKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.ScopeKey == scopeKey {
			delete(s.entries, k)
		}
	}
}

var _ keychain.Store = (*Store)(nil)
