// Package inmem provides an in-memory resultstore.Backend and a full
// resultstore.Store built from three such backends, for tests and local
// development. Nothing here survives a process restart.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/resultstore"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// Backend implements resultstore.Backend in memory.
type Backend struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewBackend returns an empty in-memory backend.
func NewBackend() *Backend {
	return &Backend{entries: make(map[string]entry)}
}

// Put implements resultstore.Backend.
func (b *Backend) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := entry{payload: append([]byte(nil), payload...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	b.entries[key] = e
	return nil
}

// Get implements resultstore.Backend.
func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(b.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.payload...), true, nil
}

// Delete implements resultstore.Backend.
func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// Keys returns every live key with the given prefix, for use by callers
// that need to sweep or enumerate (e.g. CleanupExecution).
func (b *Backend) Keys(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.entries {
		if len(prefix) == 0 || (len(k) >= len(prefix) && k[:len(prefix)] == prefix) {
			out = append(out, k)
		}
	}
	return out
}

// NewStore builds a complete in-memory resultstore.Store: one Backend per
// tier plus an in-memory Index, wired through resultstore.Tiered. shard
// identifies this store's slice of the id space.
func NewStore(shard int) (*resultstore.Tiered, error) {
	return resultstore.New(resultstore.Options{
		Backends: map[resultstore.Tier]resultstore.Backend{
			resultstore.TierInline: NewBackend(),
			resultstore.TierKV:     NewBackend(),
			resultstore.TierObject: NewBackend(),
		},
		Index: NewIndex(),
		Alloc: ids.New(shard),
	})
}
