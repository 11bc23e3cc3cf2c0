// Package transient is the C5 execution-scoped variable cache: an
// in-process cache with write-through to a durable store, keyed by
// (execution_id, var_name), tracking access counters for debugging. It is
// grounded on the in-process-cache-over-durable-client shape of
// features/memory/mongo's Store (LoadRun/AppendEvents delegating to a Mongo
// client), generalized from per-agent transcript events to per-execution
// named variables.
package transient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/noetl/noetl/internal/ids"
)

// Kind tags a variable for debugging; values themselves are arbitrary JSON.
type Kind string

const (
	KindUserDefined   Kind = "user_defined"
	KindStepResult    Kind = "step_result"
	KindComputed      Kind = "computed"
	KindIteratorState Kind = "iterator_state"
)

// Variable is one cached (execution_id, name) -> JSON value entry.
type Variable struct {
	ExecutionID ids.ID
	Name        string
	Kind        Kind
	Value       json.RawMessage
	TTL         time.Duration // zero means "expires with the execution"
	CreatedAt   time.Time
	AccessCount int64
	AccessedAt  time.Time
}

// Expired reports whether v's TTL (if any) has elapsed as of now.
func (v Variable) Expired(now time.Time) bool {
	return v.TTL > 0 && now.Sub(v.CreatedAt) >= v.TTL
}

// Durable is the write-through backend: a store that outlives the
// in-process cache (process restart, multi-replica engine).
type Durable interface {
	Load(ctx context.Context, executionID ids.ID, name string) (Variable, bool, error)
	Store(ctx context.Context, v Variable) error
	Delete(ctx context.Context, executionID ids.ID, name string) error
	// DeleteExecution removes every variable for executionID, called when the
	// execution terminates (§3.3 lifecycle).
	DeleteExecution(ctx context.Context, executionID ids.ID) error
}

type cacheKey struct {
	execution ids.ID
	name      string
}

// Cache is the in-process, write-through variable cache.
type Cache struct {
	durable Durable
	now     func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]Variable
}

// New builds a Cache over durable. durable may be nil, in which case the
// cache holds variables only for the process lifetime (suitable for tests
// and single-replica deployments without a durable requirement).
func New(durable Durable) *Cache {
	return &Cache{durable: durable, now: time.Now, entries: make(map[cacheKey]Variable)}
}

// Set writes v through to the durable store (if configured) and updates the
// in-process cache. CreatedAt is set to the current time.
func (c *Cache) Set(ctx context.Context, executionID ids.ID, name string, kind Kind, value json.RawMessage, ttl time.Duration) error {
	now := c.now()
	v := Variable{
		ExecutionID: executionID,
		Name:        name,
		Kind:        kind,
		Value:       append(json.RawMessage(nil), value...),
		TTL:         ttl,
		CreatedAt:   now,
	}
	if c.durable != nil {
		if err := c.durable.Store(ctx, v); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.entries[cacheKey{executionID, name}] = v
	c.mu.Unlock()
	return nil
}

// Get reads a variable, incrementing its access counter and updating
// accessed_at on every call (§4.5). A miss in the in-process cache falls
// through to the durable store (e.g. after a process restart) and
// repopulates the cache.
func (c *Cache) Get(ctx context.Context, executionID ids.ID, name string) (Variable, bool, error) {
	key := cacheKey{executionID, name}
	now := c.now()

	c.mu.Lock()
	v, ok := c.entries[key]
	c.mu.Unlock()

	if !ok {
		if c.durable == nil {
			return Variable{}, false, nil
		}
		loaded, found, err := c.durable.Load(ctx, executionID, name)
		if err != nil {
			return Variable{}, false, err
		}
		if !found {
			return Variable{}, false, nil
		}
		v = loaded
	}

	if v.Expired(now) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		if c.durable != nil {
			_ = c.durable.Delete(ctx, executionID, name)
		}
		return Variable{}, false, nil
	}

	v.AccessCount++
	v.AccessedAt = now

	c.mu.Lock()
	c.entries[key] = v
	c.mu.Unlock()
	if c.durable != nil {
		if err := c.durable.Store(ctx, v); err != nil {
			return Variable{}, false, err
		}
	}
	return v, true, nil
}

// Delete removes a single variable from both the cache and the durable
// store.
func (c *Cache) Delete(ctx context.Context, executionID ids.ID, name string) error {
	c.mu.Lock()
	delete(c.entries, cacheKey{executionID, name})
	c.mu.Unlock()
	if c.durable != nil {
		return c.durable.Delete(ctx, executionID, name)
	}
	return nil
}

// DeleteExecution drops every variable belonging to executionID, typically
// invoked when the owning execution reaches a terminal state.
func (c *Cache) DeleteExecution(ctx context.Context, executionID ids.ID) error {
	c.mu.Lock()
	for k := range c.entries {
		if k.execution == executionID {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	if c.durable != nil {
		return c.durable.DeleteExecution(ctx, executionID)
	}
	return nil
}
