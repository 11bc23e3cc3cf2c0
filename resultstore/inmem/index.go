package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/resultstore"
)

type manifestState struct {
	ref         resultstore.ResultRef
	strategy    resultstore.Strategy
	arrayPath   string
	closed      bool
	completedAt time.Time
	partIDs     map[int]ids.ID
}

type refKey struct {
	execution ids.ID
	name      string
	id        ids.ID
}

// Index implements resultstore.Index in memory.
type Index struct {
	mu        sync.Mutex
	refs      map[refKey]resultstore.ResultRef
	manifests map[refKey]*manifestState
}

// NewIndex returns an empty in-memory Index.
func NewIndex() *Index {
	return &Index{
		refs:      make(map[refKey]resultstore.ResultRef),
		manifests: make(map[refKey]*manifestState),
	}
}

func keyOf(executionID ids.ID, name string, id ids.ID) refKey {
	return refKey{execution: executionID, name: name, id: id}
}

// Put implements resultstore.Index.
func (x *Index) Put(_ context.Context, executionID ids.ID, ref resultstore.ResultRef) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.refs[keyOf(executionID, ref.Name, ref.ID)] = ref
	return nil
}

// Get implements resultstore.Index.
func (x *Index) Get(_ context.Context, executionID ids.ID, name string, id ids.ID) (resultstore.ResultRef, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ref, ok := x.refs[keyOf(executionID, name, id)]
	return ref, ok, nil
}

// NewManifest implements resultstore.Index.
func (x *Index) NewManifest(_ context.Context, executionID ids.ID, ref resultstore.ResultRef, strategy resultstore.Strategy, arrayPath string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	k := keyOf(executionID, ref.Name, ref.ID)
	x.refs[k] = ref
	x.manifests[k] = &manifestState{ref: ref, strategy: strategy, arrayPath: arrayPath, partIDs: make(map[int]ids.ID)}
	return nil
}

// PutPart implements resultstore.Index.
func (x *Index) PutPart(_ context.Context, manifestRef resultstore.ResultRef, index int, partID ids.ID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.manifests[keyOf(manifestRef.ExecutionID, manifestRef.Name, manifestRef.ID)]
	if !ok {
		return fmt.Errorf("resultstore/inmem: manifest %s not found", manifestRef.URI())
	}
	if m.closed {
		return fmt.Errorf("resultstore/inmem: manifest %s is closed", manifestRef.URI())
	}
	m.partIDs[index] = partID
	return nil
}

// Manifest implements resultstore.Index.
func (x *Index) Manifest(_ context.Context, manifestRef resultstore.ResultRef) ([]ids.ID, bool, resultstore.Strategy, string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.manifests[keyOf(manifestRef.ExecutionID, manifestRef.Name, manifestRef.ID)]
	if !ok {
		return nil, false, "", "", fmt.Errorf("resultstore/inmem: manifest %s not found", manifestRef.URI())
	}
	indexes := make([]int, 0, len(m.partIDs))
	for i := range m.partIDs {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	parts := make([]ids.ID, 0, len(indexes))
	for _, i := range indexes {
		parts = append(parts, m.partIDs[i])
	}
	return parts, m.closed, m.strategy, m.arrayPath, nil
}

// Close implements resultstore.Index.
func (x *Index) Close(_ context.Context, manifestRef resultstore.ResultRef, at time.Time) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.manifests[keyOf(manifestRef.ExecutionID, manifestRef.Name, manifestRef.ID)]
	if !ok {
		return false, fmt.Errorf("resultstore/inmem: manifest %s not found", manifestRef.URI())
	}
	if m.closed {
		return true, nil
	}
	m.closed = true
	m.completedAt = at
	return false, nil
}

// ByExecution implements resultstore.Index.
func (x *Index) ByExecution(_ context.Context, executionID ids.ID) ([]resultstore.ResultRef, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []resultstore.ResultRef
	for k, ref := range x.refs {
		if k.execution == executionID {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Expired implements resultstore.Index.
func (x *Index) Expired(_ context.Context, before time.Time) ([]resultstore.ResultRef, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []resultstore.ResultRef
	for _, ref := range x.refs {
		if ref.Scope == resultstore.ScopePermanent {
			continue
		}
		if !ref.ExpiresAt.IsZero() && ref.ExpiresAt.Before(before) {
			out = append(out, ref)
		}
	}
	return out, nil
}

// Delete implements resultstore.Index.
func (x *Index) Delete(_ context.Context, executionID ids.ID, name string, id ids.ID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	k := keyOf(executionID, name, id)
	delete(x.refs, k)
	delete(x.manifests, k)
	return nil
}
