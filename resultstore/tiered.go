package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/noetl/noetl/internal/ids"
)

// Options configures a Tiered store.
type Options struct {
	// Backends maps each non-manifest Tier to the physical store that holds
	// its payload bytes. TierInline and TierKV are typically backed by the
	// same in-memory/broker-KV implementation; TierObject by an
	// object-store- or database-backed one. All three are required.
	Backends map[Tier]Backend
	// Index is the metadata store tracking refs, manifests, and expiry.
	Index Index
	// Alloc allocates ResultRef ids. Required.
	Alloc *ids.Allocator
	// InlineThreshold and KVThreshold override the package defaults.
	InlineThreshold int
	KVThreshold     int
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Tiered is the default resultstore.Store: a metadata Index in front of
// pluggable per-tier Backends, implementing the tier-selection heuristic and
// manifest lifecycle from spec.md §4.3.
type Tiered struct {
	backends        map[Tier]Backend
	index           Index
	alloc           *ids.Allocator
	inlineThreshold int
	kvThreshold     int
	now             func() time.Time
}

// New builds a Tiered store from opts.
func New(opts Options) (*Tiered, error) {
	if opts.Index == nil {
		return nil, fmt.Errorf("resultstore: index is required")
	}
	if opts.Alloc == nil {
		return nil, fmt.Errorf("resultstore: id allocator is required")
	}
	for _, tier := range []Tier{TierInline, TierKV, TierObject} {
		if opts.Backends[tier] == nil {
			return nil, fmt.Errorf("resultstore: backend for tier %q is required", tier)
		}
	}
	inline := opts.InlineThreshold
	if inline <= 0 {
		inline = DefaultInlineThreshold
	}
	kv := opts.KVThreshold
	if kv <= 0 {
		kv = DefaultKVThreshold
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tiered{
		backends:        opts.Backends,
		index:           opts.Index,
		alloc:           opts.Alloc,
		inlineThreshold: inline,
		kvThreshold:     kv,
		now:             now,
	}, nil
}

// Put implements resultstore.Store.
func (t *Tiered) Put(ctx context.Context, executionID ids.ID, name string, scope Scope, payload []byte, hint Hint) (ResultRef, error) {
	tier := SelectTier(hint, len(payload), t.inlineThreshold, t.kvThreshold)
	backend, ok := t.backends[tier]
	if !ok {
		return ResultRef{}, fmt.Errorf("resultstore: no backend for tier %q", tier)
	}
	ref := ResultRef{
		ExecutionID: executionID,
		Name:        name,
		ID:          t.alloc.Next(),
		Scope:       scope,
		Tier:        tier,
		Size:        len(payload),
		Preview:     Preview(payload),
	}
	if err := backend.Put(ctx, ref.URI(), payload, 0); err != nil {
		return ResultRef{}, fmt.Errorf("resultstore: put: %w", err)
	}
	if err := t.index.Put(ctx, executionID, ref); err != nil {
		return ResultRef{}, fmt.Errorf("resultstore: index put: %w", err)
	}
	return ref, nil
}

// Get implements resultstore.Store.
func (t *Tiered) Get(ctx context.Context, ref ResultRef) ([]byte, error) {
	backend, ok := t.backends[ref.Tier]
	if !ok {
		return nil, fmt.Errorf("resultstore: no backend for tier %q", ref.Tier)
	}
	payload, found, err := backend.Get(ctx, ref.URI())
	if err != nil {
		return nil, fmt.Errorf("resultstore: get: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("resultstore: ref not found: %s", ref.URI())
	}
	return payload, nil
}

// NewManifest implements resultstore.Store.
func (t *Tiered) NewManifest(ctx context.Context, executionID ids.ID, name string, scope Scope, strategy Strategy, arrayPath string) (ResultRef, error) {
	ref := ResultRef{
		ExecutionID: executionID,
		Name:        name,
		ID:          t.alloc.Next(),
		Scope:       scope,
		Tier:        TierManifest,
	}
	if err := t.index.NewManifest(ctx, executionID, ref, strategy, arrayPath); err != nil {
		return ResultRef{}, fmt.Errorf("resultstore: new manifest: %w", err)
	}
	return ref, nil
}

// PutPart implements resultstore.Store.
func (t *Tiered) PutPart(ctx context.Context, manifestRef ResultRef, index int, payload []byte, hint Hint) (ResultRef, error) {
	if index < 0 {
		return ResultRef{}, fmt.Errorf("resultstore: part index must be >= 0")
	}
	tier := SelectTier(hint, len(payload), t.inlineThreshold, t.kvThreshold)
	backend, ok := t.backends[tier]
	if !ok {
		return ResultRef{}, fmt.Errorf("resultstore: no backend for tier %q", tier)
	}
	partRef := ResultRef{
		ExecutionID: manifestRef.ExecutionID,
		Name:        manifestRef.Name + "#" + strconv.Itoa(index),
		ID:          t.alloc.Next(),
		Scope:       manifestRef.Scope,
		Tier:        tier,
		Size:        len(payload),
		Preview:     Preview(payload),
	}
	if err := backend.Put(ctx, partRef.URI(), payload, 0); err != nil {
		return ResultRef{}, fmt.Errorf("resultstore: put part: %w", err)
	}
	if err := t.index.Put(ctx, manifestRef.ExecutionID, partRef); err != nil {
		return ResultRef{}, fmt.Errorf("resultstore: index put part: %w", err)
	}
	if err := t.index.PutPart(ctx, manifestRef, index, partRef.ID); err != nil {
		return ResultRef{}, fmt.Errorf("resultstore: manifest closed: %w", err)
	}
	return partRef, nil
}

// CloseManifest implements resultstore.Store.
func (t *Tiered) CloseManifest(ctx context.Context, manifestRef ResultRef) (Manifest, error) {
	if _, err := t.index.Close(ctx, manifestRef, t.now()); err != nil {
		return Manifest{}, fmt.Errorf("resultstore: close manifest: %w", err)
	}
	return t.loadManifest(ctx, manifestRef)
}

func (t *Tiered) loadManifest(ctx context.Context, manifestRef ResultRef) (Manifest, error) {
	partIDs, closed, strategy, arrayPath, err := t.index.Manifest(ctx, manifestRef)
	if err != nil {
		return Manifest{}, fmt.Errorf("resultstore: load manifest: %w", err)
	}
	parts := make([]ResultRef, 0, len(partIDs))
	for i, id := range partIDs {
		name := manifestRef.Name + "#" + strconv.Itoa(i)
		ref, found, err := t.index.Get(ctx, manifestRef.ExecutionID, name, id)
		if err != nil {
			return Manifest{}, fmt.Errorf("resultstore: load part %d: %w", i, err)
		}
		if !found {
			return Manifest{}, fmt.Errorf("resultstore: part %d missing from index", i)
		}
		parts = append(parts, ref)
	}
	return Manifest{Ref: manifestRef, Parts: parts, Strategy: strategy, ArrayPath: arrayPath, Closed: closed}, nil
}

// Stream implements resultstore.Store. It is a finite, non-restartable
// sequence: once the returned channel is drained the parts must be fetched
// again via a fresh Stream call, the same contract as a per-call result
// stream with TTL-bound cleanup in the broker.
func (t *Tiered) Stream(ctx context.Context, manifestRef ResultRef) (<-chan Part, error) {
	manifest, err := t.loadManifest(ctx, manifestRef)
	if err != nil {
		return nil, err
	}
	if !manifest.Closed {
		return nil, fmt.Errorf("resultstore: manifest %s is not closed", manifestRef.URI())
	}
	ch := make(chan Part)
	go func() {
		defer close(ch)
		for i, part := range manifest.Parts {
			payload, err := t.Get(ctx, part)
			select {
			case ch <- Part{Index: i, Payload: payload, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Resolve implements resultstore.Store.
func (t *Tiered) Resolve(ctx context.Context, refLike string) (json.RawMessage, error) {
	if !IsRef(refLike) {
		return json.RawMessage(refLike), nil
	}
	ref, err := ParseRef(refLike)
	if err != nil {
		return nil, err
	}
	full, found, err := t.index.Get(ctx, ref.ExecutionID, ref.Name, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("resultstore: resolve: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("resultstore: ref not found: %s", refLike)
	}
	if full.Tier != TierManifest {
		payload, err := t.Get(ctx, full)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(payload), nil
	}
	manifest, err := t.loadManifest(ctx, full)
	if err != nil {
		return nil, err
	}
	if !manifest.Closed {
		return nil, fmt.Errorf("resultstore: manifest %s is not closed", refLike)
	}
	parts := make([][]byte, 0, len(manifest.Parts))
	for _, p := range manifest.Parts {
		payload, err := t.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, payload)
	}
	return Combine(parts, manifest.Strategy, manifest.ArrayPath)
}

// CleanupExecution implements resultstore.Store.
func (t *Tiered) CleanupExecution(ctx context.Context, executionID ids.ID) error {
	refs, err := t.index.ByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("resultstore: cleanup: list: %w", err)
	}
	for _, ref := range refs {
		if ref.Scope != ScopeStep && ref.Scope != ScopeExecution {
			continue
		}
		if err := t.deleteRef(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// Sweep deletes every non-permanent ref whose ExpiresAt has passed. Intended
// to be called periodically by a background goroutine in the process that
// owns the Tiered store.
func (t *Tiered) Sweep(ctx context.Context) (int, error) {
	expired, err := t.index.Expired(ctx, t.now())
	if err != nil {
		return 0, fmt.Errorf("resultstore: sweep: list: %w", err)
	}
	for _, ref := range expired {
		if err := t.deleteRef(ctx, ref); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (t *Tiered) deleteRef(ctx context.Context, ref ResultRef) error {
	if ref.Tier != TierManifest {
		if backend, ok := t.backends[ref.Tier]; ok {
			if err := backend.Delete(ctx, ref.URI()); err != nil {
				return fmt.Errorf("resultstore: delete payload %s: %w", ref.URI(), err)
			}
		}
	}
	if err := t.index.Delete(ctx, ref.ExecutionID, ref.Name, ref.ID); err != nil {
		return fmt.Errorf("resultstore: delete index %s: %w", ref.URI(), err)
	}
	return nil
}
