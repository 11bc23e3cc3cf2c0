package pulse

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/broker"
)

// kv adapts a replicated Map to broker.KV. rmap.Map has no per-key TTL,
// and this adapter adds none: the ttl arguments of Set and SetIfAbsent are
// ignored, so a key stays until Delete removes it.
type kv struct {
	m Map
}

// Get implements broker.KV.
func (k *kv) Get(_ context.Context, key string) (string, bool, error) {
	val, ok := k.m.Get(key)
	return val, ok, nil
}

// Set implements broker.KV.
func (k *kv) Set(ctx context.Context, key, value string, _ time.Duration) error {
	if _, err := k.m.Set(ctx, key, value); err != nil {
		return fmt.Errorf("broker/pulse: set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent implements broker.KV.
func (k *kv) SetIfAbsent(ctx context.Context, key, value string, _ time.Duration) (bool, error) {
	ok, err := k.m.SetIfNotExists(ctx, key, value)
	if err != nil {
		return false, fmt.Errorf("broker/pulse: set-if-absent %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndSet implements broker.KV.
func (k *kv) CompareAndSet(ctx context.Context, key, expected, newValue string) (string, error) {
	val, err := k.m.TestAndSet(ctx, key, expected, newValue)
	if err != nil {
		return "", fmt.Errorf("broker/pulse: compare-and-set %s: %w", key, err)
	}
	return val, nil
}

// Delete implements broker.KV.
func (k *kv) Delete(ctx context.Context, key string) error {
	if _, err := k.m.Delete(ctx, key); err != nil {
		return fmt.Errorf("broker/pulse: delete %s: %w", key, err)
	}
	return nil
}

var _ broker.KV = (*kv)(nil)
