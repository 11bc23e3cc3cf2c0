package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/registry"
)

// fakeKV is a minimal in-memory broker.KV double that, unlike the
// TTL-ignoring fakes in loop_test.go/scheduler_test.go, actually expires
// entries, since RuntimeRegistry's health derivation depends on it.
type fakeKV struct {
	mu  sync.Mutex
	m   map[string]string
	exp map[string]time.Time
}

func newFakeKV() *fakeKV { return &fakeKV{m: make(map[string]string), exp: make(map[string]time.Time)} }

func (k *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if exp, ok := k.exp[key]; ok && time.Now().After(exp) {
		delete(k.m, key)
		delete(k.exp, key)
		return "", false, nil
	}
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *fakeKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	if ttl > 0 {
		k.exp[key] = time.Now().Add(ttl)
	} else {
		delete(k.exp, key)
	}
	return nil
}

func (k *fakeKV) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if _, ok, _ := k.Get(ctx, key); ok {
		return false, nil
	}
	return true, k.Set(ctx, key, value, ttl)
}

func (k *fakeKV) CompareAndSet(ctx context.Context, key, expected, newValue string) (string, error) {
	cur, _, _ := k.Get(ctx, key)
	if cur != expected {
		return cur, nil
	}
	return newValue, k.Set(ctx, key, newValue, 0)
}

func (k *fakeKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	delete(k.exp, key)
	return nil
}

func TestRegisterRuntime_HealthyUntilTTL(t *testing.T) {
	kv := newFakeKV()
	r := registry.New(kv, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.RegisterRuntime(ctx, "workers", []string{"http", "sql"}, 4))
	assert.True(t, r.IsHealthy(ctx, "workers"))

	e, ok, err := r.Get(ctx, "workers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "workers", e.Pool)
	assert.ElementsMatch(t, []string{"http", "sql"}, e.Capabilities)
	assert.Equal(t, 4, e.Capacity)

	time.Sleep(30 * time.Millisecond)
	assert.False(t, r.IsHealthy(ctx, "workers"))
}

func TestIsHealthy_UnknownPool(t *testing.T) {
	r := registry.New(newFakeKV(), time.Second)
	assert.False(t, r.IsHealthy(context.Background(), "never-registered"))
}

func TestReregistrationExtendsHealth(t *testing.T) {
	kv := newFakeKV()
	r := registry.New(kv, 30*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.RegisterRuntime(ctx, "pool-a", nil, 1))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.RegisterRuntime(ctx, "pool-a", nil, 1))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.IsHealthy(ctx, "pool-a"), "re-registration should have refreshed the TTL")
}
