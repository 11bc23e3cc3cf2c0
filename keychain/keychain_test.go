package keychain_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/errors"
	"github.com/noetl/noetl/keychain"
	"github.com/noetl/noetl/keychain/store/memory"
)

type stubSecrets struct {
	payload []byte
	ttl     time.Duration
	calls   int
}

func (s *stubSecrets) Resolve(context.Context, string) ([]byte, time.Duration, error) {
	s.calls++
	return s.payload, s.ttl, nil
}

func newCipher(t *testing.T) keychain.Cipher {
	t.Helper()
	key := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, key)
	require.NoError(t, err)
	c, err := keychain.NewAESGCMCipher(key)
	require.NoError(t, err)
	return c
}

func TestFetchResolvesAndCachesUntilExpiry(t *testing.T) {
	secrets := &stubSecrets{payload: []byte("s3cr3t"), ttl: time.Hour}
	kc := keychain.New(memory.New(), newCipher(t), keychain.WithSecretResolver(secrets))

	key := keychain.Key{Name: "db-password", CatalogID: "cat1", ScopeKey: "exec1"}
	ctx := context.Background()

	payload, err := kc.Fetch(ctx, key, keychain.FetchOptions{Scope: keychain.ScopeLocal})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(payload))
	assert.Equal(t, 1, secrets.calls)

	// Second fetch is served from cache, not re-resolved.
	payload, err = kc.Fetch(ctx, key, keychain.FetchOptions{Scope: keychain.ScopeLocal})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(payload))
	assert.Equal(t, 1, secrets.calls)
}

func TestFetchAutoRenewsNearExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	secrets := &stubSecrets{payload: []byte("v1"), ttl: 100 * time.Second}
	kc := keychain.New(memory.New(), newCipher(t), keychain.WithSecretResolver(secrets), keychain.WithNow(func() time.Time { return clock }))

	key := keychain.Key{Name: "api-token", CatalogID: "cat1", ScopeKey: "exec1"}
	ctx := context.Background()
	opts := keychain.FetchOptions{Scope: keychain.ScopeLocal, AutoRenew: true}

	_, err := kc.Fetch(ctx, key, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, secrets.calls)

	// Advance past the 90%-elapsed renewal margin (10s remaining of 100s TTL).
	clock = now.Add(95 * time.Second)
	secrets.payload = []byte("v2")
	payload, err := kc.Fetch(ctx, key, opts)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(payload))
	assert.Equal(t, 2, secrets.calls)
}

func TestFetchSchemaValidationFailureRaisesCredentialSchemaError(t *testing.T) {
	secrets := &stubSecrets{payload: []byte(`{"user":"a"}`), ttl: time.Hour}
	kc := keychain.New(memory.New(), newCipher(t), keychain.WithSecretResolver(secrets))

	schema := json.RawMessage(`{"type":"object","required":["user","password"]}`)
	key := keychain.Key{Name: "db-creds", CatalogID: "cat1", ScopeKey: "exec1"}

	_, err := kc.Fetch(context.Background(), key, keychain.FetchOptions{Scope: keychain.ScopeLocal, Schema: schema})
	require.Error(t, err)
	kind, ok := errors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindCredentialSchema, kind)
}

func TestFetchDerivedTokenUsesProvider(t *testing.T) {
	provider := stubProviderFunc(func(ctx context.Context, spec keychain.ProviderSpec) (keychain.TokenResponse, error) {
		return keychain.TokenResponse{Payload: []byte("derived-token"), ExpiresIn: time.Minute}, nil
	})
	kc := keychain.New(memory.New(), newCipher(t), keychain.WithTokenProvider(provider))

	key := keychain.Key{Name: "oauth", CatalogID: "cat1", ScopeKey: "exec1"}
	payload, err := kc.Fetch(context.Background(), key, keychain.FetchOptions{Scope: keychain.ScopeLocal, Derived: true})
	require.NoError(t, err)
	assert.Equal(t, "derived-token", string(payload))
}

func TestInvalidateRemovesEntry(t *testing.T) {
	secrets := &stubSecrets{payload: []byte("s3cr3t"), ttl: time.Hour}
	kc := keychain.New(memory.New(), newCipher(t), keychain.WithSecretResolver(secrets))

	key := keychain.Key{Name: "db-password", CatalogID: "cat1", ScopeKey: "exec1"}
	ctx := context.Background()

	_, err := kc.Fetch(ctx, key, keychain.FetchOptions{Scope: keychain.ScopeLocal})
	require.NoError(t, err)
	require.NoError(t, kc.Invalidate(ctx, key))

	_, err = kc.Fetch(ctx, key, keychain.FetchOptions{Scope: keychain.ScopeLocal})
	require.NoError(t, err)
	assert.Equal(t, 2, secrets.calls)
}

type stubProviderFunc func(ctx context.Context, spec keychain.ProviderSpec) (keychain.TokenResponse, error)

func (f stubProviderFunc) Derive(ctx context.Context, spec keychain.ProviderSpec) (keychain.TokenResponse, error) {
	return f(ctx, spec)
}
