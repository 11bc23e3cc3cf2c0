package inmem_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/resultstore"
	"github.com/noetl/noetl/resultstore/inmem"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := inmem.NewStore(1)
	require.NoError(t, err)
	ctx := context.Background()
	execID := ids.New(1).Next()

	payload := []byte(`{"ok":true,"n":1}`)
	ref, err := store.Put(ctx, execID, "a", resultstore.ScopeStep, payload, resultstore.HintAuto)
	require.NoError(t, err)
	assert.Equal(t, resultstore.TierInline, ref.Tier)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	resolved, err := store.Resolve(ctx, ref.URI())
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(resolved))
}

func TestTierSelectionBySize(t *testing.T) {
	store, err := inmem.NewStore(1)
	require.NoError(t, err)
	ctx := context.Background()
	execID := ids.New(1).Next()

	small := make([]byte, 10)
	kvSized := make([]byte, resultstore.DefaultInlineThreshold+10)
	objSized := make([]byte, resultstore.DefaultKVThreshold+10)

	smallRef, err := store.Put(ctx, execID, "small", resultstore.ScopeStep, small, resultstore.HintAuto)
	require.NoError(t, err)
	assert.Equal(t, resultstore.TierInline, smallRef.Tier)

	kvRef, err := store.Put(ctx, execID, "kv", resultstore.ScopeStep, kvSized, resultstore.HintAuto)
	require.NoError(t, err)
	assert.Equal(t, resultstore.TierKV, kvRef.Tier)

	objRef, err := store.Put(ctx, execID, "obj", resultstore.ScopeStep, objSized, resultstore.HintAuto)
	require.NoError(t, err)
	assert.Equal(t, resultstore.TierObject, objRef.Tier)

	// Hint always wins over size.
	hinted, err := store.Put(ctx, execID, "hinted", resultstore.ScopeStep, small, resultstore.HintObject)
	require.NoError(t, err)
	assert.Equal(t, resultstore.TierObject, hinted.Tier)
}

func TestManifestLifecycleAndConcat(t *testing.T) {
	store, err := inmem.NewStore(1)
	require.NoError(t, err)
	ctx := context.Background()
	execID := ids.New(1).Next()

	manifestRef, err := store.NewManifest(ctx, execID, "fetch", resultstore.ScopeExecution, resultstore.StrategyConcat, "items")
	require.NoError(t, err)

	parts := [][]byte{
		[]byte(`{"items":["london"]}`),
		[]byte(`{"items":["paris"]}`),
		[]byte(`{"items":["berlin"]}`),
	}
	for i, p := range parts {
		_, err := store.PutPart(ctx, manifestRef, i, p, resultstore.HintAuto)
		require.NoError(t, err)
	}

	manifest, err := store.CloseManifest(ctx, manifestRef)
	require.NoError(t, err)
	assert.True(t, manifest.Closed)
	require.Len(t, manifest.Parts, 3)

	// Parts come back ordered by their declared index regardless of Strategy.
	for i, part := range manifest.Parts {
		payload, err := store.Get(ctx, part)
		require.NoError(t, err)
		assert.JSONEq(t, string(parts[i]), string(payload))
	}

	resolved, err := store.Resolve(ctx, manifestRef.URI())
	require.NoError(t, err)
	var combined []string
	require.NoError(t, json.Unmarshal(resolved, &combined))
	assert.Equal(t, []string{"london", "paris", "berlin"}, combined)

	// A manifest is closed exactly once: CloseManifest again is a no-op and
	// PutPart after close fails.
	_, err = store.CloseManifest(ctx, manifestRef)
	require.NoError(t, err)
	_, err = store.PutPart(ctx, manifestRef, 3, []byte(`{"items":["madrid"]}`), resultstore.HintAuto)
	assert.Error(t, err)
}

func TestOutOfOrderPartsStillOrderedOnClose(t *testing.T) {
	store, err := inmem.NewStore(1)
	require.NoError(t, err)
	ctx := context.Background()
	execID := ids.New(1).Next()

	manifestRef, err := store.NewManifest(ctx, execID, "fanout", resultstore.ScopeExecution, resultstore.StrategyAppend, "")
	require.NoError(t, err)

	// Async loop iterations complete out of order.
	_, err = store.PutPart(ctx, manifestRef, 2, []byte(`"c"`), resultstore.HintAuto)
	require.NoError(t, err)
	_, err = store.PutPart(ctx, manifestRef, 0, []byte(`"a"`), resultstore.HintAuto)
	require.NoError(t, err)
	_, err = store.PutPart(ctx, manifestRef, 1, []byte(`"b"`), resultstore.HintAuto)
	require.NoError(t, err)

	manifest, err := store.CloseManifest(ctx, manifestRef)
	require.NoError(t, err)
	require.Len(t, manifest.Parts, 3)
	for i, part := range manifest.Parts {
		payload, err := store.Get(ctx, part)
		require.NoError(t, err)
		assert.JSONEq(t, []string{`"a"`, `"b"`, `"c"`}[i], string(payload))
	}
}

func TestCleanupExecutionRemovesStepAndExecutionScopeOnly(t *testing.T) {
	store, err := inmem.NewStore(1)
	require.NoError(t, err)
	ctx := context.Background()
	execID := ids.New(1).Next()

	stepRef, err := store.Put(ctx, execID, "step", resultstore.ScopeStep, []byte(`1`), resultstore.HintAuto)
	require.NoError(t, err)
	permRef, err := store.Put(ctx, execID, "perm", resultstore.ScopePermanent, []byte(`2`), resultstore.HintAuto)
	require.NoError(t, err)

	require.NoError(t, store.CleanupExecution(ctx, execID))

	_, err = store.Get(ctx, stepRef)
	assert.Error(t, err)

	got, err := store.Get(ctx, permRef)
	require.NoError(t, err)
	assert.Equal(t, []byte(`2`), got)
}

func TestResolveInlineJSONPassthrough(t *testing.T) {
	store, err := inmem.NewStore(1)
	require.NoError(t, err)
	ctx := context.Background()

	resolved, err := store.Resolve(ctx, `{"inline":true}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inline":true}`, string(resolved))
}
