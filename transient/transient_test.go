package transient_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/transient"
)

type stubDurable struct {
	mu    sync.Mutex
	byKey map[string]transient.Variable
}

func newStubDurable() *stubDurable {
	return &stubDurable{byKey: make(map[string]transient.Variable)}
}

func key(executionID ids.ID, name string) string {
	return executionID.String() + "/" + name
}

func (s *stubDurable) Load(_ context.Context, executionID ids.ID, name string) (transient.Variable, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byKey[key(executionID, name)]
	return v, ok, nil
}

func (s *stubDurable) Store(_ context.Context, v transient.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[key(v.ExecutionID, v.Name)] = v
	return nil
}

func (s *stubDurable) Delete(_ context.Context, executionID ids.ID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, key(executionID, name))
	return nil
}

func (s *stubDurable) DeleteExecution(_ context.Context, executionID ids.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.byKey {
		if len(k) >= len(executionID.String()) && k[:len(executionID.String())] == executionID.String() {
			delete(s.byKey, k)
		}
	}
	return nil
}

func TestSetGetIncrementsAccessCounters(t *testing.T) {
	durable := newStubDurable()
	cache := transient.New(durable)
	ctx := context.Background()
	execID := ids.New(1).Next()

	require.NoError(t, cache.Set(ctx, execID, "x", transient.KindUserDefined, json.RawMessage(`42`), 0))

	v, ok, err := cache.Get(ctx, execID, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), v.AccessCount)

	v, ok, err = cache.Get(ctx, execID, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), v.AccessCount)
}

func TestGetFallsThroughToDurableAfterCacheMiss(t *testing.T) {
	durable := newStubDurable()
	execID := ids.New(1).Next()
	require.NoError(t, durable.Store(context.Background(), transient.Variable{
		ExecutionID: execID,
		Name:        "restored",
		Kind:        transient.KindComputed,
		Value:       json.RawMessage(`"v"`),
		CreatedAt:   time.Now(),
	}))

	cache := transient.New(durable)
	v, ok, err := cache.Get(context.Background(), execID, "restored")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, transient.KindComputed, v.Kind)
}

func TestExpiredVariableIsDropped(t *testing.T) {
	durable := newStubDurable()
	cache := transient.New(durable)
	ctx := context.Background()
	execID := ids.New(1).Next()

	require.NoError(t, cache.Set(ctx, execID, "short", transient.KindIteratorState, json.RawMessage(`1`), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := cache.Get(ctx, execID, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteExecutionRemovesAllVariables(t *testing.T) {
	durable := newStubDurable()
	cache := transient.New(durable)
	ctx := context.Background()
	execID := ids.New(1).Next()

	require.NoError(t, cache.Set(ctx, execID, "a", transient.KindUserDefined, json.RawMessage(`1`), 0))
	require.NoError(t, cache.Set(ctx, execID, "b", transient.KindUserDefined, json.RawMessage(`2`), 0))
	require.NoError(t, cache.DeleteExecution(ctx, execID))

	_, ok, err := cache.Get(ctx, execID, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}
