package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/eventlog"
	eventmem "github.com/noetl/noetl/eventlog/inmem"
	"github.com/noetl/noetl/internal/ids"
)

// staticCatalog answers Catalog.Load with one fixed Graph, standing in for
// the out-of-scope DSL parser/validator.
type staticCatalog struct{ graph engine.Graph }

func (c staticCatalog) Load(context.Context, string, string) (engine.Graph, string, error) {
	return c.graph, "v1", nil
}

func taskStep(name string, next ...string) engine.Step {
	return engine.Step{
		Name:   name,
		Kind:   "task",
		Tool:   engine.Tool{Kind: "echo", Config: json.RawMessage(`{}`)},
		Inputs: json.RawMessage(`{}`),
		Next:   next,
	}
}

func stepStartedCount(t *testing.T, eng *engine.Engine, execID ids.ID, name string) int {
	t.Helper()
	page, err := eng.ListEvents(context.Background(), execID, 0, 1000)
	require.NoError(t, err)
	n := 0
	for _, e := range page.Events {
		if e.Type == eventlog.EventStepStarted && e.NodeName == name {
			n++
		}
	}
	return n
}

// newTestEngineWithStore builds an Engine and returns the same eventlog.Store
// it was constructed with, so tests can append events the way a Dispatcher's
// EmitEvent would (directly to the log) and then drive a fresh Advance cycle
// over them.
func newTestEngineWithStore(t *testing.T, g engine.Graph) (*engine.Engine, eventlog.Store) {
	t.Helper()
	store := eventmem.New(1)
	eng, err := engine.New(engine.Options{
		Catalog: staticCatalog{graph: g},
		Events:  store,
		IDs:     ids.New(1),
	})
	require.NoError(t, err)
	return eng, store
}

func TestFrontier_ExcludesRunningStep_NoRedispatchOnUnrelatedAdvance(t *testing.T) {
	// a -> [b, d]; once a completes, b and d both dispatch. If d finishes
	// while b is still running, the Advance triggered by d's completion
	// must not hand b a second node_id.
	g := engine.Graph{Steps: []engine.Step{
		taskStep("a", "b", "d"),
		taskStep("b"),
		taskStep("d"),
	}}
	eng, store := newTestEngineWithStore(t, g)
	ctx := context.Background()

	execID, err := eng.CreateExecution(ctx, "p", "v1", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	assert.Equal(t, 1, stepStartedCount(t, eng, execID, "a"))

	_, err = store.Append(ctx, &eventlog.Event{
		ExecutionID: execID, Type: eventlog.EventStepCompleted,
		NodeID: "a#1", NodeName: "a", Status: eventlog.StatusCompleted,
		Result: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Advance(ctx, execID))

	assert.Equal(t, 1, stepStartedCount(t, eng, execID, "b"))
	assert.Equal(t, 1, stepStartedCount(t, eng, execID, "d"))

	// d completes; b is still running (no step.completed/failed for it yet).
	_, err = store.Append(ctx, &eventlog.Event{
		ExecutionID: execID, Type: eventlog.EventStepCompleted,
		NodeID: "d#1", NodeName: "d", Status: eventlog.StatusCompleted,
		Result: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Advance(ctx, execID))

	assert.Equal(t, 1, stepStartedCount(t, eng, execID, "b"),
		"b must not be redispatched while its first attempt is still in flight")
}

func TestTerminalCascade_FailureWithNoRetryCancelsSuccessor(t *testing.T) {
	// Linear a -> b; a fails with no retry policy, so b can never become
	// eligible (allDone requires a completed, and a never will be) and
	// must be cancelled so the execution can finalize as failed.
	g := engine.Graph{Steps: []engine.Step{
		taskStep("a", "b"),
		taskStep("b"),
	}}
	eng, store := newTestEngineWithStore(t, g)
	ctx := context.Background()

	execID, err := eng.CreateExecution(ctx, "p", "v1", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	_, err = store.Append(ctx, &eventlog.Event{
		ExecutionID: execID, Type: eventlog.EventStepFailed,
		NodeID: "a#1", NodeName: "a", Status: eventlog.StatusFailed,
		Error: json.RawMessage(`{"kind":"ToolExecutionError"}`),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Advance(ctx, execID))

	page, err := eng.ListEvents(ctx, execID, 0, 1000)
	require.NoError(t, err)

	var bCancelled, executionFailed bool
	for _, e := range page.Events {
		if e.Type == eventlog.EventStepSkipped && e.NodeName == "b" && e.Status == eventlog.StatusCancelled {
			bCancelled = true
		}
		if e.Type == eventlog.EventExecutionFailed {
			executionFailed = true
		}
	}
	assert.True(t, bCancelled, "b's only predecessor failed terminally; b must be cancelled")
	assert.True(t, executionFailed, "execution must finalize as failed once the cascade completes")

	summary, err := eng.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, "failed", summary.Status)
	assert.Equal(t, "a", summary.Error)
}

func TestTerminalCascade_DoesNotCancelWhileRetryStillPossible(t *testing.T) {
	// Same shape, but a's retry policy still allows another attempt: b must
	// not be cancelled out from under a retry that may still succeed.
	g := engine.Graph{Steps: []engine.Step{
		{
			Name: "a", Kind: "task", Tool: engine.Tool{Kind: "echo"}, Inputs: json.RawMessage(`{}`),
			Next: []string{"b"}, Retry: &engine.RetryPolicy{MaxAttempts: 3},
		},
		taskStep("b"),
	}}
	eng, store := newTestEngineWithStore(t, g)
	ctx := context.Background()

	execID, err := eng.CreateExecution(ctx, "p", "v1", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	_, err = store.Append(ctx, &eventlog.Event{
		ExecutionID: execID, Type: eventlog.EventStepFailed,
		NodeID: "a#1", NodeName: "a", Status: eventlog.StatusFailed,
		Error: json.RawMessage(`{"kind":"ToolExecutionError"}`),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Advance(ctx, execID))

	page, err := eng.ListEvents(ctx, execID, 0, 1000)
	require.NoError(t, err)
	for _, e := range page.Events {
		if e.NodeName == "b" {
			t.Fatalf("b must not receive any event while a's retry is still pending, got %v", e.Type)
		}
	}
}

func TestFrontier_RootsDispatchOnCreate(t *testing.T) {
	g := engine.Graph{Steps: []engine.Step{taskStep("a")}}
	eng, _ := newTestEngineWithStore(t, g)
	ctx := context.Background()

	execID, err := eng.CreateExecution(ctx, "p", "v1", json.RawMessage(`{}`), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stepStartedCount(t, eng, execID, "a"))
}
