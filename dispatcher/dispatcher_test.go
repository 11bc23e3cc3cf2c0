package dispatcher_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokerinmem "github.com/noetl/noetl/broker/inmem"
	"github.com/noetl/noetl/dispatcher"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/eventlog"
	eventmem "github.com/noetl/noetl/eventlog/inmem"
	"github.com/noetl/noetl/internal/ids"
)

type fakeResolver struct {
	ts  engine.TaskSpec
	err error
}

func (f fakeResolver) ResolveTask(context.Context, ids.ID, string) (engine.TaskSpec, error) {
	return f.ts, f.err
}

type fakeAdvancer struct {
	mu    sync.Mutex
	calls []ids.ID
}

func (f *fakeAdvancer) Advance(_ context.Context, executionID ids.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, executionID)
	return nil
}

func (f *fakeAdvancer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeHealth struct{ healthy bool }

func (f fakeHealth) IsHealthy(context.Context, string) bool { return f.healthy }

func TestDispatch_PublishesTaskNotificationAndTracksLease(t *testing.T) {
	brk := brokerinmem.New()
	events := eventmem.New(1)
	ctx := context.Background()

	s, err := brk.Stream(ctx, "tasks.default.echo")
	require.NoError(t, err)
	sub, err := s.Subscribe(ctx, "workers")
	require.NoError(t, err)

	d, err := dispatcher.New(dispatcher.Options{Broker: brk, Events: events, LeaseTTL: time.Second})
	require.NoError(t, err)
	defer d.Close()

	execID := ids.New(1).Next()
	deadline := time.Now().Add(time.Second)
	require.NoError(t, d.Dispatch(ctx, execID, "a#1", "default", "echo", deadline))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "task.dispatched", msg.Event)
		var body struct {
			ExecutionID string `json:"execution_id"`
			NodeID      string `json:"node_id"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &body))
		assert.Equal(t, "a#1", body.NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task notification")
	}

	require.NoError(t, d.Heartbeat(ctx, execID, "a#1"))
	assert.Error(t, d.Heartbeat(ctx, execID, "unknown-node"))
}

func TestDispatch_PublishesEvenToAnUnhealthyPool(t *testing.T) {
	// Runtime Registration health is advisory, not a gate: the dispatcher
	// still publishes so the lease-timeout sweep can recover the task if
	// nobody is actually there to pick it up.
	brk := brokerinmem.New()
	events := eventmem.New(1)
	ctx := context.Background()

	s, err := brk.Stream(ctx, "tasks.default.echo")
	require.NoError(t, err)
	sub, err := s.Subscribe(ctx, "workers")
	require.NoError(t, err)

	d, err := dispatcher.New(dispatcher.Options{Broker: brk, Events: events, Registry: fakeHealth{healthy: false}})
	require.NoError(t, err)
	defer d.Close()

	err = d.Dispatch(ctx, ids.New(1).Next(), "a#1", "default", "echo", time.Now().Add(time.Second))
	require.NoError(t, err)

	select {
	case <-sub.Messages():
	case <-time.After(time.Second):
		t.Fatal("dispatch to an unhealthy pool must still publish")
	}
}

func TestGetTask_DelegatesToResolver(t *testing.T) {
	brk := brokerinmem.New()
	events := eventmem.New(1)
	ts := engine.TaskSpec{NodeID: "a#1", NodeName: "a", Kind: "echo"}

	d, err := dispatcher.New(dispatcher.Options{Broker: brk, Events: events, Resolver: fakeResolver{ts: ts}})
	require.NoError(t, err)
	defer d.Close()

	got, err := d.GetTask(context.Background(), ids.New(1).Next(), "a#1")
	require.NoError(t, err)
	assert.Equal(t, ts, got)
}

func TestEmitEvent_ClearsLeaseOnTerminalStatusAndCallsAdvancer(t *testing.T) {
	brk := brokerinmem.New()
	events := eventmem.New(1)
	adv := &fakeAdvancer{}
	ctx := context.Background()

	d, err := dispatcher.New(dispatcher.Options{Broker: brk, Events: events, Advancer: adv, LeaseTTL: time.Second})
	require.NoError(t, err)
	defer d.Close()

	execID := ids.New(1).Next()
	require.NoError(t, d.Dispatch(ctx, execID, "a#1", "default", "echo", time.Now().Add(time.Second)))
	require.NoError(t, d.Heartbeat(ctx, execID, "a#1"))

	_, err = d.EmitEvent(ctx, &eventlog.Event{
		ExecutionID: execID, Type: eventlog.EventStepCompleted,
		NodeID: "a#1", NodeName: "a", Status: eventlog.StatusCompleted,
	})
	require.NoError(t, err)

	assert.Error(t, d.Heartbeat(ctx, execID, "a#1"), "lease must be cleared once the node reaches a terminal status")
	assert.Equal(t, 1, adv.count(), "a terminal event must trigger exactly one post-event advance")

	page, err := events.Read(ctx, execID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, eventlog.EventStepCompleted, page.Events[0].Type)
}

func TestSweepOnce_EmitsStepLostForExpiredLeaseAndAdvances(t *testing.T) {
	brk := brokerinmem.New()
	events := eventmem.New(1)
	adv := &fakeAdvancer{}
	ctx := context.Background()

	d, err := dispatcher.New(dispatcher.Options{
		Broker: brk, Events: events, Advancer: adv,
		LeaseTTL: 15 * time.Millisecond, SweepEvery: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer d.Close()

	execID := ids.New(1).Next()
	require.NoError(t, d.Dispatch(ctx, execID, "a#1", "default", "echo", time.Now().Add(-time.Millisecond)))

	require.Eventually(t, func() bool {
		page, err := events.Read(ctx, execID, 0, 10)
		require.NoError(t, err)
		for _, e := range page.Events {
			if e.Type == eventlog.EventStepLost && e.NodeID == "a#1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "expired lease must produce a step.lost event")

	assert.GreaterOrEqual(t, adv.count(), 1, "a swept lease must trigger a re-advance")
}
