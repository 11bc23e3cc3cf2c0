package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/errors"
	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
	resultmem "github.com/noetl/noetl/resultstore/inmem"
	"github.com/noetl/noetl/worker"
)

// fakeSubscription is a single-stream broker.Subscription double fed by the
// test through its channel directly.
type fakeSubscription struct {
	ch    chan broker.Message
	mu    sync.Mutex
	acked []string
}

func (s *fakeSubscription) Messages() <-chan broker.Message { return s.ch }

func (s *fakeSubscription) Ack(_ context.Context, msg broker.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, msg.ID)
	return nil
}

func (s *fakeSubscription) Close(context.Context) error { return nil }

type fakeStream struct{ sub *fakeSubscription }

func (s *fakeStream) Publish(context.Context, string, []byte) (string, error) { return "", nil }
func (s *fakeStream) Subscribe(context.Context, string) (broker.Subscription, error) {
	return s.sub, nil
}
func (s *fakeStream) Destroy(context.Context) error { return nil }

// fakeBroker only answers Stream(); pollLoop is the only broker capability
// the Runtime uses directly.
type fakeBroker struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeBroker() *fakeBroker { return &fakeBroker{streams: make(map[string]*fakeStream)} }

// open pre-registers a stream under name so the test can push messages onto
// it before (or after) the Runtime's poll goroutine calls Stream(name).
func (b *fakeBroker) open(name string) *fakeSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSubscription{ch: make(chan broker.Message, 8)}
	b.streams[name] = &fakeStream{sub: sub}
	return sub
}

func (b *fakeBroker) Stream(_ context.Context, name string) (broker.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		sub := &fakeSubscription{ch: make(chan broker.Message, 8)}
		s = &fakeStream{sub: sub}
		b.streams[name] = s
	}
	return s, nil
}

func (b *fakeBroker) KV() broker.KV                           { return nil }
func (b *fakeBroker) ReplyChannel(string) broker.ReplyChannel { return nil }
func (b *fakeBroker) Close(context.Context) error             { return nil }

// fakeClient is an in-memory DispatcherClient double recording every call.
type fakeClient struct {
	mu         sync.Mutex
	task       engine.TaskSpec
	taskErr    error
	getTaskN   int
	heartbeats int
	events     []*eventlog.Event
}

func (c *fakeClient) GetTask(_ context.Context, _ ids.ID, _ string) (engine.TaskSpec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getTaskN++
	return c.task, c.taskErr
}

func (c *fakeClient) Heartbeat(context.Context, ids.ID, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats++
	return nil
}

func (c *fakeClient) EmitEvent(_ context.Context, e *eventlog.Event) (ids.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return ids.ID(len(c.events)), nil
}

func (c *fakeClient) PutResult(context.Context, ids.ID, string, string, json.RawMessage) error {
	return nil
}

func (c *fakeClient) snapshot() (int, []*eventlog.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getTaskN, append([]*eventlog.Event(nil), c.events...)
}

// echoExecutor returns its inputs verbatim.
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, _ engine.Tool, inputs json.RawMessage) (json.RawMessage, error) {
	return inputs, nil
}

func newRuntime(t *testing.T, client *fakeClient, reg *worker.Registry, brk *fakeBroker) *worker.Runtime {
	t.Helper()
	results, err := resultmem.NewStore(1)
	require.NoError(t, err)
	rt, err := worker.New(worker.Options{
		Client:        client,
		Broker:        brk,
		Results:       results,
		Registry:      reg,
		Subscriptions: []worker.Subscription{{Pool: "default", Kind: "echo"}},
		LeaseTTL:      60 * time.Millisecond,
	})
	require.NoError(t, err)
	return rt
}

func notification(t *testing.T, executionID ids.ID, nodeID string, deadline time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"execution_id": executionID.String(),
		"node_id":      nodeID,
		"deadline":     deadline,
	})
	require.NoError(t, err)
	return body
}

func TestRuntimeProcessesNotificationAndEmitsStepCompleted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{task: engine.TaskSpec{
		ExecutionID: 1, NodeID: "n#1", NodeName: "n", Kind: "echo", Inputs: json.RawMessage(`{"x":1}`),
	}}
	reg := worker.NewRegistry()
	reg.Register("echo", echoExecutor{})
	brk := newFakeBroker()
	sub := brk.open("tasks.default.echo")
	rt := newRuntime(t, client, reg, brk)

	go rt.Run(ctx)
	sub.ch <- broker.Message{ID: "1", Payload: notification(t, 1, "n#1", time.Now().Add(time.Minute))}

	require.Eventually(t, func() bool {
		_, events := client.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	_, events := client.snapshot()
	require.Equal(t, eventlog.EventStepCompleted, events[0].Type)
	require.Equal(t, eventlog.StatusCompleted, events[0].Status)
	require.JSONEq(t, `{"x":1}`, string(events[0].Result))
}

func TestRuntimeDropsNotificationPastDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{}
	reg := worker.NewRegistry()
	reg.Register("echo", echoExecutor{})
	brk := newFakeBroker()
	sub := brk.open("tasks.default.echo")
	rt := newRuntime(t, client, reg, brk)

	go rt.Run(ctx)
	sub.ch <- broker.Message{ID: "1", Payload: notification(t, 1, "n#1", time.Now().Add(-time.Minute))}

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.acked) == 1
	}, time.Second, 5*time.Millisecond)

	n, events := client.snapshot()
	require.Equal(t, 0, n, "GetTask must not be called for an already-expired lease")
	require.Empty(t, events)
}

func TestRuntimeUnsupportedToolEmitsStepFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{task: engine.TaskSpec{ExecutionID: 1, NodeID: "n#1", NodeName: "n", Kind: "no-such-kind"}}
	reg := worker.NewRegistry() // nothing registered
	brk := newFakeBroker()
	sub := brk.open("tasks.default.echo")
	rt := newRuntime(t, client, reg, brk)

	go rt.Run(ctx)
	sub.ch <- broker.Message{ID: "1", Payload: notification(t, 1, "n#1", time.Now().Add(time.Minute))}

	require.Eventually(t, func() bool {
		_, events := client.snapshot()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	_, events := client.snapshot()
	require.Equal(t, eventlog.EventStepFailed, events[0].Type)
	var errBody struct{ Kind string }
	require.NoError(t, json.Unmarshal(events[0].Error, &errBody))
	require.Equal(t, string(errors.KindUnsupportedTool), errBody.Kind)
}

func TestRuntimeRunsSinkAfterSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{task: engine.TaskSpec{
		ExecutionID: 1, NodeID: "n#1", NodeName: "n", Kind: "echo", Inputs: json.RawMessage(`{}`),
		Sink: &engine.SinkSpec{Tool: engine.Tool{Kind: "sink-tool"}},
	}}
	reg := worker.NewRegistry()
	reg.Register("echo", echoExecutor{})
	reg.Register("sink-tool", echoExecutor{})
	brk := newFakeBroker()
	sub := brk.open("tasks.default.echo")
	rt := newRuntime(t, client, reg, brk)

	go rt.Run(ctx)
	sub.ch <- broker.Message{ID: "1", Payload: notification(t, 1, "n#1", time.Now().Add(time.Minute))}

	require.Eventually(t, func() bool {
		_, events := client.snapshot()
		return len(events) == 3
	}, time.Second, 5*time.Millisecond)

	_, events := client.snapshot()
	var types []eventlog.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	require.Contains(t, types, eventlog.EventSinkStarted)
	require.Contains(t, types, eventlog.EventSinkCompleted)
	require.Contains(t, types, eventlog.EventStepCompleted)
}

func TestHTTPExecutorPostsInputsAndDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg, _ := json.Marshal(map[string]string{"url": srv.URL})
	ex := worker.NewHTTPExecutor(nil)
	out, err := ex.Execute(context.Background(), engine.Tool{Kind: "http", Config: cfg}, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(out))
}

func TestHTTPExecutorRequiresURL(t *testing.T) {
	ex := worker.NewHTTPExecutor(nil)
	_, err := ex.Execute(context.Background(), engine.Tool{Kind: "http"}, json.RawMessage(`{}`))
	require.Error(t, err)
}
