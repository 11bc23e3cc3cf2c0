package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/broker/inmem"
)

func TestStream_PublishSubscribe(t *testing.T) {
	b := inmem.New()
	ctx := context.Background()

	s, err := b.Stream(ctx, "tasks.default.echo")
	require.NoError(t, err)

	sub, err := s.Subscribe(ctx, "workers")
	require.NoError(t, err)

	_, err = s.Publish(ctx, "task.dispatched", []byte(`{"node_id":"a#1"}`))
	require.NoError(t, err)

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "task.dispatched", msg.Event)
		assert.JSONEq(t, `{"node_id":"a#1"}`, string(msg.Payload))
		require.NoError(t, sub.Ack(ctx, msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestStream_TwoGroupsBothReceive(t *testing.T) {
	b := inmem.New()
	ctx := context.Background()
	s, err := b.Stream(ctx, "events.1")
	require.NoError(t, err)

	sub1, err := s.Subscribe(ctx, "group-1")
	require.NoError(t, err)
	sub2, err := s.Subscribe(ctx, "group-2")
	require.NoError(t, err)

	_, err = s.Publish(ctx, "step.completed", []byte("x"))
	require.NoError(t, err)

	select {
	case <-sub1.Messages():
	case <-time.After(time.Second):
		t.Fatal("group-1 did not receive")
	}
	select {
	case <-sub2.Messages():
	case <-time.After(time.Second):
		t.Fatal("group-2 did not receive")
	}
}

func TestKV_SetGetTTL(t *testing.T) {
	b := inmem.New()
	kv := b.KV()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", "v", 20*time.Millisecond))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKV_SetIfAbsent(t *testing.T) {
	b := inmem.New()
	kv := b.KV()
	ctx := context.Background()

	ok, err := kv.SetIfAbsent(ctx, "lease:1", "holder-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetIfAbsent(ctx, "lease:1", "holder-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while the lease is held")
}

func TestKV_CompareAndSet(t *testing.T) {
	b := inmem.New()
	kv := b.KV()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "counter", "0", 0))

	v, err := kv.CompareAndSet(ctx, "counter", "0", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = kv.CompareAndSet(ctx, "counter", "0", "2")
	require.NoError(t, err)
	assert.Equal(t, "1", v, "stale expected value must not replace the current one")
}

func TestReplyChannel_RoundTrip(t *testing.T) {
	b := inmem.New()
	rc := b.ReplyChannel("req-1")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg, err := rc.Receive(ctx)
		assert.NoError(t, err)
		assert.Equal(t, "ok", msg.Event)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rc.Reply(ctx, broker.Message{Event: "ok"}))
	<-done
}
