package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/noetl/noetl/broker"
)

// replyChannel implements broker.ReplyChannel over a dedicated Pulse stream
// per request id, grounded on registry/result_stream.go's
// ResultStreamManager: a per-request stream named
// "gateway.callback.<request_id>" carries exactly one reply, consumed once
// and then destroyed.
type replyChannel struct {
	client    *Client
	requestID string
}

func (r *replyChannel) streamName() string {
	return fmt.Sprintf("gateway.callback.%s", r.requestID)
}

// Receive implements broker.ReplyChannel.
func (r *replyChannel) Receive(ctx context.Context) (broker.Message, error) {
	s, err := streaming.NewStream(r.streamName(), r.client.redis)
	if err != nil {
		return broker.Message{}, fmt.Errorf("broker/pulse: open reply stream: %w", err)
	}
	defer func() { _ = s.Destroy(context.Background()) }()

	sink, err := s.NewSink(ctx, "reply")
	if err != nil {
		return broker.Message{}, fmt.Errorf("broker/pulse: subscribe reply stream: %w", err)
	}
	defer sink.Close(context.Background())

	select {
	case ev := <-sink.Subscribe():
		if ev == nil {
			return broker.Message{}, errors.New("broker/pulse: reply channel closed")
		}
		_ = sink.Ack(ctx, ev)
		return broker.Message{ID: ev.ID, Event: ev.EventName, Payload: ev.Payload}, nil
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	}
}

// Reply implements broker.ReplyChannel.
func (r *replyChannel) Reply(ctx context.Context, msg broker.Message) error {
	s, err := streaming.NewStream(r.streamName(), r.client.redis)
	if err != nil {
		return fmt.Errorf("broker/pulse: open reply stream: %w", err)
	}
	event := msg.Event
	if event == "" {
		event = "reply"
	}
	if _, err := s.Add(ctx, event, msg.Payload); err != nil {
		return fmt.Errorf("broker/pulse: publish reply: %w", err)
	}
	return s.SetTTL(ctx, r.client.replyTTL)
}

// Close implements broker.ReplyChannel.
func (r *replyChannel) Close(ctx context.Context) error {
	s, err := streaming.NewStream(r.streamName(), r.client.redis)
	if err != nil {
		return nil
	}
	return s.Destroy(ctx)
}

// encodeJSON is a small helper for callers building request/reply payloads
// without importing encoding/json themselves at every call site.
func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

var (
	_ broker.ReplyChannel = (*replyChannel)(nil)
	_                     = redis.Nil // keep redis imported for callers constructing Options.Redis directly
)
