// Package pulse is the C6 Broker Adapter's concrete implementation over
// goa.design/pulse, grounded on features/stream/pulse/clients/pulse's
// Options/Client/Stream/Sink wrapper (Stream/NewSink/Add/Subscribe/Ack) for
// the stream leg, and on goa.design/pulse/rmap (via the clusterMap-style Map
// interface in features/model/middleware/ratelimit.go and
// registry/store/replicated) for the K/V leg.
package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/noetl/noetl/broker"
)

// Options configures the Pulse-backed Broker.
type Options struct {
	// Redis is the connection backing Pulse streams and the rmap-based K/V
	// bucket. Required.
	Redis *redis.Client
	// Map is the replicated map backing KV. Required.
	Map Map
	// StreamMaxLen bounds entries kept per stream; zero uses Pulse defaults.
	StreamMaxLen int
	// ReplyTTL is the TTL Reply sets on a reply stream in Redis. Receive
	// does not use it and waits until its ctx is done. Defaults to 5 minutes.
	ReplyTTL time.Duration
}

// Map is the minimal replicated-map contract the K/V adapter needs. It is
// satisfied by *rmap.Map from goa.design/pulse/rmap, kept local so the K/V
// adapter is unit-testable without Redis, matching
// registry/store/replicated's Map boundary.
type Map interface {
	Get(key string) (string, bool)
	Set(ctx context.Context, key, value string) (string, error)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Delete(ctx context.Context, key string) (string, error)
}

// Client is the Broker.
type Client struct {
	redis    *redis.Client
	maxLen   int
	replyTTL time.Duration
	kv       *kv
}

// New builds a Pulse-backed Broker.
func New(opts Options) (*Client, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("broker/pulse: redis client is required")
	}
	if opts.Map == nil {
		return nil, fmt.Errorf("broker/pulse: replicated map is required")
	}
	replyTTL := opts.ReplyTTL
	if replyTTL <= 0 {
		replyTTL = 5 * time.Minute
	}
	return &Client{
		redis:    opts.Redis,
		maxLen:   opts.StreamMaxLen,
		replyTTL: replyTTL,
		kv:       &kv{m: opts.Map},
	}, nil
}

// Stream implements broker.Broker.
func (c *Client) Stream(_ context.Context, name string) (broker.Stream, error) {
	if name == "" {
		return nil, fmt.Errorf("broker/pulse: stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	s, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker/pulse: open stream %s: %w", name, err)
	}
	return &stream{stream: s}, nil
}

// KV implements broker.Broker.
func (c *Client) KV() broker.KV { return c.kv }

// ReplyChannel implements broker.Broker.
func (c *Client) ReplyChannel(requestID string) broker.ReplyChannel {
	return &replyChannel{client: c, requestID: requestID}
}

// Close implements broker.Broker. The Redis connection and replicated map
// are owned by the caller, so this is a no-op, matching
// features/stream/pulse/clients/pulse.Client.Close.
func (c *Client) Close(context.Context) error { return nil }

type stream struct {
	stream *streaming.Stream
}

// Publish implements broker.Stream.
func (s *stream) Publish(ctx context.Context, event string, payload []byte) (string, error) {
	id, err := s.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("broker/pulse: publish: %w", err)
	}
	return id, nil
}

// Subscribe implements broker.Stream.
func (s *stream) Subscribe(ctx context.Context, group string) (broker.Subscription, error) {
	sink, err := s.stream.NewSink(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("broker/pulse: subscribe %s: %w", group, err)
	}
	sub := &subscription{sink: sink, out: make(chan broker.Message, 64), pending: make(map[string]*streaming.Event)}
	go sub.pump(sink.Subscribe())
	return sub, nil
}

// Destroy implements broker.Stream.
func (s *stream) Destroy(ctx context.Context) error {
	return s.stream.Destroy(ctx)
}

type subscription struct {
	sink *streaming.Sink
	out  chan broker.Message

	mu      sync.Mutex
	pending map[string]*streaming.Event
}

func (s *subscription) pump(in <-chan *streaming.Event) {
	defer close(s.out)
	for ev := range in {
		if ev == nil {
			continue
		}
		s.mu.Lock()
		s.pending[ev.ID] = ev
		s.mu.Unlock()
		s.out <- broker.Message{ID: ev.ID, Event: ev.EventName, Payload: ev.Payload}
	}
}

// Messages implements broker.Subscription.
func (s *subscription) Messages() <-chan broker.Message { return s.out }

// Ack implements broker.Subscription. The original *streaming.Event is kept
// from delivery time so Ack can hand Pulse back the exact entry it expects.
func (s *subscription) Ack(ctx context.Context, msg broker.Message) error {
	s.mu.Lock()
	ev, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	s.mu.Unlock()
	if !ok {
		ev = &streaming.Event{ID: msg.ID, EventName: msg.Event, Payload: msg.Payload}
	}
	return s.sink.Ack(ctx, ev)
}

// Close implements broker.Subscription.
func (s *subscription) Close(ctx context.Context) error {
	s.sink.Close(ctx)
	return nil
}

var _ broker.Broker = (*Client)(nil)
