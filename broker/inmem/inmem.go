// Package inmem is a single-process broker.Broker, grounded on the channel-
// backed Stream/KV doubles this module's own tests already use
// (worker/worker_test.go's fakeBroker/fakeStream/fakeSubscription,
// loop/loop_test.go and scheduler/scheduler_test.go's fakeKV) and on
// eventlog/inmem's mutex+map shape for the TTL bookkeeping a real broker.KV
// needs that those test doubles skip. It exists so cmd/demo and single-
// process integration tests can exercise the full C6 surface (ack'd
// pub/sub, TTL/CAS K/V, request/reply) without standing up Redis/Pulse,
// the way the teacher's own cmd/demo defaults to an in-memory engine.
//
// It is not durable and is not meant for production: messages live only as
// long as the process does, and delivery fans out to every subscriber
// present at publish time rather than replaying history to late joiners.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noetl/noetl/broker"
)

// Broker is an in-process implementation of broker.Broker.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	kv      *kv
	replies map[string]*replyChannel
}

// New builds an empty in-memory Broker.
func New() *Broker {
	return &Broker{
		streams: make(map[string]*stream),
		kv:      newKV(),
		replies: make(map[string]*replyChannel),
	}
}

func (b *Broker) Stream(_ context.Context, name string) (broker.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &stream{name: name, groups: make(map[string]*subscription)}
		b.streams[name] = s
	}
	return s, nil
}

func (b *Broker) KV() broker.KV { return b.kv }

func (b *Broker) ReplyChannel(requestID string) broker.ReplyChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	rc, ok := b.replies[requestID]
	if !ok {
		rc = &replyChannel{id: requestID, ch: make(chan broker.Message, 1), done: make(chan struct{})}
		b.replies[requestID] = rc
	}
	return rc
}

func (b *Broker) Close(context.Context) error { return nil }

// stream is a named, durable-within-process log. Each consumer group gets
// its own buffered channel and independent at-least-once delivery: a
// message published while a group has no active subscriber is dropped,
// matching the narrow guarantee cmd/demo and tests need (every consumer
// group here subscribes before publish begins).
type stream struct {
	mu     sync.Mutex
	name   string
	seq    int64
	groups map[string]*subscription
}

func (s *stream) Publish(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%s-%d", s.name, s.seq)
	groups := make([]*subscription, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.mu.Unlock()
	msg := broker.Message{ID: id, Event: event, Payload: payload}
	for _, g := range groups {
		select {
		case g.ch <- msg:
		default:
			// Buffer full: drop rather than block the publisher, same
			// trade-off a bounded Redis consumer-group buffer makes under
			// backpressure.
		}
	}
	return id, nil
}

func (s *stream) Subscribe(_ context.Context, group string) (broker.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.groups[group]
	if !ok {
		sub = &subscription{ch: make(chan broker.Message, 64)}
		s.groups[group] = sub
	}
	return sub, nil
}

func (s *stream) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		g.closeOnce()
	}
	s.groups = make(map[string]*subscription)
	return nil
}

type subscription struct {
	mu     sync.Mutex
	ch     chan broker.Message
	closed bool
}

func (s *subscription) Messages() <-chan broker.Message { return s.ch }

// Ack is a no-op: the in-memory stream has no pending-entries list to clear.
func (s *subscription) Ack(context.Context, broker.Message) error { return nil }

func (s *subscription) Close(context.Context) error {
	s.closeOnce()
	return nil
}

func (s *subscription) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// kv is a mutex+map broker.KV with per-key expiry, grounded on
// eventlog/inmem's mutex+map shape.
type kv struct {
	mu  sync.Mutex
	val map[string]string
	exp map[string]time.Time
}

func newKV() *kv { return &kv{val: make(map[string]string), exp: make(map[string]time.Time)} }

// getLocked returns the live value for key, evicting it first if expired.
// Caller must hold k.mu.
func (k *kv) getLocked(key string) (string, bool) {
	if exp, ok := k.exp[key]; ok && time.Now().After(exp) {
		delete(k.val, key)
		delete(k.exp, key)
		return "", false
	}
	v, ok := k.val[key]
	return v, ok
}

func (k *kv) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.getLocked(key)
	return v, ok, nil
}

func (k *kv) Set(_ context.Context, key, value string, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.val[key] = value
	if ttl > 0 {
		k.exp[key] = time.Now().Add(ttl)
	} else {
		delete(k.exp, key)
	}
	return nil
}

func (k *kv) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.getLocked(key); ok {
		return false, nil
	}
	k.val[key] = value
	if ttl > 0 {
		k.exp[key] = time.Now().Add(ttl)
	} else {
		delete(k.exp, key)
	}
	return true, nil
}

func (k *kv) CompareAndSet(_ context.Context, key, expected, newValue string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cur, _ := k.getLocked(key)
	if cur != expected {
		return cur, nil
	}
	k.val[key] = newValue
	delete(k.exp, key)
	return newValue, nil
}

func (k *kv) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.val, key)
	delete(k.exp, key)
	return nil
}

// replyChannel is a single-use request/reply rendezvous.
type replyChannel struct {
	id       string
	ch       chan broker.Message
	once     sync.Once
	done     chan struct{}
}

func (r *replyChannel) Receive(ctx context.Context) (broker.Message, error) {
	select {
	case msg := <-r.ch:
		r.closeOnce()
		return msg, nil
	case <-ctx.Done():
		r.closeOnce()
		return broker.Message{}, ctx.Err()
	case <-r.done:
		return broker.Message{}, fmt.Errorf("broker/inmem: reply channel %q closed", r.id)
	}
}

func (r *replyChannel) Reply(ctx context.Context, msg broker.Message) error {
	select {
	case r.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return fmt.Errorf("broker/inmem: reply channel %q closed", r.id)
	}
}

func (r *replyChannel) Close(context.Context) error {
	r.closeOnce()
	return nil
}

func (r *replyChannel) closeOnce() {
	r.once.Do(func() { close(r.done) })
}
