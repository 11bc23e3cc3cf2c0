// Package registry implements the Runtime Registration entity named in
// spec.md §3.1 ("per-server / per-worker-pool record with kind,
// capabilities, capacity, status, last heartbeat") and answers the
// RegisterRuntime RPC of §6.1.
//
// It is grounded on the teacher's registry/health_tracker.go ping/pong
// shape: a pool is considered healthy as long as it keeps re-registering
// inside a staleness window. Where the teacher derives that window from an
// explicit last-pong timestamp stored in a Pulse replicated map, this
// package gets the same effect more directly from broker.KV's per-key TTL
// (the entry expiring *is* the staleness signal), since every other
// cross-node-shared, ephemeral fact in this module (leases, loop counters)
// already goes through the same broker.KV seam rather than a second
// dedicated replicated map.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/errors"
)

// Entry is one pool's last-known registration.
type Entry struct {
	Pool         string    `json:"pool"`
	Capabilities []string  `json:"capabilities"`
	Capacity     int       `json:"capacity"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RuntimeRegistry tracks worker-pool registrations and derives pool health
// from registration staleness. It satisfies worker.RuntimeRegistrar.
type RuntimeRegistry struct {
	kv  broker.KV
	ttl time.Duration
}

// New builds a RuntimeRegistry backed by kv. ttl is both the staleness
// window a pool is considered healthy for and the TTL of the stored entry;
// workers are expected to re-register well inside it (spec.md §4.10 runs
// RegisterRuntime once at startup; the Worker Runtime additionally
// re-registers on worker.Options.RegistrationInterval, which should be a
// fraction of ttl the way heartbeat_interval is a fraction of lease_timeout).
func New(kv broker.KV, ttl time.Duration) *RuntimeRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RuntimeRegistry{kv: kv, ttl: ttl}
}

func key(pool string) string { return fmt.Sprintf("runtime:%s", pool) }

// RegisterRuntime implements worker.RuntimeRegistrar.
func (r *RuntimeRegistry) RegisterRuntime(ctx context.Context, pool string, capabilities []string, capacity int) error {
	e := Entry{Pool: pool, Capabilities: capabilities, Capacity: capacity, RegisteredAt: time.Now().UTC()}
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(errors.KindInputValidation, "registry: marshal runtime entry", err)
	}
	if err := r.kv.Set(ctx, key(pool), string(body), r.ttl); err != nil {
		return errors.Wrap(errors.KindBrokerUnavailable, "registry: register runtime", err)
	}
	return nil
}

// Get returns the last registration recorded for pool, if any is still
// within its staleness window.
func (r *RuntimeRegistry) Get(ctx context.Context, pool string) (Entry, bool, error) {
	raw, ok, err := r.kv.Get(ctx, key(pool))
	if err != nil {
		return Entry{}, false, errors.Wrap(errors.KindBrokerUnavailable, "registry: get runtime entry", err)
	}
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, errors.Wrap(errors.KindInputValidation, "registry: decode runtime entry", err)
	}
	return e, true, nil
}

// IsHealthy reports whether pool has an unexpired registration. An unknown
// pool (one that never registered, or whose TTL lapsed) is unhealthy.
func (r *RuntimeRegistry) IsHealthy(ctx context.Context, pool string) bool {
	_, ok, err := r.Get(ctx, pool)
	return err == nil && ok
}
