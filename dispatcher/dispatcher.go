// Package dispatcher is the C8 Dispatcher: it publishes task notifications
// to the broker on the engine's behalf, exposes the worker-facing GetTask/
// EmitEvent/Heartbeat/PutResult RPCs, and supervises lease timeouts. It is
// grounded on the teacher's client-adapter boundary
// (runtime/registry/grpc_client_adapter.go) for the "thin transport over a
// plain Go method set" shape, and on
// features/model/middleware/ratelimit.go's AdaptiveRateLimiter for the
// token-bucket publish throttle (golang.org/x/time/rate), simplified to a
// fixed-rate limiter since the spec does not call for adaptive feedback.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/errors"
	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/telemetry"
)

// TaskResolver is the engine-side seam: Dispatcher never renders a task's
// inputs itself, it asks the engine to (engine.Engine.ResolveTask satisfies
// this automatically).
type TaskResolver interface {
	ResolveTask(ctx context.Context, executionID ids.ID, nodeID string) (engine.TaskSpec, error)
}

// Advancer is the engine-side seam invoked after a worker's event lands in
// the log: Dispatcher itself never decides what runs next.
type Advancer interface {
	Advance(ctx context.Context, executionID ids.ID) error
}

// PoolHealth is the Runtime Registration seam the Dispatcher optionally
// consults before publishing, so an operator can see in logs/metrics that a
// task was just sent to a pool with no live registration
// (registry.RuntimeRegistry satisfies this). Unhealthy pools are not
// refused: §4.8's lease-timeout sweep already recovers a task nobody picks
// up, so health here is advisory, not a gate.
type PoolHealth interface {
	IsHealthy(ctx context.Context, pool string) bool
}

// Options configures a Dispatcher.
type Options struct {
	Broker       broker.Broker
	Events       eventlog.Store
	Resolver     TaskResolver
	Advancer     Advancer
	Registry     PoolHealth
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
	LeaseTTL     time.Duration
	SweepEvery   time.Duration
	PublishRate  float64 // notifications/sec; zero disables throttling
	PublishBurst int
}

// leaseEntry tracks one dispatched node_id's timeout bookkeeping.
type leaseEntry struct {
	executionID ids.ID
	pool        string
	kind        string
	deadline    time.Time
}

// Dispatcher implements the C8 component described in spec.md §4.8: it is
// the only component that publishes to the broker's "tasks.<pool>.<kind>"
// streams, and the only writer of step.lost events.
type Dispatcher struct {
	brk      broker.Broker
	events   eventlog.Store
	resolver TaskResolver
	advancer Advancer
	registry PoolHealth
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	leaseTTL time.Duration
	limiter  *rate.Limiter

	mu     sync.Mutex
	leases map[string]leaseEntry // node_id -> lease bookkeeping

	stop chan struct{}
}

// New builds a Dispatcher and starts its lease-timeout sweep goroutine.
func New(opts Options) (*Dispatcher, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("dispatcher: broker is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("dispatcher: event log store is required")
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Second
	}
	sweepEvery := opts.SweepEvery
	if sweepEvery <= 0 {
		sweepEvery = leaseTTL / 2
		if sweepEvery <= 0 {
			sweepEvery = time.Second
		}
	}
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst <= 0 {
			burst = int(opts.PublishRate)
			if burst <= 0 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), burst)
	}
	d := &Dispatcher{
		brk:      opts.Broker,
		events:   opts.Events,
		resolver: opts.Resolver,
		advancer: opts.Advancer,
		registry: opts.Registry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		leaseTTL: leaseTTL,
		limiter:  limiter,
		leases:   make(map[string]leaseEntry),
		stop:     make(chan struct{}),
	}
	if d.logger == nil {
		d.logger = telemetry.NoopLogger{}
	}
	if d.metrics == nil {
		d.metrics = telemetry.NoopMetrics{}
	}
	go d.sweepLoop(sweepEvery)
	return d, nil
}

// BindResolver/BindAdvancer complete two-phase wiring with the Engine,
// mirroring engine.Engine.BindDispatcher for the other half of the cycle.
func (d *Dispatcher) BindResolver(r TaskResolver) { d.resolver = r }
func (d *Dispatcher) BindAdvancer(a Advancer)     { d.advancer = a }

// Close stops the sweep goroutine.
func (d *Dispatcher) Close() { close(d.stop) }

// taskNotification is the small pointer payload published to the broker
// (§6.2): workers fetch the full task through GetTask, never through the
// notification itself.
type taskNotification struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Deadline    time.Time `json:"deadline"`
}

func streamName(pool, kind string) string { return fmt.Sprintf("tasks.%s.%s", pool, kind) }

// Dispatch implements engine.TaskPublisher: it publishes a task notification
// and begins tracking the node's lease deadline for timeout supervision.
func (d *Dispatcher) Dispatch(ctx context.Context, executionID ids.ID, nodeID, pool, kind string, deadline time.Time) error {
	if d.registry != nil && !d.registry.IsHealthy(ctx, pool) {
		d.logger.Warn(ctx, "dispatcher: publishing to pool with no live registration", "pool", pool, "node_id", nodeID)
		d.metrics.IncCounter("dispatcher.task.published_unhealthy_pool", 1, "pool", pool, "kind", kind)
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return errors.Wrap(errors.KindBrokerUnavailable, "dispatcher: publish rate limit wait", err)
		}
	}
	s, err := d.brk.Stream(ctx, streamName(pool, kind))
	if err != nil {
		return errors.Wrap(errors.KindBrokerUnavailable, "dispatcher: open task stream", err)
	}
	body, _ := json.Marshal(taskNotification{ExecutionID: executionID.String(), NodeID: nodeID, Deadline: deadline})
	if _, err := s.Publish(ctx, "task.dispatched", body); err != nil {
		return errors.Wrap(errors.KindBrokerUnavailable, "dispatcher: publish task notification", err)
	}
	d.mu.Lock()
	d.leases[nodeID] = leaseEntry{executionID: executionID, pool: pool, kind: kind, deadline: deadline}
	d.mu.Unlock()
	d.metrics.IncCounter("dispatcher.task.published", 1, "pool", pool, "kind", kind)
	return nil
}

// GetTask answers the worker-facing RPC of the same name (§6.2): it asks
// the engine to render the task's inputs fresh rather than replaying a
// cached copy of what was published.
func (d *Dispatcher) GetTask(ctx context.Context, executionID ids.ID, nodeID string) (engine.TaskSpec, error) {
	if d.resolver == nil {
		return engine.TaskSpec{}, fmt.Errorf("dispatcher: no task resolver bound")
	}
	return d.resolver.ResolveTask(ctx, executionID, nodeID)
}

// Heartbeat extends a node's lease deadline, answering the worker-facing
// RPC used to keep a long-running tool's task from being declared lost
// (§4.8 "lease_timeout/3" cadence is the caller's responsibility; here we
// simply push the deadline forward by leaseTTL).
func (d *Dispatcher) Heartbeat(ctx context.Context, executionID ids.ID, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.leases[nodeID]
	if !ok || entry.executionID != executionID {
		return fmt.Errorf("dispatcher: no active lease for node %q", nodeID)
	}
	entry.deadline = time.Now().Add(d.leaseTTL)
	d.leases[nodeID] = entry
	return nil
}

// EmitEvent is the worker-facing event-ingest RPC (§6.2): it appends the
// event to the log, clears lease bookkeeping once the node_id's status is
// terminal, and triggers the engine's next dispatch cycle.
func (d *Dispatcher) EmitEvent(ctx context.Context, e *eventlog.Event) (ids.ID, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	eventID, err := d.events.Append(ctx, e)
	if err != nil {
		return 0, errors.Wrap(errors.KindResultStoreUnavailable, "dispatcher: append event", err)
	}
	if e.Status.Terminal() {
		d.mu.Lock()
		delete(d.leases, e.NodeID)
		d.mu.Unlock()
	}
	d.metrics.IncCounter("dispatcher.event.emitted", 1, "type", string(e.Type))
	if d.advancer != nil {
		if err := d.advancer.Advance(ctx, e.ExecutionID); err != nil {
			d.logger.Warn(ctx, "dispatcher: post-event advance failed", "execution_id", e.ExecutionID.String(), "error", err)
		}
	}
	return eventID, nil
}

// PutResult is a convenience RPC for workers whose tool result arrives
// separately from their terminal step.completed/failed event (e.g. a
// streamed result uploaded incrementally): it records a step.result event
// carrying the ResultRef or inline payload the worker already wrote through
// resultstore.Store.
func (d *Dispatcher) PutResult(ctx context.Context, executionID ids.ID, nodeID, nodeName string, result json.RawMessage) error {
	_, err := d.EmitEvent(ctx, &eventlog.Event{
		ExecutionID: executionID,
		Type:        eventlog.EventStepResult,
		NodeID:      nodeID,
		NodeName:    nodeName,
		Result:      result,
	})
	return err
}

// sweepLoop periodically scans in-flight leases for an expired deadline
// with no intervening heartbeat and emits step.lost (§4.8, §8 "retry
// exhaustion" boundary case), then asks the engine to re-advance so its
// retry pass can re-dispatch a fresh attempt.
func (d *Dispatcher) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.sweepOnce()
		}
	}
}

func (d *Dispatcher) sweepOnce() {
	now := time.Now()
	var expired []struct {
		nodeID string
		entry  leaseEntry
	}
	d.mu.Lock()
	for nodeID, entry := range d.leases {
		if now.After(entry.deadline) {
			expired = append(expired, struct {
				nodeID string
				entry  leaseEntry
			}{nodeID, entry})
			delete(d.leases, nodeID)
		}
	}
	d.mu.Unlock()

	ctx := context.Background()
	seen := make(map[ids.ID]bool, len(expired))
	for _, x := range expired {
		d.metrics.IncCounter("dispatcher.task.lost", 1, "pool", x.entry.pool)
		if _, err := d.events.Append(ctx, &eventlog.Event{
			ExecutionID: x.entry.executionID,
			CreatedAt:   now,
			Type:        eventlog.EventStepLost,
			NodeID:      x.nodeID,
		}); err != nil {
			d.logger.Warn(ctx, "dispatcher: append step.lost failed", "node_id", x.nodeID, "error", err)
			continue
		}
		seen[x.entry.executionID] = true
	}
	if d.advancer == nil {
		return
	}
	for executionID := range seen {
		if err := d.advancer.Advance(ctx, executionID); err != nil {
			d.logger.Warn(ctx, "dispatcher: post-sweep advance failed", "execution_id", executionID.String(), "error", err)
		}
	}
}

var _ engine.TaskPublisher = (*Dispatcher)(nil)
