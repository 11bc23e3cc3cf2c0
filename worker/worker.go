// Package worker is the C10 Worker Runtime: a stateless poller that turns
// task notifications into tool executions. It is grounded on the teacher's
// runtime/toolregistry/executor/executor.go shape — a small Client-style
// seam, functional construction, and a subscribe/ack polling loop over a
// durable stream — generalized from "await one tool call's result over
// Pulse" to "continuously poll a pool's task stream and execute whatever
// arrives". Workers never mutate durable state except through the
// Dispatcher's RPCs and the Result Store (§4.10).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/errors"
	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/resultstore"
	"github.com/noetl/noetl/telemetry"
)

// DispatcherClient is the worker-facing RPC seam (§6.2). *dispatcher.Dispatcher
// satisfies it directly for in-process wiring; GRPCDispatcherClient adapts
// the hand-written gRPC stub (dispatcher.Client) for cross-process wiring.
type DispatcherClient interface {
	GetTask(ctx context.Context, executionID ids.ID, nodeID string) (engine.TaskSpec, error)
	Heartbeat(ctx context.Context, executionID ids.ID, nodeID string) error
	EmitEvent(ctx context.Context, e *eventlog.Event) (ids.ID, error)
	PutResult(ctx context.Context, executionID ids.ID, nodeID, nodeName string, result json.RawMessage) error
}

// RuntimeRegistrar is the pool-registration seam a Runtime calls on startup
// (§4.10 item 1: "register via RegisterRuntime(pool, capabilities, capacity)").
// It is bound to the Runtime Registration component.
type RuntimeRegistrar interface {
	RegisterRuntime(ctx context.Context, pool string, capabilities []string, capacity int) error
}

// Subscription names one (pool, kind) pair a Runtime polls for task
// notifications, mirroring the Dispatcher's "tasks.<pool>.<kind>" subject
// convention (§4.6).
type Subscription struct {
	Pool string
	Kind string
}

// Options configures a Runtime.
type Options struct {
	Client          DispatcherClient
	Broker          broker.Broker
	Results         resultstore.Store
	Registry        *Registry
	Registrar       RuntimeRegistrar
	Subscriptions   []Subscription
	Capacity        int
	LeaseTTL        time.Duration
	InlineThreshold int
	// RegistrationInterval, when set, makes Run re-call RegisterRuntime on
	// this cadence after the initial registration, so a Registrar can derive
	// pool health from registration staleness rather than a separate
	// heartbeat RPC. Zero disables re-registration (register once).
	RegistrationInterval time.Duration
	Logger               telemetry.Logger
	Metrics              telemetry.Metrics
}

// Runtime polls one or more pool/kind streams, resolves each task's tool
// executor by kind, runs it, routes the result to a sink if the step
// declares one, and reports back through EmitEvent. Capacity bounds how
// many tool executions run concurrently across all of its subscriptions.
type Runtime struct {
	client     DispatcherClient
	brk        broker.Broker
	results    resultstore.Store
	registry   *Registry
	registrar  RuntimeRegistrar
	subs       []Subscription
	capacity   int
	leaseTTL   time.Duration
	inline     int
	regInterval time.Duration
	logger     telemetry.Logger
	metrics    telemetry.Metrics
}

// New builds a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("worker: dispatcher client is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("worker: broker is required")
	}
	if opts.Results == nil {
		return nil, fmt.Errorf("worker: result store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("worker: tool registry is required")
	}
	if len(opts.Subscriptions) == 0 {
		return nil, fmt.Errorf("worker: at least one pool/kind subscription is required")
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Second
	}
	inline := opts.InlineThreshold
	if inline <= 0 {
		inline = resultstore.DefaultInlineThreshold
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	r := &Runtime{
		client:      opts.Client,
		brk:         opts.Broker,
		results:     opts.Results,
		registry:    opts.Registry,
		registrar:   opts.Registrar,
		subs:        opts.Subscriptions,
		capacity:    capacity,
		leaseTTL:    leaseTTL,
		inline:      inline,
		regInterval: opts.RegistrationInterval,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if r.logger == nil {
		r.logger = telemetry.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = telemetry.NoopMetrics{}
	}
	return r, nil
}

func streamName(pool, kind string) string { return fmt.Sprintf("tasks.%s.%s", pool, kind) }

// taskNotification mirrors the Dispatcher's wire payload; it is
// intentionally a local type since the Dispatcher's own definition is
// unexported (§6.2: workers fetch the full task through GetTask, never the
// notification itself).
type taskNotification struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Deadline    time.Time `json:"deadline"`
}

// Run registers the runtime (if a Registrar is bound) and polls every
// subscription until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	if r.registrar != nil {
		if err := r.registrar.RegisterRuntime(ctx, r.poolName(), r.capabilities(), r.capacity); err != nil {
			return errors.Wrap(errors.KindBrokerUnavailable, "worker: register runtime", err)
		}
		if r.regInterval > 0 {
			go r.reregisterLoop(ctx)
		}
	}

	sem := make(chan struct{}, r.capacity)
	var wg sync.WaitGroup
	for _, s := range r.subs {
		wg.Add(1)
		go func(s Subscription) {
			defer wg.Done()
			r.pollLoop(ctx, s, sem)
		}(s)
	}
	wg.Wait()
	return nil
}

// reregisterLoop periodically re-calls RegisterRuntime so a Registrar can
// derive pool health from registration staleness.
func (r *Runtime) reregisterLoop(ctx context.Context) {
	ticker := time.NewTicker(r.regInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.registrar.RegisterRuntime(ctx, r.poolName(), r.capabilities(), r.capacity); err != nil {
				r.logger.Error(ctx, "worker: re-register runtime failed", "pool", r.poolName(), "error", err)
			}
		}
	}
}

func (r *Runtime) poolName() string {
	if len(r.subs) == 0 {
		return "default"
	}
	return r.subs[0].Pool
}

func (r *Runtime) capabilities() []string {
	seen := make(map[string]bool, len(r.subs))
	var kinds []string
	for _, s := range r.subs {
		if seen[s.Kind] {
			continue
		}
		seen[s.Kind] = true
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func (r *Runtime) pollLoop(ctx context.Context, s Subscription, sem chan struct{}) {
	stream, err := r.brk.Stream(ctx, streamName(s.Pool, s.Kind))
	if err != nil {
		r.logger.Error(ctx, "worker: open task stream failed", "pool", s.Pool, "kind", s.Kind, "error", err)
		return
	}
	sub, err := stream.Subscribe(ctx, "worker."+s.Kind)
	if err != nil {
		r.logger.Error(ctx, "worker: subscribe failed", "pool", s.Pool, "kind", s.Kind, "error", err)
		return
	}
	defer sub.Close(context.Background())

	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			inflight.Add(1)
			go func(msg broker.Message) {
				defer inflight.Done()
				defer func() { <-sem }()
				r.handle(ctx, sub, msg, s)
			}(msg)
		}
	}
}

// handle decodes one task notification, drops it (after acking) if the
// lease already expired, fetches the full task, and executes it.
func (r *Runtime) handle(ctx context.Context, sub broker.Subscription, msg broker.Message, s Subscription) {
	defer func() {
		if err := sub.Ack(ctx, msg); err != nil {
			r.logger.Warn(ctx, "worker: ack failed", "pool", s.Pool, "kind", s.Kind, "error", err)
		}
	}()

	var note taskNotification
	if err := json.Unmarshal(msg.Payload, &note); err != nil {
		r.logger.Warn(ctx, "worker: malformed task notification", "error", err)
		return
	}
	if !note.Deadline.IsZero() && time.Now().After(note.Deadline) {
		r.metrics.IncCounter("worker.task.lease_expired", 1, "pool", s.Pool, "kind", s.Kind)
		return
	}
	executionID, err := parseWireID(note.ExecutionID)
	if err != nil {
		r.logger.Warn(ctx, "worker: malformed execution id", "execution_id", note.ExecutionID, "error", err)
		return
	}

	task, err := r.client.GetTask(ctx, executionID, note.NodeID)
	if err != nil {
		r.logger.Warn(ctx, "worker: get task failed", "node_id", note.NodeID, "error", err)
		return
	}

	r.execute(ctx, executionID, task)
}

func (r *Runtime) execute(ctx context.Context, executionID ids.ID, task engine.TaskSpec) {
	stop := r.startHeartbeat(ctx, executionID, task.NodeID)
	defer stop()

	ex, ok := r.registry.Resolve(task.Kind)
	if !ok {
		r.fail(ctx, executionID, task, errors.Errorf(errors.KindUnsupportedTool, "worker: no executor registered for tool kind %q", task.Kind))
		return
	}

	result, err := ex.Execute(ctx, task.Tool, task.Inputs)
	if err != nil {
		r.fail(ctx, executionID, task, err)
		return
	}

	if task.Sink != nil {
		if err := r.runSink(ctx, executionID, task, result); err != nil {
			r.logger.Warn(ctx, "worker: sink failed", "node_id", task.NodeID, "error", err)
		}
	}

	r.complete(ctx, executionID, task, result)
}

// startHeartbeat keeps task's lease alive at lease_timeout/3 cadence while
// a tool executes (§4.10 item 6), returning a stop func safe to call once.
func (r *Runtime) startHeartbeat(ctx context.Context, executionID ids.ID, nodeID string) func() {
	interval := r.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	stopCh := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.client.Heartbeat(ctx, executionID, nodeID); err != nil {
					r.logger.Warn(ctx, "worker: heartbeat failed", "node_id", nodeID, "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}

// complete inlines result when it fits under the configured threshold, or
// stores it through the Result Store and emits a ref otherwise, then
// appends step.completed.
func (r *Runtime) complete(ctx context.Context, executionID ids.ID, task engine.TaskSpec, result json.RawMessage) {
	payload := result
	if len(result) > r.inline {
		ref, err := r.results.Put(ctx, executionID, task.NodeName, resultstore.ScopeStep, result, resultstore.HintAuto)
		if err != nil {
			r.fail(ctx, executionID, task, errors.Wrap(errors.KindResultStoreUnavailable, "worker: store oversized result", err))
			return
		}
		refJSON, _ := json.Marshal(map[string]string{"$ref": ref.URI()})
		payload = refJSON
	}
	if _, err := r.client.EmitEvent(ctx, &eventlog.Event{
		ExecutionID: executionID, Type: eventlog.EventStepCompleted, NodeID: task.NodeID,
		NodeName: task.NodeName, NodeType: task.Kind, Status: eventlog.StatusCompleted, Result: payload,
	}); err != nil {
		r.logger.Error(ctx, "worker: emit step.completed failed", "node_id", task.NodeID, "error", err)
		return
	}
	r.metrics.IncCounter("worker.task.completed", 1, "kind", task.Kind)
}

func (r *Runtime) fail(ctx context.Context, executionID ids.ID, task engine.TaskSpec, cause error) {
	kind := errors.KindToolExecution
	if asErr, ok := cause.(*errors.Error); ok {
		kind = asErr.Kind
	}
	errJSON, _ := json.Marshal(map[string]string{"kind": string(kind), "message": cause.Error()})
	if _, err := r.client.EmitEvent(ctx, &eventlog.Event{
		ExecutionID: executionID, Type: eventlog.EventStepFailed, NodeID: task.NodeID,
		NodeName: task.NodeName, NodeType: task.Kind, Status: eventlog.StatusFailed, Error: errJSON,
	}); err != nil {
		r.logger.Error(ctx, "worker: emit step.failed failed", "node_id", task.NodeID, "error", err)
	}
	r.metrics.IncCounter("worker.task.failed", 1, "kind", task.Kind, "error_kind", string(kind))
}

// runSink brackets the sink tool invocation with sink.started/sink.completed
// events carrying only a summary, never the payload (§4.10 item 4), mirroring
// the loop aggregator's own runSink for the non-loop step case.
func (r *Runtime) runSink(ctx context.Context, executionID ids.ID, task engine.TaskSpec, result json.RawMessage) error {
	ex, ok := r.registry.Resolve(task.Sink.Tool.Kind)
	if !ok {
		return errors.Errorf(errors.KindUnsupportedTool, "worker: no executor registered for sink kind %q", task.Sink.Tool.Kind)
	}
	sinkCtx, _ := json.Marshal(map[string]string{"tool_kind": task.Sink.Tool.Kind})
	if _, err := r.client.EmitEvent(ctx, &eventlog.Event{
		ExecutionID: executionID, Type: eventlog.EventSinkStarted,
		NodeName: task.NodeName + ".sink", NodeType: task.Sink.Tool.Kind, Context: sinkCtx,
	}); err != nil {
		return err
	}
	if _, err := ex.Execute(ctx, task.Sink.Tool, result); err != nil {
		return err
	}
	_, err := r.client.EmitEvent(ctx, &eventlog.Event{
		ExecutionID: executionID, Type: eventlog.EventSinkCompleted,
		NodeName: task.NodeName + ".sink", NodeType: task.Sink.Tool.Kind,
	})
	return err
}

func parseWireID(s string) (ids.ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("worker: invalid id %q: %w", s, err)
	}
	return ids.ID(n), nil
}
