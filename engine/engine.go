package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/errors"
	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/telemetry"
	"github.com/noetl/noetl/transient"
)

// Catalog resolves a (path, version) pair to a normalized Graph. It stands
// in for the out-of-scope DSL parser/validator (§1): the engine treats its
// output as already-normalized input and never inspects playbook source
// text itself.
type Catalog interface {
	Load(ctx context.Context, path, version string) (Graph, string, error)
}

// TaskPublisher is the seam the Dispatcher (C8) implements: the engine
// decides *that* a step should run next; the Dispatcher decides *how* that
// decision reaches a worker (broker publish, lease bookkeeping). Keeping
// this as an engine-local interface (rather than importing package
// dispatcher) avoids a cycle, since dispatcher.Dispatcher.GetTask needs
// to call back into the engine to render a task's inputs.
type TaskPublisher interface {
	// Dispatch publishes a task notification for (executionID, nodeID) to
	// pool, with the given lease deadline. It must not block past the
	// broker's own publish timeout.
	Dispatch(ctx context.Context, executionID ids.ID, nodeID, pool, kind string, deadline time.Time) error
}

// LoopAdvancer is the seam the Loop Aggregator (C9) implements. The engine
// calls Advance once per dispatch cycle for every loop step whose
// predecessors are satisfied and which has not yet reached a terminal
// status; the aggregator owns everything about that step's sub-state
// machine (§4.9).
type LoopAdvancer interface {
	Advance(ctx context.Context, executionID ids.ID, g Graph, step Step) error
	// ResolveTask renders one loop iteration's task spec; the engine falls
	// back to it when a dispatched node_id does not name a plain graph
	// step (§4.9's iteration node_ids are owned by the loop aggregator). g
	// is passed through so the aggregator can look up the owning step's
	// Loop.Body for its Tool/Sink, which the node_id alone does not carry.
	ResolveTask(ctx context.Context, executionID ids.ID, g Graph, nodeID string) (TaskSpec, error)
}

// Options configures an Engine.
type Options struct {
	Catalog     Catalog
	Events      eventlog.Store
	Transient   *transient.Cache
	Broker      broker.Broker
	IDs         *ids.Allocator
	Dispatcher  TaskPublisher
	Loop        LoopAdvancer
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
	LeaseTTL    time.Duration
	DefaultPool string
}

// Engine implements the C7 Execution Engine: it is the only writer of
// execution/step-level events (§3.3) and the only component that decides
// the runnable frontier. Every decision is made by re-projecting Events
// (state.go); Engine itself caches nothing that the event log does not
// already make recoverable.
type Engine struct {
	catalog   Catalog
	events    eventlog.Store
	vars      *transient.Cache
	brk       broker.Broker
	idAlloc   *ids.Allocator
	publisher TaskPublisher
	loop      LoopAdvancer
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	leaseTTL  time.Duration
	defPool   string

	mu             sync.Mutex
	retryScheduled map[string]bool // nodeID -> true while its retry timer is pending, false once it fired
}

// New builds an Engine. Catalog, Events, and IDs are required.
func New(opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("engine: catalog is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("engine: event log store is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("engine: id allocator is required")
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Second
	}
	defPool := opts.DefaultPool
	if defPool == "" {
		defPool = "default"
	}
	e := &Engine{
		catalog:        opts.Catalog,
		events:         opts.Events,
		vars:           opts.Transient,
		brk:            opts.Broker,
		idAlloc:        opts.IDs,
		publisher:      opts.Dispatcher,
		loop:           opts.Loop,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		leaseTTL:       leaseTTL,
		defPool:        defPool,
		retryScheduled: make(map[string]bool),
	}
	if e.logger == nil {
		e.logger = telemetry.NoopLogger{}
	}
	if e.metrics == nil {
		e.metrics = telemetry.NoopMetrics{}
	}
	return e, nil
}

// BindDispatcher completes wiring once the Dispatcher (which itself needs a
// reference to the Engine to resolve tasks) has been constructed. Mirrors
// the explicit, two-phase composition-root pattern used for Options structs
// throughout this module (see SPEC_FULL.md's "Configuration" entry).
func (e *Engine) BindDispatcher(d TaskPublisher) { e.publisher = d }

// BindLoop completes wiring with the Loop Aggregator once constructed.
func (e *Engine) BindLoop(l LoopAdvancer) { e.loop = l }

// initContext is the payload recorded on playbook.initialized, letting
// every later Advance call reload the catalog path/version and workload
// without any state outside the event log (§3.3).
type initContext struct {
	CatalogPath    string          `json:"catalog_path"`
	CatalogVersion string          `json:"catalog_version"`
	Workload       json.RawMessage `json:"workload"`
}

// CreateExecution implements the §6.1 Engine RPC of the same name: it
// allocates an execution id, appends playbook.initialized, and triggers the
// first dispatch cycle.
func (e *Engine) CreateExecution(ctx context.Context, catalogPath, catalogVersion string, workload json.RawMessage, parentExecutionID ids.ID) (ids.ID, error) {
	if _, _, err := e.catalog.Load(ctx, catalogPath, catalogVersion); err != nil {
		return 0, errors.Wrap(errors.KindInputValidation, "engine: load catalog entry", err)
	}
	execID := e.idAlloc.Next()
	ic := initContext{CatalogPath: catalogPath, CatalogVersion: catalogVersion, Workload: workload}
	ctxJSON, _ := json.Marshal(ic)
	ev := &eventlog.Event{
		ExecutionID:     execID,
		ParentExecution: parentExecutionID,
		CreatedAt:       time.Now(),
		Type:            eventlog.EventPlaybookInitialized,
		Context:         ctxJSON,
	}
	if _, err := e.events.Append(ctx, ev); err != nil {
		return 0, errors.Wrap(errors.KindResultStoreUnavailable, "engine: append playbook.initialized", err)
	}
	e.metrics.IncCounter("engine.execution.created", 1)
	if err := e.Advance(ctx, execID); err != nil {
		e.logger.Warn(ctx, "engine: initial dispatch cycle failed", "execution_id", execID.String(), "error", err)
	}
	return execID, nil
}

// ExecutionSummary answers the §6.1 GetExecution RPC.
type ExecutionSummary struct {
	Status      string
	StartedAt   time.Time
	EndedAt     time.Time
	Error       string
	LastEventID ids.ID
}

// GetExecution projects the full event stream for executionID and
// summarizes it. Folding is always from the log (§4.7.2); there is no
// separate execution-status table.
func (e *Engine) GetExecution(ctx context.Context, executionID ids.ID) (ExecutionSummary, error) {
	events, err := e.readAll(ctx, executionID)
	if err != nil {
		return ExecutionSummary{}, err
	}
	if len(events) == 0 {
		return ExecutionSummary{}, fmt.Errorf("engine: execution %s not found", executionID)
	}
	st := Project(events)
	summary := ExecutionSummary{Status: "running", StartedAt: events[0].CreatedAt, LastEventID: st.LastEventID.EventID}
	if st.Terminal {
		summary.Status = st.Status
		summary.EndedAt = events[len(events)-1].CreatedAt
	}
	if st.Terminal && st.Status == "failed" {
		if g, gerr := mustGraph(ctx, e.catalog, events); gerr == nil {
			if name, failed := AnyFailed(g, st); failed {
				summary.Error = name
			}
		}
	}
	return summary, nil
}

// ListEvents answers the §6.1 RPC of the same name, delegating to the
// event log's paginated Read.
func (e *Engine) ListEvents(ctx context.Context, executionID ids.ID, fromEventID ids.ID, limit int) (eventlog.Page, error) {
	return e.events.Read(ctx, executionID, fromEventID, limit)
}

// TaskSpec is the full task payload a worker receives through the
// Dispatcher's GetTask RPC (§6.2): the rendered tool invocation for one
// node_id.
type TaskSpec struct {
	ExecutionID ids.ID
	NodeID      string
	NodeName    string
	Kind        string
	Tool        Tool
	Inputs      json.RawMessage
	// Sink, when set, is the post-processing storage action the Worker
	// Runtime routes the tool's result to after a successful run (§4.10
	// item 4), before emitting step.completed.
	Sink *SinkSpec
}

// ResolveTask implements the TaskResolver seam the Dispatcher (C8) calls on
// GetTask: it re-derives the rendered inputs for (executionID, nodeID) from
// the current projected state rather than from any cache. This is safe
// because every value a step's inputs can reference — predecessor results,
// the workload, transient vars — is already fixed by the time the step was
// dispatched (§4.7.3); re-rendering on demand reproduces the exact payload
// the engine published a notification for, without the engine needing to
// retain anything beyond the event log.
func (e *Engine) ResolveTask(ctx context.Context, executionID ids.ID, nodeID string) (TaskSpec, error) {
	events, err := e.readAll(ctx, executionID)
	if err != nil {
		return TaskSpec{}, err
	}
	st := Project(events)
	g, err := mustGraph(ctx, e.catalog, events)
	if err != nil {
		return TaskSpec{}, err
	}
	name, _ := parseNodeID(nodeID)
	s, ok := g.ByName(name)
	if !ok {
		if e.loop != nil {
			if ts, lerr := e.loop.ResolveTask(ctx, executionID, g, nodeID); lerr == nil {
				return ts, nil
			}
		}
		return TaskSpec{}, fmt.Errorf("engine: unknown step %q for node %q", name, nodeID)
	}
	ic, err := loadInitContext(events)
	if err != nil {
		return TaskSpec{}, err
	}
	rc := e.renderContextFor(ctx, executionID, st, ic.Workload, s.Inputs)
	return TaskSpec{
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeName:    name,
		Kind:        s.Tool.Kind,
		Tool:        s.Tool,
		Inputs:      Render(s.Inputs, rc),
		Sink:        s.Sink,
	}, nil
}

// parseNodeID splits a "name#attempt" node_id back into its step name and
// attempt number (nodeID's inverse, see dispatchStep).
func parseNodeID(nodeID string) (name string, attempt int) {
	idx := strings.LastIndex(nodeID, "#")
	if idx < 0 {
		return nodeID, 1
	}
	n, err := strconv.Atoi(nodeID[idx+1:])
	if err != nil {
		return nodeID, 1
	}
	return nodeID[:idx], n
}

// CancelExecution appends execution.cancel_requested (§5 "Cancellation and
// timeouts"); the next dispatch cycle stops emitting new tasks and, once
// in-flight leases expire, finalizes the execution as cancelled.
func (e *Engine) CancelExecution(ctx context.Context, executionID ids.ID) error {
	_, err := e.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID,
		CreatedAt:   time.Now(),
		Type:        eventlog.EventExecutionCancelReq,
	})
	if err != nil {
		return errors.Wrap(errors.KindResultStoreUnavailable, "engine: append cancel_requested", err)
	}
	return e.Advance(ctx, executionID)
}

// leaseKey is the broker K/V key guarding one execution's state mutations
// (§5 "Scheduling model").
func leaseKey(executionID ids.ID) string { return "lease:" + executionID.String() }

// acquireLease implements the per-execution exclusive lease via the
// broker's compare-and-set K/V primitive (§5): a holder id is written only
// if the key is absent, with a TTL bounding how long a crashed holder can
// block others.
func (e *Engine) acquireLease(ctx context.Context, executionID ids.ID, holder string) (bool, error) {
	if e.brk == nil {
		return true, nil // no broker wired (tests): single in-process caller assumed
	}
	ok, err := e.brk.KV().SetIfAbsent(ctx, leaseKey(executionID), holder, e.leaseTTL)
	if err != nil {
		return false, errors.Wrap(errors.KindBrokerUnavailable, "engine: acquire lease", err)
	}
	return ok, nil
}

func (e *Engine) releaseLease(ctx context.Context, executionID ids.ID) {
	if e.brk == nil {
		return
	}
	if err := e.brk.KV().Delete(ctx, leaseKey(executionID)); err != nil {
		e.logger.Warn(ctx, "engine: release lease failed", "execution_id", executionID.String(), "error", err)
	}
}

// Advance runs one dispatch cycle for executionID (§4.7.3): recompute the
// frontier, evaluate conditions, render inputs, dispatch tasks, and handle
// retries/terminal cascade/finalization. It is idempotent and safe to call
// repeatedly (e.g. once per incoming event, and once as the lease-conflict
// loser's refresh-and-retry per §7 LeaseConflict semantics).
func (e *Engine) Advance(ctx context.Context, executionID ids.ID) error {
	holder := fmt.Sprintf("engine-%d", time.Now().UnixNano())
	ok, err := e.acquireLease(ctx, executionID, holder)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.KindLeaseConflict, "engine: execution lease held by another instance")
	}
	defer e.releaseLease(ctx, executionID)

	events, err := e.readAll(ctx, executionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("engine: execution %s has no events", executionID)
	}
	st := Project(events)
	if st.Terminal {
		return nil
	}

	g, err := mustGraph(ctx, e.catalog, events)
	if err != nil {
		return err
	}

	if st.CancelRequested {
		return e.advanceCancellation(ctx, executionID, g, st)
	}

	if err := e.advanceRetries(ctx, executionID, g, st); err != nil {
		e.logger.Warn(ctx, "engine: retry pass failed", "execution_id", executionID.String(), "error", err)
	}

	if e.loop != nil {
		for _, s := range g.Steps {
			if !s.IsLoop() {
				continue
			}
			status, terminal := st.NodeStatus[s.Name]
			if terminal && status.Terminal() {
				continue
			}
			if !allDone(g.Predecessors(s.Name), st) {
				continue
			}
			if err := e.loop.Advance(ctx, executionID, g, s); err != nil {
				e.logger.Warn(ctx, "engine: loop advance failed", "execution_id", executionID.String(), "step", s.Name, "error", err)
			}
		}
	}

	frontier := Frontier(g, st)
	sort.Strings(frontier) // tie-break: dispatch in (here, name-ordered proxy for) node_id order, §4.7.6
	for _, name := range frontier {
		s, _ := g.ByName(name)
		if s.IsLoop() {
			continue // handled by the loop pass above
		}
		if err := e.dispatchStep(ctx, executionID, g, st, s, st.Attempts[name]+1); err != nil {
			e.logger.Warn(ctx, "engine: dispatch step failed", "execution_id", executionID.String(), "step", name, "error", err)
		}
	}

	return e.maybeFinalize(ctx, executionID, g, events)
}

// varRefPattern matches "vars.NAME" references inside "${...}" templates, so
// the engine can resolve only the transient variables a step actually
// references rather than needing a list-all operation from transient.Cache
// (which is keyed access only by design, see DESIGN.md's C5 entry).
var varRefPattern = regexp.MustCompile(`\$\{\s*vars\.([A-Za-z0-9_]+)`)

func collectVarNames(raws ...json.RawMessage) []string {
	seen := make(map[string]bool)
	var names []string
	for _, raw := range raws {
		for _, m := range varRefPattern.FindAllStringSubmatch(string(raw), -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

func (e *Engine) loadVars(ctx context.Context, executionID ids.ID, names []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(names))
	if e.vars == nil {
		return out
	}
	for _, n := range names {
		if v, ok, err := e.vars.Get(ctx, executionID, n); err == nil && ok {
			out[n] = v.Value
		}
	}
	return out
}

// renderContextFor builds the RenderContext a step's when-condition and
// inputs are evaluated against.
func (e *Engine) renderContextFor(ctx context.Context, executionID ids.ID, st State, workload json.RawMessage, templates ...json.RawMessage) RenderContext {
	vars := e.loadVars(ctx, executionID, collectVarNames(templates...))
	return RenderContext{Steps: st.NodeResult, Workload: workload, Vars: vars}
}

func (e *Engine) dispatchStep(ctx context.Context, executionID ids.ID, g Graph, st State, s Step, attempt int) error {
	workload, err := e.loadWorkload(ctx, executionID)
	if err != nil {
		return err
	}
	whenExpr := ""
	if s.When != nil {
		whenExpr = s.When.Expr
	}
	rc := e.renderContextFor(ctx, executionID, st, workload, s.Inputs, json.RawMessage(whenExpr))

	if s.When != nil {
		ok, err := EvaluateWhen(s.When.Expr, rc)
		if err != nil {
			return errors.Wrap(errors.KindInputValidation, "engine: evaluate when", err)
		}
		evalCtx, _ := json.Marshal(map[string]any{"step": s.Name, "expr": s.When.Expr, "result": ok})
		if _, err := e.events.Append(ctx, &eventlog.Event{
			ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventCaseEvaluated,
			NodeName: s.Name, NodeType: s.Kind, Context: evalCtx,
		}); err != nil {
			return err
		}
		if !ok {
			_, err := e.events.Append(ctx, &eventlog.Event{
				ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventStepSkipped,
				NodeID: nodeID(s.Name, attempt), NodeName: s.Name, NodeType: s.Kind, Status: eventlog.StatusSkipped,
			})
			return err
		}
	}

	nid := nodeID(s.Name, attempt)
	if _, err := e.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventStepStarted,
		NodeID: nid, NodeName: s.Name, NodeType: s.Kind, Status: eventlog.StatusRunning,
	}); err != nil {
		return errors.Wrap(errors.KindResultStoreUnavailable, "engine: append step.started", err)
	}

	pool := s.Pool
	if pool == "" {
		pool = e.defPool
	}
	deadline := time.Now().Add(stepTimeout(s))
	if e.publisher != nil {
		if err := e.publisher.Dispatch(ctx, executionID, nid, pool, s.Tool.Kind, deadline); err != nil {
			return errors.Wrap(errors.KindBrokerUnavailable, "engine: publish task notification", err)
		}
	}
	_, err = e.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventStepDispatched,
		NodeID: nid, NodeName: s.Name, NodeType: s.Kind, WorkerID: pool,
	})
	return err
}

func stepTimeout(s Step) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 30 * time.Second
}

func nodeID(name string, attempt int) string { return fmt.Sprintf("%s#%d", name, attempt) }

// failureKind extracts the "kind" field a worker's step.failed Error summary
// is expected to carry (errors.Kind, JSON-encoded). An empty or unparsable
// summary yields "", which errors.IsRetriable treats as retriable and
// RetryPolicy.Allows accepts only when RetryOn is empty.
func failureKind(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Kind
}

// retriesExhausted reports whether s's retry policy permits no further
// attempt given its last recorded outcome in st: true if s has no retry
// policy, or if s has failed and its failure kind is not retriable or
// RetryPolicy.Allows rejects the next attempt for it; false if s has a
// retry policy and has not failed. Shared by advanceRetries (decides whether
// to schedule another attempt) and cascadeCancellations (decides whether a
// failed step counts as "terminally failed" for §4.7.4's successor
// cascade — a failure with retries still available must not cascade-cancel
// its successors, since the next attempt may yet succeed).
func retriesExhausted(s Step, st State) bool {
	if s.Retry == nil {
		return true
	}
	status, ok := st.NodeStatus[s.Name]
	if !ok || status != eventlog.StatusFailed {
		return false
	}
	kind := failureKind(st.NodeError[s.Name])
	return !errors.IsRetriable(errors.Kind(kind)) || !s.Retry.Allows(st.Attempts[s.Name]+1, kind)
}

// advanceRetries re-dispatches failed steps whose retry policy still
// permits another attempt, after a capped-exponential-with-jitter backoff
// (§4.7.4). Retries are scheduled via a timer rather than dispatched
// synchronously so the backoff delay is honored; advanceRetries dedupes so
// only one timer is ever pending per node at a time.
func (e *Engine) advanceRetries(ctx context.Context, executionID ids.ID, g Graph, st State) error {
	for _, s := range g.Steps {
		if s.Retry == nil || s.IsLoop() {
			continue
		}
		status, ok := st.NodeStatus[s.Name]
		if !ok || status != eventlog.StatusFailed {
			continue
		}
		if retriesExhausted(s, st) {
			continue // retries exhausted, or this failure kind is terminal by policy
		}
		attempt := st.Attempts[s.Name]
		nid := st.CurrentNodeID[s.Name]
		e.mu.Lock()
		pending, seen := e.retryScheduled[nid]
		if !seen {
			e.retryScheduled[nid] = true
		} else if !pending {
			delete(e.retryScheduled, nid)
		}
		e.mu.Unlock()
		if seen && !pending {
			// nid's backoff has elapsed: dispatch the next attempt.
			if err := e.dispatchStep(ctx, executionID, g, st, s, attempt+1); err != nil {
				return err
			}
			continue
		}
		if seen {
			continue
		}
		backoff := backoffDuration(*s.Retry, attempt)
		e.metrics.RecordTimer("engine.retry.backoff", backoff, "step", s.Name)
		time.AfterFunc(backoff, func() {
			e.mu.Lock()
			e.retryScheduled[nid] = false
			e.mu.Unlock()
			bg := context.Background()
			if err := e.Advance(bg, executionID); err != nil {
				e.logger.Warn(bg, "engine: retry dispatch failed", "execution_id", executionID.String(), "step", s.Name, "error", err)
			}
		})
	}
	return nil
}

// backoffDuration computes a capped-exponential delay with jitter: the
// base doubles per attempt, capped at BackoffCap, with up to +/-20% jitter
// to avoid thundering-herd re-dispatch.
func backoffDuration(p RetryPolicy, attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	capDur := p.BackoffCap
	if capDur <= 0 {
		capDur = time.Second
	}
	d := base
	for i := 1; i < attempt && d < capDur; i++ {
		d *= 2
	}
	if d > capDur {
		d = capDur
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	if rand.Intn(2) == 0 {
		return d + jitter
	}
	return d - jitter
}

// advanceCancellation stops new dispatch and, once every in-flight node has
// reached a terminal status (naturally, as leases expire, per §5), emits
// execution.cancelled.
func (e *Engine) advanceCancellation(ctx context.Context, executionID ids.ID, g Graph, st State) error {
	inFlight := false
	for _, s := range g.Steps {
		status, ok := st.NodeStatus[s.Name]
		if ok && !status.Terminal() {
			inFlight = true
		}
	}
	if inFlight {
		return nil // wait for leases to expire; dispatcher's lease sweep re-triggers Advance
	}
	_, err := e.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventExecutionCancelled,
	})
	return err
}

// cascadeCancellations implements §4.7.4's terminal cascade: once every
// predecessor of a step has reached a terminal status but at least one of
// them is not completed/skipped (allDone's AND-join can then never be
// satisfied, since a failed or cancelled predecessor never becomes
// completed), the step itself can never become eligible and is marked
// cancelled. Runs to a fixpoint in one call so a chain a -> b -> c cancels
// all the way down when a fails, and mutates st in place so the caller's
// projection reflects the cascade without a second read from the event
// log. The finally step, if declared, is exempt — it is meant to run with
// error context after a failure, not be cancelled by one.
func (e *Engine) cascadeCancellations(ctx context.Context, executionID ids.ID, g Graph, st *State) error {
	for {
		progressed := false
		for _, s := range g.Steps {
			if s.Name == g.Finally {
				continue
			}
			if _, ok := st.NodeStatus[s.Name]; ok {
				continue // already started, skipped, or cascaded
			}
			preds := g.Predecessors(s.Name)
			if len(preds) == 0 {
				continue
			}
			allTerminal := true
			for _, p := range preds {
				status, ok := st.NodeStatus[p]
				if !ok || !status.Terminal() {
					allTerminal = false
					break
				}
				if status == eventlog.StatusFailed {
					if ps, found := g.ByName(p); found && !retriesExhausted(ps, *st) {
						allTerminal = false // a retry may still land; not terminally failed yet
						break
					}
				}
			}
			if !allTerminal || allDone(preds, *st) {
				continue
			}
			ce := &eventlog.Event{
				ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventStepSkipped,
				NodeID: nodeID(s.Name, 1), NodeName: s.Name, NodeType: s.Kind, Status: eventlog.StatusCancelled,
			}
			if _, err := e.events.Append(ctx, ce); err != nil {
				return errors.Wrap(errors.KindResultStoreUnavailable, "engine: append cancelled cascade event", err)
			}
			st.apply(ce)
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

// maybeFinalize emits the terminal playbook/execution event once every
// non-loop-body step and every loop step has reached a terminal status
// (§4.7.4 "terminal cascade").
func (e *Engine) maybeFinalize(ctx context.Context, executionID ids.ID, g Graph, events []*eventlog.Event) error {
	st := Project(events) // re-project: dispatchStep/advanceRetries may have appended more events this cycle
	if st.Terminal {
		return nil
	}
	if err := e.cascadeCancellations(ctx, executionID, g, &st); err != nil {
		return err
	}
	if !AllStepsTerminal(g, st) {
		return nil
	}
	if failedName, failed := AnyFailed(g, st); failed {
		if g.Finally != "" {
			if fs, ok := g.ByName(g.Finally); ok {
				if status, seen := st.NodeStatus[fs.Name]; !seen || !status.Terminal() {
					errCtx, _ := json.Marshal(map[string]string{"failed_step": failedName})
					return e.dispatchStepWithContext(ctx, executionID, g, st, fs, errCtx)
				}
			}
		}
		errBody, _ := json.Marshal(map[string]string{"node_name": failedName, "kind": string(errors.KindToolExecution)})
		_, err := e.events.Append(ctx, &eventlog.Event{
			ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventExecutionFailed, Error: errBody,
		})
		return err
	}
	_, err := e.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventExecutionCompleted,
	})
	return err
}

func (e *Engine) dispatchStepWithContext(ctx context.Context, executionID ids.ID, g Graph, st State, s Step, errCtx json.RawMessage) error {
	nid := nodeID(s.Name, 1)
	if _, err := e.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventStepStarted,
		NodeID: nid, NodeName: s.Name, NodeType: s.Kind, Status: eventlog.StatusRunning, Context: errCtx,
	}); err != nil {
		return err
	}
	pool := s.Pool
	if pool == "" {
		pool = e.defPool
	}
	if e.publisher != nil {
		if err := e.publisher.Dispatch(ctx, executionID, nid, pool, s.Tool.Kind, time.Now().Add(stepTimeout(s))); err != nil {
			return err
		}
	}
	_, err := e.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventStepDispatched,
		NodeID: nid, NodeName: s.Name, NodeType: s.Kind, WorkerID: pool,
	})
	return err
}

func (e *Engine) readAll(ctx context.Context, executionID ids.ID) ([]*eventlog.Event, error) {
	var all []*eventlog.Event
	from := ids.ID(0)
	for {
		page, err := e.events.Read(ctx, executionID, from, 1000)
		if err != nil {
			return nil, errors.Wrap(errors.KindResultStoreUnavailable, "engine: read events", err)
		}
		all = append(all, page.Events...)
		if len(page.Events) == 0 {
			break
		}
		from = page.Events[len(page.Events)-1].EventID
		if page.NextCursor == "" {
			break
		}
	}
	return all, nil
}

func (e *Engine) loadWorkload(ctx context.Context, executionID ids.ID) (json.RawMessage, error) {
	events, err := e.readAll(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ic, err := loadInitContext(events)
	if err != nil {
		return nil, err
	}
	return ic.Workload, nil
}

func loadInitContext(events []*eventlog.Event) (initContext, error) {
	for _, e := range events {
		if e.Type == eventlog.EventPlaybookInitialized {
			var ic initContext
			if err := json.Unmarshal(e.Context, &ic); err != nil {
				return initContext{}, err
			}
			return ic, nil
		}
	}
	return initContext{}, fmt.Errorf("engine: no playbook.initialized event found")
}

func mustGraph(ctx context.Context, catalog Catalog, events []*eventlog.Event) (Graph, error) {
	ic, err := loadInitContext(events)
	if err != nil {
		return Graph{}, err
	}
	g, _, err := catalog.Load(ctx, ic.CatalogPath, ic.CatalogVersion)
	return g, err
}
