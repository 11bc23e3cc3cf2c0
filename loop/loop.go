// Package loop is the C9 Loop Aggregator: it owns the sub-state machine for
// a step's fan-out iteration (§4.9), dispatching one task per collection
// element, tracking completion through the broker's K/V compare-and-set
// primitive rather than by holding per-iteration payloads in memory, and
// folding the closed set of iteration results into a single manifest via
// the Result Store's Combine. It is grounded on the teacher's
// engine/inmem.Engine goroutine-per-run shape for the dispatch side and on
// resultstore's own NewManifest/PutPart/CloseManifest contract for
// aggregation, generalized from "one workflow run" to "one loop step's
// iterations".
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/errors"
	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/resultstore"
	"github.com/noetl/noetl/telemetry"
)

// Options configures an Aggregator.
type Options struct {
	Events             eventlog.Store
	Results            resultstore.Store
	Broker             broker.Broker
	Dispatcher         engine.TaskPublisher
	Logger             telemetry.Logger
	Metrics            telemetry.Metrics
	DefaultConcurrency int
	DefaultPool        string
}

// Aggregator implements engine.LoopAdvancer.
type Aggregator struct {
	events      eventlog.Store
	results     resultstore.Store
	brk         broker.Broker
	publisher   engine.TaskPublisher
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	defaultConc int
	defaultPool string
}

// New builds an Aggregator.
func New(opts Options) (*Aggregator, error) {
	if opts.Events == nil {
		return nil, fmt.Errorf("loop: event log store is required")
	}
	if opts.Results == nil {
		return nil, fmt.Errorf("loop: result store is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("loop: broker is required")
	}
	conc := opts.DefaultConcurrency
	if conc <= 0 {
		conc = 4
	}
	pool := opts.DefaultPool
	if pool == "" {
		pool = "default"
	}
	a := &Aggregator{
		events:      opts.Events,
		results:     opts.Results,
		brk:         opts.Broker,
		publisher:   opts.Dispatcher,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		defaultConc: conc,
		defaultPool: pool,
	}
	if a.logger == nil {
		a.logger = telemetry.NoopLogger{}
	}
	if a.metrics == nil {
		a.metrics = telemetry.NoopMetrics{}
	}
	return a, nil
}

// BindDispatcher completes two-phase wiring with the Dispatcher.
func (a *Aggregator) BindDispatcher(d engine.TaskPublisher) { a.publisher = d }

// loopState is read back from the event log on every Advance call; the
// aggregator never trusts in-memory counts across calls, matching the
// engine's own "state is always recomputed from events" rule (§4.7.2).
type loopState struct {
	started    *eventlog.Event
	completed  bool
	elements   []json.RawMessage
	manifest   resultstore.ResultRef
	iterStatus map[int]eventlog.Status // index -> latest status
	iterAttempt map[int]int
}

func iterNodeID(stepName string, index, attempt int) string {
	return fmt.Sprintf("%s[%d]#%d", stepName, index, attempt)
}

func iterNodeName(stepName string, index int) string {
	return fmt.Sprintf("%s[%d]", stepName, index)
}

// parseIterNodeID splits "stepName[index]#attempt" back into its parts. ok
// is false for any node_id not shaped like a loop iteration.
func parseIterNodeID(nodeID string) (stepName string, index, attempt int, ok bool) {
	hashIdx := strings.LastIndex(nodeID, "#")
	if hashIdx < 0 {
		return "", 0, 0, false
	}
	attempt, err := strconv.Atoi(nodeID[hashIdx+1:])
	if err != nil {
		return "", 0, 0, false
	}
	body := nodeID[:hashIdx]
	open := strings.LastIndex(body, "[")
	if open < 0 || !strings.HasSuffix(body, "]") {
		return "", 0, 0, false
	}
	index, err = strconv.Atoi(body[open+1 : len(body)-1])
	if err != nil {
		return "", 0, 0, false
	}
	return body[:open], index, attempt, true
}

func (a *Aggregator) loadState(ctx context.Context, executionID ids.ID, stepName string) (loopState, error) {
	var st loopState
	st.iterStatus = make(map[int]eventlog.Status)
	st.iterAttempt = make(map[int]int)

	events, err := a.readAll(ctx, executionID)
	if err != nil {
		return st, err
	}
	for _, e := range events {
		switch {
		case e.Type == eventlog.EventLoopStarted && e.NodeName == stepName:
			ev := *e
			st.started = &ev
			var startCtx struct {
				Elements []json.RawMessage `json:"elements"`
				Manifest string            `json:"manifest"`
			}
			if err := json.Unmarshal(e.Context, &startCtx); err == nil {
				st.elements = startCtx.Elements
				if startCtx.Manifest != "" {
					if ref, perr := resultstore.ParseRef(startCtx.Manifest); perr == nil {
						st.manifest = ref
					}
				}
			}
		case e.Type == eventlog.EventLoopCompleted && e.NodeName == stepName:
			st.completed = true
		case e.LoopName == stepName && (e.Type == eventlog.EventStepStarted || e.Type == eventlog.EventStepCompleted || e.Type == eventlog.EventStepFailed || e.Type == eventlog.EventStepSkipped):
			if !e.HasIndex {
				continue
			}
			if e.Type == eventlog.EventStepStarted {
				st.iterAttempt[e.CurrentIndex]++
				if cur, ok := st.iterStatus[e.CurrentIndex]; !ok || !cur.Terminal() {
					st.iterStatus[e.CurrentIndex] = eventlog.StatusRunning
				}
				continue
			}
			status := eventlog.StatusCompleted
			if e.Type == eventlog.EventStepFailed {
				status = eventlog.StatusFailed
			} else if e.Type == eventlog.EventStepSkipped {
				status = eventlog.StatusSkipped
			}
			if cur, ok := st.iterStatus[e.CurrentIndex]; !ok || !cur.Terminal() {
				st.iterStatus[e.CurrentIndex] = status
			}
		}
	}
	return st, nil
}

func (a *Aggregator) readAll(ctx context.Context, executionID ids.ID) ([]*eventlog.Event, error) {
	var all []*eventlog.Event
	from := ids.ID(0)
	for {
		page, err := a.events.Read(ctx, executionID, from, 1000)
		if err != nil {
			return nil, errors.Wrap(errors.KindResultStoreUnavailable, "loop: read events", err)
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

// Advance implements engine.LoopAdvancer: it starts the loop on first entry
// (rendering Collection, opening a manifest, dispatching the first wave of
// iterations) and otherwise progresses it (dispatching more iterations as
// capacity allows, and finalizing once every element has a terminal
// status).
func (a *Aggregator) Advance(ctx context.Context, executionID ids.ID, g engine.Graph, step engine.Step) error {
	st, err := a.loadState(ctx, executionID, step.Name)
	if err != nil {
		return err
	}
	if st.completed {
		return nil
	}
	if st.started == nil {
		return a.start(ctx, executionID, step, st)
	}
	return a.progress(ctx, executionID, step, st)
}

// ResolveTask implements the seam engine.Engine.ResolveTask falls back to
// for iteration node_ids.
func (a *Aggregator) ResolveTask(ctx context.Context, executionID ids.ID, g engine.Graph, nodeID string) (engine.TaskSpec, error) {
	stepName, index, _, ok := parseIterNodeID(nodeID)
	if !ok {
		return engine.TaskSpec{}, fmt.Errorf("loop: %q is not a loop iteration node", nodeID)
	}
	step, ok := g.ByName(stepName)
	if !ok || step.Loop == nil || step.Loop.Body == nil {
		return engine.TaskSpec{}, fmt.Errorf("loop: %q has no loop body in the current graph", stepName)
	}
	st, err := a.loadState(ctx, executionID, stepName)
	if err != nil {
		return engine.TaskSpec{}, err
	}
	if st.started == nil || index >= len(st.elements) {
		return engine.TaskSpec{}, fmt.Errorf("loop: no element %d recorded for step %q", index, stepName)
	}
	element := st.elements[index]
	rc := engine.RenderContext{
		Workload: element,
		Loop: &engine.LoopContext{
			ElementVar: step.Loop.ElementVar,
			Element:    element,
			Index:      index,
			First:      index == 0,
			Last:       index == len(st.elements)-1,
		},
	}
	inputs := step.Loop.Body.Inputs
	if len(inputs) == 0 {
		inputs, _ = json.Marshal(map[string]any{"element": json.RawMessage(element), "index": index})
	} else {
		inputs = engine.Render(inputs, rc)
	}
	return engine.TaskSpec{
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeName:    iterNodeName(stepName, index),
		Kind:        step.Loop.Body.Tool.Kind,
		Tool:        step.Loop.Body.Tool,
		Inputs:      inputs,
		Sink:        step.Loop.Body.Sink,
	}, nil
}

func renderCollection(step engine.Step, workload json.RawMessage, priorResults map[string]json.RawMessage) ([]json.RawMessage, error) {
	expr := strings.TrimSpace(step.Loop.Collection)
	rc := engine.RenderContext{Steps: priorResults, Workload: workload}
	var rendered json.RawMessage
	if strings.HasPrefix(expr, "${") {
		rendered = engine.Render(json.RawMessage(expr), rc)
	} else {
		rendered = json.RawMessage(expr)
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(rendered, &elements); err != nil {
		return nil, errors.Wrap(errors.KindInputValidation, "loop: collection did not render to a JSON array", err)
	}
	return elements, nil
}

func (a *Aggregator) start(ctx context.Context, executionID ids.ID, step engine.Step, _ loopState) error {
	if step.Loop == nil || step.Loop.Body == nil {
		return errors.New(errors.KindInputValidation, "loop: step has no loop body")
	}
	events, err := a.readAll(ctx, executionID)
	if err != nil {
		return err
	}
	workload, priorResults := workloadAndResults(events)
	elements, err := renderCollection(step, workload, priorResults)
	if err != nil {
		return err
	}

	strategy := resultstore.Strategy(step.Loop.Combine)
	manifestRef, err := a.results.NewManifest(ctx, executionID, step.Name, resultstore.ScopeExecution, strategy, step.Loop.ArrayPath)
	if err != nil {
		return errors.Wrap(errors.KindResultStoreUnavailable, "loop: open manifest", err)
	}

	counterKey := completedCounterKey(executionID, step.Name)
	if err := a.brk.KV().Set(ctx, counterKey, "0", 0); err != nil {
		a.logger.Warn(ctx, "loop: init completion counter failed", "step", step.Name, "error", err)
	}

	startCtx, _ := json.Marshal(map[string]any{
		"elements": elements,
		"manifest": manifestRef.URI(),
		"total":    len(elements),
	})
	if _, err := a.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventLoopStarted,
		NodeName: step.Name, NodeType: step.Kind, LoopName: step.Name, Context: startCtx,
	}); err != nil {
		return errors.Wrap(errors.KindResultStoreUnavailable, "loop: append loop.started", err)
	}
	a.metrics.IncCounter("loop.started", 1, "step", step.Name)

	if len(elements) == 0 {
		return a.finalize(ctx, executionID, step, manifestRef)
	}

	concurrency := step.Loop.Concurrency
	if concurrency <= 0 {
		concurrency = a.defaultConc
	}
	if step.Loop.Mode == "sequential" {
		concurrency = 1
	}
	for i := 0; i < len(elements) && i < concurrency; i++ {
		if err := a.dispatchIteration(ctx, executionID, step, i, 1); err != nil {
			a.logger.Warn(ctx, "loop: dispatch iteration failed", "step", step.Name, "index", i, "error", err)
		}
	}
	return nil
}

func workloadAndResults(events []*eventlog.Event) (json.RawMessage, map[string]json.RawMessage) {
	results := make(map[string]json.RawMessage)
	var workload json.RawMessage
	for _, e := range events {
		if e.Type == eventlog.EventPlaybookInitialized {
			var ic struct {
				Workload json.RawMessage `json:"workload"`
			}
			if err := json.Unmarshal(e.Context, &ic); err == nil {
				workload = ic.Workload
			}
		}
		if e.Type == eventlog.EventStepCompleted && len(e.Result) > 0 {
			results[e.NodeName] = e.Result
		}
	}
	return workload, results
}

func (a *Aggregator) dispatchIteration(ctx context.Context, executionID ids.ID, step engine.Step, index, attempt int) error {
	nid := iterNodeID(step.Name, index, attempt)
	name := iterNodeName(step.Name, index)
	if _, err := a.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventStepStarted,
		NodeID: nid, NodeName: name, NodeType: step.Loop.Body.Kind, Status: eventlog.StatusRunning,
		LoopName: step.Name, CurrentIndex: index, HasIndex: true,
	}); err != nil {
		return err
	}
	pool := step.Loop.Body.Pool
	if pool == "" {
		pool = a.defaultPool
	}
	deadline := time.Now().Add(30 * time.Second)
	if step.Loop.Body.Timeout > 0 {
		deadline = time.Now().Add(step.Loop.Body.Timeout)
	}
	if a.publisher != nil {
		if err := a.publisher.Dispatch(ctx, executionID, nid, pool, step.Loop.Body.Tool.Kind, deadline); err != nil {
			return errors.Wrap(errors.KindBrokerUnavailable, "loop: publish iteration notification", err)
		}
	}
	_, err := a.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventStepDispatched,
		NodeID: nid, NodeName: name, NodeType: step.Loop.Body.Kind, WorkerID: pool,
		LoopName: step.Name, CurrentIndex: index, HasIndex: true,
	})
	return err
}

// progress dispatches the next pending iteration(s) once concurrency slots
// free up, stores each completed iteration's result as a manifest part via
// compare-and-set against the broker's completion counter, and finalizes
// the loop once every index has a terminal status.
func (a *Aggregator) progress(ctx context.Context, executionID ids.ID, step engine.Step, st loopState) error {
	total := len(st.elements)
	if total == 0 {
		return a.finalize(ctx, executionID, step, st.manifest)
	}

	completed, inFlight := 0, 0
	var pending []int
	for i := 0; i < total; i++ {
		status, seen := st.iterStatus[i]
		switch {
		case seen && status.Terminal():
			completed++
		case seen && status == eventlog.StatusRunning:
			inFlight++
		default:
			pending = append(pending, i)
		}
	}

	if err := a.recordCompletedParts(ctx, executionID, step, st); err != nil {
		a.logger.Warn(ctx, "loop: record completed parts failed", "step", step.Name, "error", err)
	}

	if completed == total {
		return a.finalize(ctx, executionID, step, st.manifest)
	}

	concurrency := step.Loop.Concurrency
	if concurrency <= 0 {
		concurrency = a.defaultConc
	}
	if step.Loop.Mode == "sequential" {
		concurrency = 1
	}
	slots := concurrency - inFlight
	for _, idx := range pending {
		if slots <= 0 {
			break
		}
		attempt := st.iterAttempt[idx] + 1
		if err := a.dispatchIteration(ctx, executionID, step, idx, attempt); err != nil {
			a.logger.Warn(ctx, "loop: dispatch iteration failed", "step", step.Name, "index", idx, "error", err)
			continue
		}
		slots--
	}
	return nil
}

// partClaimKey guards a single manifest index against being recorded twice
// by concurrent Advance calls (e.g. one triggered by a worker's event, one
// by the dispatcher's lease sweep racing in): only the caller whose
// SetIfAbsent succeeds may call PutPart for that index.
func partClaimKey(executionID ids.ID, stepName string, index int) string {
	return fmt.Sprintf("loop:%s:%s:part:%d", executionID.String(), stepName, index)
}

// recordCompletedParts stores a manifest part for every completed index not
// yet claimed, using the broker's K/V put-if-absent as the single point of
// truth for "has this index already been recorded" rather than any
// in-process memory, so a crashed engine replica resuming mid-loop never
// double-counts or loses a part (§4.9).
func (a *Aggregator) recordCompletedParts(ctx context.Context, executionID ids.ID, step engine.Step, st loopState) error {
	var events []*eventlog.Event
	for i, status := range st.iterStatus {
		if status != eventlog.StatusCompleted {
			continue
		}
		claimed, err := a.brk.KV().SetIfAbsent(ctx, partClaimKey(executionID, step.Name, i), "1", 0)
		if err != nil {
			a.logger.Warn(ctx, "loop: claim manifest part failed", "step", step.Name, "index", i, "error", err)
			continue
		}
		if !claimed {
			continue // another Advance call already recorded this index
		}
		if events == nil {
			var err error
			events, err = a.readAll(ctx, executionID)
			if err != nil {
				return err
			}
		}
		result := latestResultForIndex(events, step.Name, i)
		if _, err := a.results.PutPart(ctx, st.manifest, i, result, resultstore.HintAuto); err != nil {
			return errors.Wrap(errors.KindResultStoreUnavailable, "loop: put manifest part", err)
		}
		if err := a.incrementCompleted(ctx, executionID, step.Name); err != nil {
			a.logger.Warn(ctx, "loop: increment completion counter failed", "step", step.Name, "error", err)
		}
	}
	return nil
}

func latestResultForIndex(events []*eventlog.Event, loopName string, index int) []byte {
	var out json.RawMessage
	for _, e := range events {
		if e.LoopName == loopName && e.HasIndex && e.CurrentIndex == index && len(e.Result) > 0 {
			out = e.Result
		}
	}
	if out == nil {
		out = json.RawMessage("null")
	}
	return out
}

func completedCounterKey(executionID ids.ID, stepName string) string {
	return fmt.Sprintf("loop:%s:%s:completed", executionID.String(), stepName)
}

func (a *Aggregator) incrementCompleted(ctx context.Context, executionID ids.ID, stepName string) error {
	key := completedCounterKey(executionID, stepName)
	for attempt := 0; attempt < 5; attempt++ {
		current, _, err := a.brk.KV().Get(ctx, key)
		if err != nil {
			return err
		}
		n, _ := strconv.Atoi(current)
		next := strconv.Itoa(n + 1)
		stored, err := a.brk.KV().CompareAndSet(ctx, key, current, next)
		if err != nil {
			return err
		}
		if stored == next {
			return nil
		}
		// Lost the race: another writer advanced the counter first; retry.
	}
	return fmt.Errorf("loop: completion counter CAS did not converge for %q", key)
}

func (a *Aggregator) finalize(ctx context.Context, executionID ids.ID, step engine.Step, manifestRef resultstore.ResultRef) error {
	if _, err := a.results.CloseManifest(ctx, manifestRef); err != nil {
		return errors.Wrap(errors.KindResultStoreUnavailable, "loop: close manifest", err)
	}
	if step.Loop.Sink != nil {
		if err := a.runSink(ctx, executionID, step, manifestRef); err != nil {
			a.logger.Warn(ctx, "loop: sink failed", "step", step.Name, "error", err)
		}
	}
	resultJSON, _ := json.Marshal(map[string]string{"ref": manifestRef.URI()})
	_, err := a.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventLoopCompleted,
		NodeName: step.Name, NodeType: step.Kind, LoopName: step.Name, Status: eventlog.StatusCompleted,
		Result: resultJSON,
	})
	if err == nil {
		a.metrics.IncCounter("loop.completed", 1, "step", step.Name)
	}
	return err
}

// runSink resolves the manifest and records that the loop's post-processing
// sink ran; the sink tool invocation itself is dispatched like any other
// tool by the Worker Runtime, so this only brackets it with sink.started/
// sink.completed events (§4.10 item 4).
func (a *Aggregator) runSink(ctx context.Context, executionID ids.ID, step engine.Step, manifestRef resultstore.ResultRef) error {
	sinkCtx, _ := json.Marshal(map[string]string{"tool_kind": step.Loop.Sink.Tool.Kind, "manifest": manifestRef.URI()})
	_, err := a.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventSinkStarted,
		NodeName: step.Name + ".sink", NodeType: step.Loop.Sink.Tool.Kind, Context: sinkCtx,
	})
	if err != nil {
		return err
	}
	_, err = a.events.Append(ctx, &eventlog.Event{
		ExecutionID: executionID, CreatedAt: time.Now(), Type: eventlog.EventSinkCompleted,
		NodeName: step.Name + ".sink", NodeType: step.Loop.Sink.Tool.Kind,
	})
	return err
}

var _ engine.LoopAdvancer = (*Aggregator)(nil)
