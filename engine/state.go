package engine

import (
	"encoding/json"

	"github.com/noetl/noetl/eventlog"
)

// State is the engine's projection of one execution's event stream: the
// fold described in spec.md §4.7.2. It is never the source of truth —
// Project is re-run from eventlog.Store on every dispatch cycle (§4.7.2,
// "state is always recomputed from events; the engine keeps only a bounded
// cache") — but callers within one cycle pass it around by value to avoid
// re-walking the log for every frontier/result lookup.
type State struct {
	// NodeStatus is the last non-result status event's Status per step
	// name, across every attempt (node_id) of that step.
	NodeStatus map[string]eventlog.Status
	// NodeResult is the last result payload (inline JSON or a {"$ref":...}
	// pointer) recorded for a step name.
	NodeResult map[string]json.RawMessage
	// NodeError is the last step.failed event's Error summary for a step
	// name, used by the retry pass to match a RetryPolicy's RetryOn kinds.
	NodeError map[string]json.RawMessage
	// Attempts counts step.started events seen for a step name, used to
	// pick the next attempt number and to choose the node_id suffix
	// (§4.7.3: "ULID(name + attempt)").
	Attempts map[string]int
	// CurrentNodeID is the node_id of the most recent attempt for a step
	// name; only it may still be in flight.
	CurrentNodeID map[string]string
	// Terminal marks execution-level terminal state once observed.
	Terminal bool
	Status   string // "" while running; "completed" | "failed" | "cancelled"
	CancelRequested bool
	LastEventID eventlog.Event // zero value unless at least one event was read; carries the last event's EventID/CreatedAt for cursoring
}

// newState returns an empty State ready for folding.
func newState() State {
	return State{
		NodeStatus:    make(map[string]eventlog.Status),
		NodeResult:    make(map[string]json.RawMessage),
		NodeError:     make(map[string]json.RawMessage),
		Attempts:      make(map[string]int),
		CurrentNodeID: make(map[string]string),
	}
}

// Project folds events, in order, into a State. Events must already be
// sorted by EventID (eventlog.Store guarantees this for Read/Filter
// results). Folding the same events twice yields an identical State
// (testable property §8.1, "determinism of replay").
func Project(events []*eventlog.Event) State {
	st := newState()
	for _, e := range events {
		st.apply(e)
	}
	return st
}

func (st *State) apply(e *eventlog.Event) {
	st.LastEventID = *e

	switch e.Type {
	case eventlog.EventStepStarted:
		st.Attempts[e.NodeName]++
		if prev, ok := st.CurrentNodeID[e.NodeName]; ok && prev != e.NodeID {
			// A new node_id is a fresh attempt (a retry): it starts over as
			// running even though the previous attempt ended terminally.
			delete(st.NodeStatus, e.NodeName)
		}
		st.CurrentNodeID[e.NodeName] = e.NodeID
		st.setStatus(e.NodeName, eventlog.StatusRunning)

	case eventlog.EventStepDispatched:
		// No status transition; carries worker_pool/deadline bookkeeping
		// the dispatcher tracks itself (§4.7.3 step 5).

	case eventlog.EventStepResult:
		if len(e.Result) > 0 {
			st.NodeResult[e.NodeName] = e.Result
		}

	case eventlog.EventStepCompleted:
		if len(e.Result) > 0 {
			st.NodeResult[e.NodeName] = e.Result
		}
		st.setTerminalOnce(e.NodeName, eventlog.StatusCompleted)

	case eventlog.EventStepFailed:
		if len(e.Error) > 0 {
			st.NodeError[e.NodeName] = e.Error
		}
		st.setTerminalOnce(e.NodeName, eventlog.StatusFailed)

	case eventlog.EventStepSkipped:
		// Status distinguishes a when-condition skip from a terminal-cascade
		// cancellation (§4.7.4); callers that append this event type always
		// set Status explicitly, but default to Skipped for safety.
		status := e.Status
		if status == "" {
			status = eventlog.StatusSkipped
		}
		st.setTerminalOnce(e.NodeName, status)

	case eventlog.EventStepLost:
		// step.lost is not terminal for the step name (§8 boundary case
		// "retry exhaustion"): it only increments Attempts via the next
		// step.started, so no status transition happens here.

	case eventlog.EventLoopStarted, eventlog.EventLoopCompleted:
		if e.Type == eventlog.EventLoopCompleted {
			if len(e.Result) > 0 {
				st.NodeResult[e.NodeName] = e.Result
			}
			st.setTerminalOnce(e.NodeName, eventlog.StatusCompleted)
		}

	case eventlog.EventExecutionCancelReq:
		st.CancelRequested = true

	case eventlog.EventExecutionCancelled:
		st.Terminal = true
		st.Status = "cancelled"

	case eventlog.EventExecutionCompleted:
		st.Terminal = true
		st.Status = "completed"

	case eventlog.EventExecutionFailed, eventlog.EventPlaybookFailed:
		st.Terminal = true
		st.Status = "failed"

	case eventlog.EventPlaybookCompleted:
		st.Terminal = true
		st.Status = "completed"
	}
}

// setStatus sets status for name unless name is already terminal (apply
// clears that first when a retry's fresh step.started arrives). Used only for the
// non-terminal "running" transition; terminal transitions must go through
// setTerminalOnce to enforce invariant 2 (§3.2: a node cannot leave a
// terminal status).
func (st *State) setStatus(name string, status eventlog.Status) {
	if cur, ok := st.NodeStatus[name]; ok && cur.Terminal() {
		return
	}
	st.NodeStatus[name] = status
}

// setTerminalOnce records status only if name has not already reached a
// terminal status, implementing testable property §8.2: at most one
// terminal event per node_id (folded here at the step-name level, since a
// later retry's node_id is a distinct attempt that first resets by a fresh
// step.started).
func (st *State) setTerminalOnce(name string, status eventlog.Status) {
	if cur, ok := st.NodeStatus[name]; ok && cur.Terminal() {
		return
	}
	st.NodeStatus[name] = status
}

// Frontier returns the names of every step in g that is eligible to
// (re-)dispatch: every predecessor is completed or skipped, the step itself has not
// already reached a terminal status, and the step is not already in
// flight. The in-flight exclusion matters because Advance is re-entrant —
// any unrelated event on the same execution (a sibling branch completing,
// a lease-sweep tick) re-runs the whole dispatch cycle, and without it a
// still-running step would be handed a second node_id while its first
// attempt is still outstanding, violating §1(b)'s at-most-once dispatch
// guarantee. loop.go:403-421's `progress` tracks the equivalent
// in-flight/pending split for loop iterations the same way.
func Frontier(g Graph, st State) []string {
	var out []string
	for _, s := range g.Steps {
		if status, ok := st.NodeStatus[s.Name]; ok && (status.Terminal() || status == eventlog.StatusRunning) {
			// Terminal: done, not re-dispatched here (retries go through
			// advanceRetries). Running: already dispatched and in flight,
			// handled above for loop steps by the aggregator or below by
			// dispatchStep's own lease/retry bookkeeping — never twice.
			continue
		}
		if allDone(g.Predecessors(s.Name), st) {
			out = append(out, s.Name)
		}
	}
	return out
}

func allDone(preds []string, st State) bool {
	for _, p := range preds {
		status, ok := st.NodeStatus[p]
		if !ok || status != eventlog.StatusCompleted {
			// Skipped predecessors still unblock successors reachable by
			// the "else" branch of a when-condition; only a non-completed,
			// non-skipped predecessor blocks (failed/cancelled predecessors
			// are handled by the terminal cascade before the frontier is
			// ever recomputed for their successors, §4.7.4).
			if ok && status == eventlog.StatusSkipped {
				continue
			}
			return false
		}
	}
	return true
}

// AllStepsTerminal reports whether every non-loop-body step in g has
// reached a terminal status, used to decide whether an execution is ready
// to finalize.
func AllStepsTerminal(g Graph, st State) bool {
	for _, s := range g.Steps {
		status, ok := st.NodeStatus[s.Name]
		if !ok || !status.Terminal() {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any step in g reached StatusFailed.
func AnyFailed(g Graph, st State) (string, bool) {
	for _, s := range g.Steps {
		if st.NodeStatus[s.Name] == eventlog.StatusFailed {
			return s.Name, true
		}
	}
	return "", false
}
