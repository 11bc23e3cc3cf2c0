// Package eventlog is the append-only, per-execution event store that the
// rest of the engine treats as the single source of truth. Every other
// component's state — the engine's frontier, the loop aggregator's
// completion count, the worker's retry decision — is a fold over the events
// returned by this package; nothing is cached authoritatively anywhere else.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/noetl/noetl/internal/ids"
)

// EventType names one of the canonical event kinds an execution can emit.
// The set is closed: engine, worker, and loop code only ever construct
// events using these constants, never a free-form string.
type EventType string

const (
	EventPlaybookInitialized   EventType = "playbook.initialized"
	EventPlaybookCompleted     EventType = "playbook.completed"
	EventPlaybookFailed        EventType = "playbook.failed"
	EventStepStarted           EventType = "step.started"
	EventStepDispatched        EventType = "step.dispatched"
	EventStepResult            EventType = "step.result"
	EventStepCompleted         EventType = "step.completed"
	EventStepFailed            EventType = "step.failed"
	EventStepLost              EventType = "step.lost"
	EventStepSkipped           EventType = "step.skipped"
	EventLoopStarted           EventType = "loop.started"
	EventLoopCompleted         EventType = "loop.completed"
	EventSinkStarted           EventType = "sink.started"
	EventSinkCompleted         EventType = "sink.completed"
	EventExecutionCancelReq    EventType = "execution.cancel_requested"
	EventExecutionCancelled    EventType = "execution.cancelled"
	EventExecutionCompleted    EventType = "execution.completed"
	EventExecutionFailed       EventType = "execution.failed"
	EventCaseEvaluated         EventType = "case.evaluated"
)

// Status is the node-level lifecycle value carried by status-bearing events.
// A node's status is terminal once it reaches Completed, Failed, Skipped,
// or Cancelled; no later event may move it out of a terminal status (it may
// only append further event_id values, e.g. a subsequent Result attachment
// or a new node_id instance representing a distinct retry attempt).
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal node status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// Event is a single immutable record appended to one execution's log.
// Fields are optional depending on EventType; e.g. NodeID/Status/Duration
// only appear on step- and loop-scoped events, never on playbook- or
// execution-scoped ones. Primary key is (ExecutionID, EventID); EventID is
// assigned by the store and is monotonic within ExecutionID.
type Event struct {
	ExecutionID     ids.ID
	EventID         ids.ID
	ParentEventID   ids.ID
	ParentExecution ids.ID
	CreatedAt       time.Time
	Type            EventType

	NodeID   string
	NodeName string
	NodeType string

	Status   Status
	Duration time.Duration
	WorkerID string

	CurrentIndex int
	HasIndex     bool
	LoopName     string

	// Result is the canonical JSON encoding of the step's output: either an
	// inline value or a {"$ref": "noetl://..."} pointer into the Result
	// Store. Callers decide which by the payload's size against the
	// configured inline threshold; this package is agnostic to the content.
	Result json.RawMessage

	// Context carries auxiliary evaluation context (e.g. the resolved `when`
	// expression inputs for a case.evaluated event).
	Context json.RawMessage

	// Error carries a short error summary; full diagnostics live behind a
	// ResultRef referenced from this field's "ref" key when present.
	Error json.RawMessage
}

// IdempotencyKey returns the (execution_id, node_id, event_type) triple that
// identifies a repeat of the same event. Stores discard terminal events by
// the narrower (execution_id, node_id) pair: once one terminal event is
// recorded for a node_id, any later one is dropped, whatever its type.
func (e *Event) IdempotencyKey() (ids.ID, string, EventType) {
	return e.ExecutionID, e.NodeID, e.Type
}

// Page is a forward page of events for one execution, ordered oldest first.
type Page struct {
	Events []*Event
	// NextCursor is opaque and store-owned; empty once exhausted.
	NextCursor string
}

// Filter narrows a Store.Filter call to events matching all set fields; a
// zero-value field is not applied. NodeID, LoopName, and Type select an
// exact match; Status selects events whose Status equals the given value.
type Filter struct {
	NodeID   string
	LoopName string
	Type     EventType
	Status   Status
}

// Match reports whether e satisfies every set field of f.
func (f Filter) Match(e *Event) bool {
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.LoopName != "" && e.LoopName != f.LoopName {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Store is the durable, append-only event log for one deployment. A single
// writer per execution is enforced above this interface (by the engine's
// lease); implementations need only guarantee that an Append is durable
// before it returns and that Read/Filter observe a total order by EventID
// within one ExecutionID.
type Store interface {
	// Append assigns a monotonic EventID within e.ExecutionID and persists e.
	// Append must return only after the event is durable. A duplicate
	// append sharing an existing event's idempotency key is tolerated: the
	// store either rejects it or silently discards it, but never appends a
	// second terminal event for the same node_id.
	Append(ctx context.Context, e *Event) (ids.ID, error)

	// Read returns events for executionID in EventID order, starting after
	// fromID (zero to start from the beginning), up to limit events.
	Read(ctx context.Context, executionID ids.ID, fromID ids.ID, limit int) (Page, error)

	// Filter returns events for executionID matching f, in EventID order.
	// Unlike Read it is not paginated by cursor; callers that need paging
	// over a filtered set should post-filter a Read page.
	Filter(ctx context.Context, executionID ids.ID, f Filter) ([]*Event, error)

	// DropRange deletes every event whose ExecutionID falls in
	// [low, high], inclusive. Used for retention: ranges of execution_id
	// map bijectively onto log partitions, so this is an O(1) partition
	// drop in a partitioned backend.
	DropRange(ctx context.Context, low, high ids.ID) error
}
