package engine_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
)

// eventSpec is the shrinkable shape gopter mutates; toEvent below expands it
// into the *eventlog.Event Project actually folds over.
type eventSpec struct {
	Kind int
	Node string
}

func (s eventSpec) toEvent(execID ids.ID) *eventlog.Event {
	e := &eventlog.Event{ExecutionID: execID, NodeID: s.Node, NodeName: s.Node}
	switch s.Kind % 4 {
	case 0:
		e.Type = eventlog.EventStepStarted
	case 1:
		e.Type = eventlog.EventStepCompleted
		e.Status = eventlog.StatusCompleted
		e.Result = json.RawMessage(`{"n":1}`)
	case 2:
		e.Type = eventlog.EventStepFailed
		e.Status = eventlog.StatusFailed
		e.Error = json.RawMessage(`{"kind":"ToolExecutionError"}`)
	default:
		e.Type = eventlog.EventStepSkipped
		e.Status = eventlog.StatusSkipped
	}
	return e
}

// TestProjectIsDeterministic checks invariant 1 of spec.md §8: two
// independent folds over the same event stream produce identical projected
// state (same node_status, same last_result, same attempt counts).
func TestProjectIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	specGen := gen.Struct(reflect.TypeOf(eventSpec{}), map[string]gopter.Gen{
		"Kind": gen.IntRange(0, 3),
		"Node": gen.OneConstOf("a", "b"),
	})

	properties.Property("Project is a pure deterministic fold", prop.ForAll(
		func(specs []eventSpec) bool {
			execID := ids.New(1).Next()
			events := make([]*eventlog.Event, len(specs))
			for i, spec := range specs {
				events[i] = spec.toEvent(execID)
			}

			first := engine.Project(events)
			second := engine.Project(events)
			return reflect.DeepEqual(first, second)
		},
		gen.SliceOfN(12, specGen),
	))

	properties.TestingRun(t)
}
