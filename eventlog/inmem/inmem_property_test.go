package inmem_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/eventlog/inmem"
	"github.com/noetl/noetl/internal/ids"
)

// eventTypeFor picks the event type that would actually carry status in
// production traffic, mirroring engine/state.go's apply switch.
func eventTypeFor(status eventlog.Status) eventlog.EventType {
	switch status {
	case eventlog.StatusCompleted:
		return eventlog.EventStepCompleted
	case eventlog.StatusFailed:
		return eventlog.EventStepFailed
	case eventlog.StatusSkipped, eventlog.StatusCancelled:
		return eventlog.EventStepSkipped
	default:
		return eventlog.EventStepStarted
	}
}

// TestAtMostOneTerminalEventPerNodeID checks invariant 2 of spec.md §8:
// whatever order and mix of terminal/non-terminal statuses a node_id sees,
// at most one of its recorded events ever has a terminal status.
func TestAtMostOneTerminalEventPerNodeID(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	statusGen := gen.OneConstOf(
		eventlog.StatusRunning,
		eventlog.StatusCompleted,
		eventlog.StatusFailed,
		eventlog.StatusSkipped,
		eventlog.StatusCancelled,
	)

	properties.Property("at most one terminal event survives per node_id", prop.ForAll(
		func(statuses []eventlog.Status) bool {
			s := inmem.New(1)
			ctx := context.Background()
			execID := ids.New(1).Next()

			for _, status := range statuses {
				_, err := s.Append(ctx, &eventlog.Event{
					ExecutionID: execID,
					Type:        eventTypeFor(status),
					NodeID:      "n",
					NodeName:    "n",
					Status:      status,
				})
				if err != nil {
					return false
				}
			}

			page, err := s.Read(ctx, execID, 0, len(statuses)+1)
			if err != nil {
				return false
			}
			terminalCount := 0
			for _, e := range page.Events {
				if e.NodeID == "n" && e.Status.Terminal() {
					terminalCount++
				}
			}
			return terminalCount <= 1
		},
		gen.SliceOfN(8, statusGen),
	))

	properties.TestingRun(t)
}
