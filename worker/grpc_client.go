package worker

import (
	"context"
	"encoding/json"

	"github.com/noetl/noetl/dispatcher"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
)

// GRPCDispatcherClient adapts dispatcher.Client's generated-client-shaped
// method set (string execution ids, variadic grpc.CallOption, wire
// envelopes) to Runtime's DispatcherClient seam, so a worker process can
// talk to a remote Dispatcher the same way an in-process Runtime talks to
// *dispatcher.Dispatcher directly.
type GRPCDispatcherClient struct {
	c *dispatcher.Client
}

// NewGRPCDispatcherClient wraps c for use as a Runtime's DispatcherClient.
func NewGRPCDispatcherClient(c *dispatcher.Client) *GRPCDispatcherClient {
	return &GRPCDispatcherClient{c: c}
}

func (g *GRPCDispatcherClient) GetTask(ctx context.Context, executionID ids.ID, nodeID string) (engine.TaskSpec, error) {
	resp, err := g.c.GetTask(ctx, executionID, nodeID)
	if err != nil {
		return engine.TaskSpec{}, err
	}
	return engine.TaskSpec{
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeName:    resp.NodeName,
		Kind:        resp.Kind,
		Tool:        resp.Tool,
		Inputs:      resp.Inputs,
		Sink:        resp.Sink,
	}, nil
}

func (g *GRPCDispatcherClient) Heartbeat(ctx context.Context, executionID ids.ID, nodeID string) error {
	return g.c.Heartbeat(ctx, executionID, nodeID)
}

func (g *GRPCDispatcherClient) EmitEvent(ctx context.Context, e *eventlog.Event) (ids.ID, error) {
	resp, err := g.c.EmitEvent(ctx, e)
	if err != nil {
		return 0, err
	}
	return parseWireID(resp.EventID)
}

func (g *GRPCDispatcherClient) PutResult(ctx context.Context, executionID ids.ID, nodeID, nodeName string, result json.RawMessage) error {
	return g.c.PutResult(ctx, executionID, nodeID, nodeName, result)
}

var (
	_ DispatcherClient = (*GRPCDispatcherClient)(nil)
	_ DispatcherClient = (*dispatcher.Dispatcher)(nil)
)
