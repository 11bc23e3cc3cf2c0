package dispatcher

// Transport wires the Dispatcher's worker-facing RPCs (§6.2) onto
// google.golang.org/grpc without depending on protoc-generated stubs: the
// corresponding teacher pattern (runtime/registry/grpc_client_adapter.go)
// wraps a Goa-codegen'd client, but that codegen output never shipped with
// this module. grpc-go's codec is pluggable (encoding.Codec), so this file
// registers a JSON codec and a hand-written grpc.ServiceDesc/client stub
// over plain Go request/response structs in place of .pb.go types. The
// wire shape (JSON body, gRPC framing, HTTP/2 transport, deadlines,
// metadata) is the same contract a generated client would present; only
// the body encoding differs from protobuf binary.

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/eventlog"
	"github.com/noetl/noetl/internal/ids"
)

const jsonCodecName = "json"

// jsonCodec implements encoding.Codec by delegating to encoding/json. It is
// registered under the name grpc.CallContentSubtype / ServiceConfig must
// select ("json") so both client and server agree on wire format without a
// shared .proto file.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                        { return jsonCodecName }

func init() { encoding.RegisterCodec(jsonCodec{}) }

const serviceName = "noetl.dispatcher.v1.Dispatcher"

// Wire request/response envelopes. ids.ID round-trips through its decimal
// String() form since JSON's float64 numbers cannot represent a full
// int64 range losslessly.
type (
	GetTaskRequest struct {
		ExecutionID string `json:"execution_id"`
		NodeID      string `json:"node_id"`
	}
	GetTaskResponse struct {
		NodeName string          `json:"node_name"`
		Kind     string          `json:"kind"`
		Tool     engine.Tool     `json:"tool"`
		Inputs   json.RawMessage `json:"inputs"`
		Sink     *engine.SinkSpec `json:"sink,omitempty"`
	}

	EmitEventRequest struct {
		Event *eventlog.Event `json:"event"`
	}
	EmitEventResponse struct {
		EventID string `json:"event_id"`
	}

	HeartbeatRequest struct {
		ExecutionID string `json:"execution_id"`
		NodeID      string `json:"node_id"`
	}
	HeartbeatResponse struct{}

	PutResultRequest struct {
		ExecutionID string          `json:"execution_id"`
		NodeID      string          `json:"node_id"`
		NodeName    string          `json:"node_name"`
		Result      json.RawMessage `json:"result"`
	}
	PutResultResponse struct{}
)

func parseID(s string) (ids.ID, error) {
	var id int64
	if _, err := fmt.Sscan(s, &id); err != nil {
		return 0, fmt.Errorf("dispatcher: invalid id %q: %w", s, err)
	}
	return ids.ID(id), nil
}

// GRPCServer is the interface RegisterDispatcherServer binds to the service
// description; the adapter NewGRPCServer returns satisfies it by delegating
// to a *Dispatcher.
type GRPCServer interface {
	GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error)
	EmitEvent(ctx context.Context, req *EmitEventRequest) (*EmitEventResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	PutResult(ctx context.Context, req *PutResultRequest) (*PutResultResponse, error)
}

// grpcAdapter adapts *Dispatcher's domain methods to the wire envelopes.
type grpcAdapter struct{ d *Dispatcher }

// NewGRPCServer wraps d for registration with a *grpc.Server.
func NewGRPCServer(d *Dispatcher) GRPCServer { return grpcAdapter{d: d} }

func (a grpcAdapter) GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	execID, err := parseID(req.ExecutionID)
	if err != nil {
		return nil, err
	}
	spec, err := a.d.GetTask(ctx, execID, req.NodeID)
	if err != nil {
		return nil, err
	}
	return &GetTaskResponse{NodeName: spec.NodeName, Kind: spec.Kind, Tool: spec.Tool, Inputs: spec.Inputs, Sink: spec.Sink}, nil
}

func (a grpcAdapter) EmitEvent(ctx context.Context, req *EmitEventRequest) (*EmitEventResponse, error) {
	eventID, err := a.d.EmitEvent(ctx, req.Event)
	if err != nil {
		return nil, err
	}
	return &EmitEventResponse{EventID: eventID.String()}, nil
}

func (a grpcAdapter) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	execID, err := parseID(req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if err := a.d.Heartbeat(ctx, execID, req.NodeID); err != nil {
		return nil, err
	}
	return &HeartbeatResponse{}, nil
}

func (a grpcAdapter) PutResult(ctx context.Context, req *PutResultRequest) (*PutResultResponse, error) {
	execID, err := parseID(req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if err := a.d.PutResult(ctx, execID, req.NodeID, req.NodeName, req.Result); err != nil {
		return nil, err
	}
	return &PutResultResponse{}, nil
}

// ServiceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// _ServiceDesc var: it binds method names to decode/invoke/encode handlers
// without requiring a generated .pb.go file.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetTask", Handler: getTaskHandler},
		{MethodName: "EmitEvent", Handler: emitEventHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "PutResult", Handler: putResultHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "noetl/dispatcher.proto",
}

func getTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetTaskRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GRPCServer).GetTask(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetTask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GRPCServer).GetTask(ctx, req.(*GetTaskRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func emitEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(EmitEventRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GRPCServer).EmitEvent(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/EmitEvent"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GRPCServer).EmitEvent(ctx, req.(*EmitEventRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(HeartbeatRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GRPCServer).Heartbeat(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GRPCServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func putResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(PutResultRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GRPCServer).PutResult(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/PutResult"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GRPCServer).PutResult(ctx, req.(*PutResultRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// RegisterDispatcherServer registers srv (see NewGRPCServer) with s, using
// the JSON codec instead of protobuf encoding.
func RegisterDispatcherServer(s *grpc.Server, srv GRPCServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a hand-written gRPC client stub over cc, mirroring what
// protoc-gen-go-grpc would emit for the Dispatcher service.
type Client struct{ cc grpc.ClientConnInterface }

// NewClient wraps cc (e.g. from grpc.NewClient with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName))) as a
// Dispatcher client usable from the Worker Runtime (C10).
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) GetTask(ctx context.Context, executionID ids.ID, nodeID string, opts ...grpc.CallOption) (*GetTaskResponse, error) {
	out := new(GetTaskResponse)
	req := &GetTaskRequest{ExecutionID: executionID.String(), NodeID: nodeID}
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetTask", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) EmitEvent(ctx context.Context, e *eventlog.Event, opts ...grpc.CallOption) (*EmitEventResponse, error) {
	out := new(EmitEventResponse)
	req := &EmitEventRequest{Event: e}
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/EmitEvent", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Heartbeat(ctx context.Context, executionID ids.ID, nodeID string, opts ...grpc.CallOption) error {
	req := &HeartbeatRequest{ExecutionID: executionID.String(), NodeID: nodeID}
	return c.cc.Invoke(ctx, "/"+serviceName+"/Heartbeat", req, new(HeartbeatResponse), opts...)
}

func (c *Client) PutResult(ctx context.Context, executionID ids.ID, nodeID, nodeName string, result json.RawMessage, opts ...grpc.CallOption) error {
	req := &PutResultRequest{ExecutionID: executionID.String(), NodeID: nodeID, NodeName: nodeName, Result: result}
	return c.cc.Invoke(ctx, "/"+serviceName+"/PutResult", req, new(PutResultResponse), opts...)
}
