// Package historypb defines the HistoryService gRPC surface. Every message
// travels as a google.protobuf.Struct holding the JSON form of the Go types
// below, so no generated code is needed.
package historypb

import (
	"context"
	"encoding/json"
	"fmt"

	"bench-history/internal/baseline"
	"bench-history/internal/model"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "benchhistory.v1.HistoryService"

const (
	AppendMethod = "/" + ServiceName + "/Append"
	CheckMethod  = "/" + ServiceName + "/Check"
	LatestMethod = "/" + ServiceName + "/Latest"
	SuitesMethod = "/" + ServiceName + "/Suites"
	WindowMethod = "/" + ServiceName + "/Window"
	StatsMethod  = "/" + ServiceName + "/Stats"
)

// RunRequest carries a run for Append or Check
type RunRequest struct {
	Suite string          `json:"suite"`
	Run   model.RunRecord `json:"run"`
	// Polarity is the direction the input format declared as better, if any
	Polarity string `json:"polarity,omitempty"`
}

type LatestRequest struct {
	Suite string `json:"suite"`
	Limit int    `json:"limit,omitempty"`
}

type RunsReply struct {
	Suite string            `json:"suite"`
	Runs  []model.StoredRun `json:"runs"`
}

type SuitesReply struct {
	Suites []string `json:"suites"`
}

type WindowRequest struct {
	Suite  string           `json:"suite"`
	Metric string           `json:"metric"`
	Before model.SequenceID `json:"before,omitempty"`
	Limit  int              `json:"limit,omitempty"`
}

type WindowReply struct {
	Suite    string             `json:"suite"`
	Metric   string             `json:"metric"`
	Points   []model.Point      `json:"points"`
	Baseline *baseline.Baseline `json:"baseline,omitempty"`
}

// StatsReply exposes backend statistics as strings
type StatsReply struct {
	Stats map[string]string `json:"stats"`
}

// Encode converts v into a Struct through its JSON form
func Encode(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("message is not an object: %w", err)
	}
	return structpb.NewStruct(fields)
}

// Decode fills v from s
func Decode(s *structpb.Struct, v interface{}) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return json.Unmarshal(data, v)
}

// HistoryServer is the server API for HistoryService
type HistoryServer interface {
	Append(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Latest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Suites(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Window(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(HistoryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(call unaryCall, fullMethod string) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(HistoryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(HistoryServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes HistoryService for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HistoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: unaryHandler(HistoryServer.Append, AppendMethod)},
		{MethodName: "Check", Handler: unaryHandler(HistoryServer.Check, CheckMethod)},
		{MethodName: "Latest", Handler: unaryHandler(HistoryServer.Latest, LatestMethod)},
		{MethodName: "Suites", Handler: unaryHandler(HistoryServer.Suites, SuitesMethod)},
		{MethodName: "Window", Handler: unaryHandler(HistoryServer.Window, WindowMethod)},
		{MethodName: "Stats", Handler: unaryHandler(HistoryServer.Stats, StatsMethod)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "benchhistory/v1/history.proto",
}

func RegisterHistoryServer(s grpc.ServiceRegistrar, srv HistoryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// HistoryClient is the client API for HistoryService
type HistoryClient struct {
	cc grpc.ClientConnInterface
}

func NewHistoryClient(cc grpc.ClientConnInterface) *HistoryClient {
	return &HistoryClient{cc: cc}
}

// Invoke sends in to method and decodes the reply into out
func (c *HistoryClient) Invoke(ctx context.Context, method string, in, out interface{}, opts ...grpc.CallOption) error {
	req, err := Encode(in)
	if err != nil {
		return err
	}

	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, resp, opts...); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	return Decode(resp, out)
}
