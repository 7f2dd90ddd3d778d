package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const evaluationServiceName = "variantz.v1.EvaluationService"

// EvaluationServiceServer carries the same JSON shapes as the HTTP API, wrapped
// in google.protobuf.Struct so no generated code is needed.
type EvaluationServiceServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetConfiguration(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// EvaluationServiceDesc describes variantz.v1.EvaluationService.
var EvaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: evaluationServiceName,
	HandlerType: (*EvaluationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "SetConfiguration", Handler: setConfigurationHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "variantz/v1/evaluation.proto",
}

func RegisterEvaluationServiceServer(r grpc.ServiceRegistrar, srv EvaluationServiceServer) {
	r.RegisterService(&EvaluationServiceDesc, srv)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + evaluationServiceName + "/Evaluate"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func setConfigurationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).SetConfiguration(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + evaluationServiceName + "/SetConfiguration"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).SetConfiguration(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// EvaluationServiceClient is the client side of variantz.v1.EvaluationService.
type EvaluationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewEvaluationServiceClient(cc grpc.ClientConnInterface) *EvaluationServiceClient {
	return &EvaluationServiceClient{cc: cc}
}

func (c *EvaluationServiceClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+evaluationServiceName+"/Evaluate", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EvaluationServiceClient) SetConfiguration(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+evaluationServiceName+"/SetConfiguration", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer implements [EvaluationServiceServer] on top of a [Provider].
type GRPCServer struct {
	provider Provider
	logger   *slog.Logger
}

func NewGRPCServer(p Provider, logger *slog.Logger) *GRPCServer {
	if p == nil {
		panic("provider is nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GRPCServer{provider: p, logger: logger}
}

func (s *GRPCServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := structToJSON(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	var body evaluateBody
	if err := decodeStrict(data, &body); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := evaluate(ctx, s.provider, body)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	return toStruct(result)
}

func (s *GRPCServer) SetConfiguration(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := structToJSON(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid configuration")
	}

	summary, err := applyConfiguration(s.provider, data)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	return toStruct(summary)
}

func (s *GRPCServer) toGRPCError(err error) error {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return status.Error(codes.InvalidArgument, reqErr.Error())
	}
	s.logger.Error("rpc failed", "error", err)
	return status.Error(codes.Internal, "internal server error")
}

func structToJSON(in *structpb.Struct) ([]byte, error) {
	if in == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(in.AsMap())
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
