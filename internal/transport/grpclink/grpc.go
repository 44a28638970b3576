package grpclink

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// LinkServer is the server API for the debug link bridge.
//
// Messages are protobuf well-known wrappers, so no codegen step is needed:
// Call carries one marshaled frame each way and session ids travel as
// UInt64Value or in the "debuglink-session" metadata key.
//
// Proto definition: link.proto.
type LinkServer interface {
	Open(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
	Call(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	End(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error)
}

// UnimplementedLinkServer can be embedded to have forward compatible implementations.
type UnimplementedLinkServer struct{}

func (UnimplementedLinkServer) Open(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error) {
	return nil, status.Error(codes.Unimplemented, "method Open not implemented")
}
func (UnimplementedLinkServer) Call(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Call not implemented")
}
func (UnimplementedLinkServer) End(context.Context, *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method End not implemented")
}

// RegisterLinkServer registers the bridge on a gRPC server.
func RegisterLinkServer(s grpc.ServiceRegistrar, srv LinkServer) {
	s.RegisterService(&Link_ServiceDesc, srv)
}

// LinkClient is the client API for the debug link bridge.
type LinkClient interface {
	Open(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error)
	Call(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	End(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

type linkClient struct{ cc grpc.ClientConnInterface }

func NewLinkClient(cc grpc.ClientConnInterface) LinkClient { return &linkClient{cc: cc} }

func (c *linkClient) Open(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, "/debuglink.v1.Link/Open", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *linkClient) Call(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/debuglink.v1.Link/Call", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *linkClient) End(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, "/debuglink.v1.Link/End", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _Link_Open_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LinkServer).Open(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/debuglink.v1.Link/Open"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LinkServer).Open(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Link_Call_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LinkServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/debuglink.v1.Link/Call"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LinkServer).Call(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Link_End_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LinkServer).End(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/debuglink.v1.Link/End"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(LinkServer).End(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

// Link_ServiceDesc is the grpc.ServiceDesc for the Link service.
var Link_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "debuglink.v1.Link",
	HandlerType: (*LinkServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Open", Handler: _Link_Open_Handler},
		{MethodName: "Call", Handler: _Link_Call_Handler},
		{MethodName: "End", Handler: _Link_End_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "link.proto",
}
