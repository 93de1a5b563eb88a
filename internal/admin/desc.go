package admin

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "dmhub.admin.v1.Admin"

const (
	methodGetPresence = "/" + serviceName + "/GetPresence"
	methodListOnline  = "/" + serviceName + "/ListOnline"
	methodGetStats    = "/" + serviceName + "/GetStats"
	methodSetStatus   = "/" + serviceName + "/SetStatus"
)

// AdminServer is the operator-facing control plane of a running hub. Its
// messages are protobuf well-known types so no generated code is needed.
type AdminServer interface {
	GetPresence(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListOnline(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SetStatus(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the Admin service for grpc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPresence", Handler: getPresenceHandler},
		{MethodName: "ListOnline", Handler: listOnlineHandler},
		{MethodName: "GetStats", Handler: getStatsHandler},
		{MethodName: "SetStatus", Handler: setStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dmhub/admin/v1/admin.proto",
}

func getPresenceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetPresence(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetPresence}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetPresence(ctx, req.(*wrapperspb.StringValue))
	})
}

func listOnlineHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListOnline(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListOnline}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListOnline(ctx, req.(*emptypb.Empty))
	})
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStats}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetStats(ctx, req.(*emptypb.Empty))
	})
}

func setStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).SetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSetStatus}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).SetStatus(ctx, req.(*structpb.Struct))
	})
}
