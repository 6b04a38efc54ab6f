package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the custodian gRPC service.
const ServiceName = "custodian.v1.Custodian"

const (
	MethodIntrospect = "/" + ServiceName + "/Introspect"
	MethodRevoke     = "/" + ServiceName + "/Revoke"
	MethodWhoAmI     = "/" + ServiceName + "/WhoAmI"
)

// CustodianServer is the server API for the custodian service. Messages are
// protobuf well-known types so no generated stubs are needed.
type CustodianServer interface {
	// Introspect reports the state of a token given its raw value.
	Introspect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// Revoke invalidates a token given its raw value and optional type hint.
	Revoke(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error)
	// WhoAmI returns the principal of the calling bearer token.
	WhoAmI(ctx context.Context, req *emptypb.Empty) (*wrapperspb.StringValue, error)
}

// RegisterCustodianServer registers srv on s.
func RegisterCustodianServer(s grpc.ServiceRegistrar, srv CustodianServer) {
	s.RegisterService(&custodianServiceDesc, srv)
}

var custodianServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CustodianServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Introspect", Handler: introspectHandler},
		{MethodName: "Revoke", Handler: revokeHandler},
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "custodian/v1/custodian.proto",
}

func introspectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CustodianServer).Introspect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodIntrospect}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CustodianServer).Introspect(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func revokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CustodianServer).Revoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRevoke}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CustodianServer).Revoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CustodianServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodWhoAmI}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CustodianServer).WhoAmI(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
