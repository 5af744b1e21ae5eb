package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminServiceName is the fully qualified gRPC service name.
const AdminServiceName = "mirador.heal.v1.HealAdmin"

// AdminServer is the admin surface of the engine. Requests and responses are JSON-shaped Structs.
type AdminServer interface {
	CheckErrorPatterns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SystemHealth(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Frequencies(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ReloadPatterns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type adminCall func(srv AdminServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call adminCall) grpc.MethodHandler {
	fullMethod := "/" + AdminServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AdminServiceDesc describes the admin service for grpc.Server registration.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckErrorPatterns", Handler: unaryHandler("CheckErrorPatterns", AdminServer.CheckErrorPatterns)},
		{MethodName: "SystemHealth", Handler: unaryHandler("SystemHealth", AdminServer.SystemHealth)},
		{MethodName: "Frequencies", Handler: unaryHandler("Frequencies", AdminServer.Frequencies)},
		{MethodName: "ReloadPatterns", Handler: unaryHandler("ReloadPatterns", AdminServer.ReloadPatterns)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/heal/v1/admin.proto",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// AdminClient calls the admin service.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient wraps a client connection.
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+AdminServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckErrorPatterns runs one check cycle remotely.
func (c *AdminClient) CheckErrorPatterns(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CheckErrorPatterns", req, opts...)
}

// SystemHealth fetches a health snapshot.
func (c *AdminClient) SystemHealth(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SystemHealth", nil, opts...)
}

// Frequencies fetches per-pattern frequency state.
func (c *AdminClient) Frequencies(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Frequencies", nil, opts...)
}

// ReloadPatterns forces a pattern reload.
func (c *AdminClient) ReloadPatterns(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ReloadPatterns", nil, opts...)
}
