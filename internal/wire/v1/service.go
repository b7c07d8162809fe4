package wire

import (
	"context"

	"google.golang.org/grpc"
)

// Full method names of the service.
const (
	ServiceName        = "microscope.v1.DeviceService"
	ListDevicesMethod  = "/" + ServiceName + "/ListDevices"
	InvokeMethod       = "/" + ServiceName + "/Invoke"
	PingMethod         = "/" + ServiceName + "/Ping"
	StreamFramesMethod = "/" + ServiceName + "/StreamFrames"
)

// DeviceServiceServer is the server API of the service.
type DeviceServiceServer interface {
	ListDevices(ctx context.Context, req *ListDevicesRequest) (*ListDevicesResponse, error)
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	StreamFrames(req *StreamFramesRequest, stream grpc.ServerStreamingServer[FrameMessage]) error
}

// RegisterDeviceServiceServer registers the implementation on a gRPC server.
func RegisterDeviceServiceServer(s grpc.ServiceRegistrar, srv DeviceServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the service to gRPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListDevices", Handler: listDevicesHandler},
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamFrames", Handler: streamFramesHandler, ServerStreams: true},
	},
	Metadata: "microscope/v1/device_service",
}

func listDevicesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, ListDevicesMethod, DeviceServiceServer.ListDevices)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, InvokeMethod, DeviceServiceServer.Invoke)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, PingMethod, DeviceServiceServer.Ping)
}

// unary decodes the request and runs the method through the interceptor chain.
func unary[Req, Resp any](
	srv any,
	ctx context.Context, //nolint:revive // Matches the grpc.MethodHandler argument order.
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
	fullMethod string,
	method func(DeviceServiceServer, context.Context, *Req) (*Resp, error),
) (any, error) {
	in := new(Req)
	if err := dec(in); err != nil {
		return nil, err
	}

	impl := srv.(DeviceServiceServer) //nolint:forcetypeassert // Guaranteed by HandlerType.

	if interceptor == nil {
		return method(impl, ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return method(impl, ctx, req.(*Req)) //nolint:forcetypeassert // Decoded above.
	}

	return interceptor(ctx, in, info, handler)
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamFramesRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	impl := srv.(DeviceServiceServer) //nolint:forcetypeassert // Guaranteed by HandlerType.

	return impl.StreamFrames(in, &grpc.GenericServerStream[StreamFramesRequest, FrameMessage]{ServerStream: stream})
}

// DeviceServiceClient is the client API of the service.
type DeviceServiceClient interface {
	ListDevices(ctx context.Context, in *ListDevicesRequest, opts ...grpc.CallOption) (*ListDevicesResponse, error)
	Invoke(ctx context.Context, in *InvokeRequest, opts ...grpc.CallOption) (*InvokeResponse, error)
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error)
	StreamFrames(
		ctx context.Context,
		in *StreamFramesRequest,
		opts ...grpc.CallOption,
	) (grpc.ServerStreamingClient[FrameMessage], error)
}

type deviceServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewDeviceServiceClient creates a client stub. Calls must use the CBOR
// codec, see CallOptions.
func NewDeviceServiceClient(cc grpc.ClientConnInterface) DeviceServiceClient {
	return &deviceServiceClient{cc: cc}
}

// CallOptions selects the CBOR codec for every call on a connection.
func CallOptions() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodecV2(Codec{}))
}

// ServerOption selects the CBOR codec for a gRPC server.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodecV2(Codec{})
}

func (c *deviceServiceClient) ListDevices(
	ctx context.Context,
	in *ListDevicesRequest,
	opts ...grpc.CallOption,
) (*ListDevicesResponse, error) {
	out := new(ListDevicesResponse)
	if err := c.cc.Invoke(ctx, ListDevicesMethod, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *deviceServiceClient) Invoke(ctx context.Context, in *InvokeRequest, opts ...grpc.CallOption) (*InvokeResponse, error) {
	out := new(InvokeResponse)
	if err := c.cc.Invoke(ctx, InvokeMethod, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *deviceServiceClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingResponse, error) {
	out := new(PingResponse)
	if err := c.cc.Invoke(ctx, PingMethod, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *deviceServiceClient) StreamFrames(
	ctx context.Context,
	in *StreamFramesRequest,
	opts ...grpc.CallOption,
) (grpc.ServerStreamingClient[FrameMessage], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], StreamFramesMethod, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[StreamFramesRequest, FrameMessage]{ClientStream: stream}

	if err := x.SendMsg(in); err != nil {
		return nil, err
	}

	if err := x.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}
