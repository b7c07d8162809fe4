package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/oshokin/microscope/internal/config"
	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/version"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

const (
	// keepaliveTime is the idle interval after which the client pings the server.
	keepaliveTime = 20 * time.Second
	// keepaliveTimeout is how long a ping may go unanswered.
	keepaliveTimeout = 10 * time.Second
)

// DefaultOperationTimeout is the extra time given to arm, trigger and
// stage moves on top of the call timeout.
const DefaultOperationTimeout = time.Minute

// Client wraps the DeviceService connection with typed helpers.
type Client struct {
	// conn is the underlying gRPC connection to the microscope server.
	conn *grpc.ClientConn
	// api is the DeviceService stub.
	api wire.DeviceServiceClient
	// identity is sent with every call, nil to send none.
	identity *domain.ClientIdentity
	// dialOptions are appended to the default dial options.
	dialOptions []grpc.DialOption

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
	// operationTimeout is added to callTimeout for arm, trigger and moves.
	operationTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls. Blocking
// operations with their own timeout get it added on top.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithOperationTimeout sets how long arm, trigger and stage moves may run
// beyond the call timeout.
func WithOperationTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout >= 0 {
			c.operationTimeout = timeout
		}
	}
}

// WithIdentity sets the host and user reported to the server.
func WithIdentity(identity *domain.ClientIdentity) Option {
	return func(c *Client) {
		c.identity = identity.Clone()
	}
}

// WithDialOptions adds gRPC dial options, such as a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// errAddressRequired is returned when a required address value is missing.
var errAddressRequired = errors.New("address must be provided")

// Dial establishes a gRPC connection to the microscope server.
// Note: this uses insecure transport credentials; deploy on a trusted network
// or terminate TLS in a proxy until native TLS is added.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	client := &Client{
		callTimeout:      config.DefaultTimeout,
		operationTimeout: DefaultOperationTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.UserAgent("microscope-client")),
		wire.CallOptions(),
		grpc.WithChainUnaryInterceptor(client.unaryIdentity),
		grpc.WithChainStreamInterceptor(client.streamIdentity),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}, client.dialOptions...)

	// Use the non-context NewClient API recommended by grpc-go
	// (DialContext is deprecated as of grpc-go v1.60+).
	conn, err := grpc.NewClient(address, dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("dial microscope server: %w", err)
	}

	client.conn = conn
	client.api = wire.NewDeviceServiceClient(conn)

	return client, nil
}

// Close releases the underlying gRPC connection. The server tears down the
// session and every lock it held.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// Devices lists the devices the server exposes.
func (c *Client) Devices(ctx context.Context) (*wire.ListDevicesResponse, error) {
	callCtx, cancel := c.callContext(ctx, 0)
	defer cancel()

	resp, err := c.api.ListDevices(callCtx, new(wire.ListDevicesRequest))
	if err != nil {
		return nil, transportError("list devices", err)
	}

	return resp, nil
}

// Ping checks liveness and refreshes the session.
func (c *Client) Ping(ctx context.Context) (*wire.PingResponse, error) {
	callCtx, cancel := c.callContext(ctx, 0)
	defer cancel()

	resp, err := c.api.Ping(callCtx, new(wire.PingRequest))
	if err != nil {
		return nil, transportError("ping", err)
	}

	return resp, nil
}

// Device returns the stub of one device. No call is made until an
// operation is invoked.
func (c *Client) Device(id string) *Device {
	return &Device{id: id, client: c}
}

// invoke runs one device operation. extra extends the call timeout for
// operations that wait on the server side. The payload is decoded into out
// even when the operation failed, so partial results reach the caller.
func (c *Client) invoke(ctx context.Context, deviceID, op string, args, out any, extra time.Duration) error {
	req := &wire.InvokeRequest{DeviceID: deviceID, Operation: op}

	if args != nil {
		raw, err := wire.Encode(args)
		if err != nil {
			return domain.Wrap(domain.KindTypeMismatch, "encode "+op, err)
		}

		req.Args = raw
	}

	callCtx, cancel := c.callContext(ctx, extra)
	defer cancel()

	resp, err := c.api.Invoke(callCtx, req)
	if err != nil {
		return transportError(op, err)
	}

	if out != nil && len(resp.Payload) > 0 {
		if err := wire.Decode(resp.Payload, out); err != nil {
			return domain.Wrap(domain.KindCommunicationError, "decode "+op, err)
		}
	}

	return resp.Err()
}

// callContext returns a context with the client's call timeout plus extra
// if configured, otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout+max(extra, 0))
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.identity == nil {
		return ctx
	}

	return metadata.AppendToOutgoingContext(ctx,
		wire.MetadataHostname, c.identity.Hostname,
		wire.MetadataUsername, c.identity.Username)
}

func (c *Client) unaryIdentity(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(c.outgoing(ctx), method, req, reply, cc, opts...)
}

func (c *Client) streamIdentity(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	return streamer(c.outgoing(ctx), desc, cc, method, opts...)
}

// transportError classifies a failed RPC. Nothing reached the device, so
// the failure is a communication error, or a timeout when the deadline
// passed.
func transportError(op string, err error) error {
	if status.Code(err) == codes.DeadlineExceeded {
		return domain.Wrap(domain.KindTimeout, op, err)
	}

	return domain.Wrap(domain.KindCommunicationError, op, err)
}
