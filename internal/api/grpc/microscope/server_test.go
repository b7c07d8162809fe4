package microscope

import (
	"context"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/oshokin/microscope/internal/buffer"
	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
	"github.com/oshokin/microscope/internal/driver/simulated"
	"github.com/oshokin/microscope/internal/hub"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

var cameraSpec = driver.Spec{
	ID:      "cam0",
	Driver:  simulated.CameraDriver,
	Type:    domain.TypeCamera,
	Options: driver.Options{"width": 8, "height": 4},
}

// startHub serves a simulated camera.
func startHub(t *testing.T) *hub.Hub {
	t.Helper()

	catalog := driver.NewCatalog()
	require.NoError(t, simulated.Register(catalog))

	def, err := catalog.Build(cameraSpec)
	require.NoError(t, err)

	h, err := hub.New(t.Context(), hub.Config{
		Devices: []hub.DeviceConfig{{Definition: def, BufferPolicy: buffer.DropOldest}},
	})
	require.NoError(t, err)

	h.Start(context.Background())
	t.Cleanup(func() {
		require.NoError(t, h.Close(context.Background()))
	})

	return h
}

// testClient is one client connection with its identity.
type testClient struct {
	// api is the service stub.
	api wire.DeviceServiceClient
	// conn is the underlying connection.
	conn *grpc.ClientConn
	// ctx carries the identity metadata.
	ctx context.Context //nolint:containedctx // Test helper.
}

// serve runs the service over an in-memory listener and returns a dialer.
func serve(t *testing.T, h *hub.Hub) func(user string) *testClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(t.Context(), h, "bench", "test")

	grpcServer := grpc.NewServer(wire.ServerOption(), grpc.StatsHandler(srv))
	srv.Register(grpcServer)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	t.Cleanup(grpcServer.Stop)

	return func(user string) *testClient {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			wire.CallOptions(),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			_ = conn.Close()
		})

		ctx := metadata.AppendToOutgoingContext(t.Context(),
			wire.MetadataHostname, "bench", wire.MetadataUsername, user)

		return &testClient{api: wire.NewDeviceServiceClient(conn), conn: conn, ctx: ctx}
	}
}

func (c *testClient) invoke(t *testing.T, op string, args any) *wire.InvokeResponse {
	t.Helper()

	req := &wire.InvokeRequest{DeviceID: "cam0", Operation: op}

	if args != nil {
		raw, err := wire.Encode(args)
		require.NoError(t, err)

		req.Args = raw
	}

	resp, err := c.api.Invoke(c.ctx, req)
	require.NoError(t, err)

	return resp
}

func waitReady(t *testing.T, h *hub.Hub) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.Devices()[0].Ready
	}, 5*time.Second, 10*time.Millisecond)
}

// TestServer_InvokeOutcomes checks errors travel as typed outcomes.
func TestServer_InvokeOutcomes(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := startHub(t)
		synctest.Wait()

		s := NewServer(t.Context(), h, "bench", "test")
		ctx := t.Context()

		_, err := s.Invoke(ctx, nil)
		require.Equal(t, codes.InvalidArgument, status.Code(err))

		resp, err := s.Invoke(ctx, &wire.InvokeRequest{DeviceID: "cam0", Operation: "focus"})
		require.NoError(t, err)
		require.Equal(t, wire.StatusError, resp.Status)
		require.ErrorIs(t, resp.Err(), domain.ErrUnsupportedOperation)

		resp, err = s.Invoke(ctx, &wire.InvokeRequest{DeviceID: "cam9", Operation: wire.OpState})
		require.NoError(t, err)
		require.ErrorIs(t, resp.Err(), domain.ErrUnknownDevice)

		malformed, err := cbor.Marshal("exposure_ms")
		require.NoError(t, err)

		resp, err = s.Invoke(ctx, &wire.InvokeRequest{DeviceID: "cam0", Operation: wire.OpSetSetting, Args: malformed})
		require.NoError(t, err)
		require.ErrorIs(t, resp.Err(), domain.ErrTypeMismatch)

		args, err := wire.Encode(wire.SetSettingArgs{Name: "exposure_ms", Value: -5})
		require.NoError(t, err)

		resp, err = s.Invoke(ctx, &wire.InvokeRequest{DeviceID: "cam0", Operation: wire.OpSetSetting, Args: args})
		require.NoError(t, err)
		require.ErrorIs(t, resp.Err(), domain.ErrOutOfRange)
		require.NotEmpty(t, resp.Message)

		resp, err = s.Invoke(ctx, &wire.InvokeRequest{DeviceID: "cam0", Operation: wire.OpState})
		require.NoError(t, err)
		require.NoError(t, resp.Err())

		var st wire.StateResult
		require.NoError(t, wire.Decode(resp.Payload, &st))
		require.Equal(t, domain.StateIdle.String(), st.State)
	})
}

// TestServer_Acquisition runs a full acquisition over the wire.
func TestServer_Acquisition(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	waitReady(t, h)

	c := serve(t, h)("alice")

	devices, err := c.api.ListDevices(c.ctx, new(wire.ListDevicesRequest))
	require.NoError(t, err)
	require.Equal(t, "bench", devices.Server)
	require.Len(t, devices.Devices, 1)
	require.Equal(t, "cam0", devices.Devices[0].ID)
	require.Contains(t, devices.Devices[0].Capabilities, "camera")
	require.Equal(t, domain.StateIdle.String(), devices.Devices[0].State)

	resp := c.invoke(t, wire.OpSetSetting, wire.SetSettingArgs{Name: "exposure_ms", Value: 5})
	require.NoError(t, resp.Err())

	var committed wire.ValueResult
	require.NoError(t, wire.Decode(resp.Payload, &committed))
	require.InDelta(t, 5.0, committed.Value, 0)

	require.NoError(t, c.invoke(t, wire.OpArm, nil).Err())
	require.NoError(t, c.invoke(t, wire.OpTrigger, nil).Err())

	resp = c.invoke(t, wire.OpFetchFrame, wire.TimeoutArgs{TimeoutMS: 2000})
	require.NoError(t, resp.Err())

	var fetched wire.FrameResult
	require.NoError(t, wire.Decode(resp.Payload, &fetched))
	require.Equal(t, uint64(1), fetched.Frame.Sequence)
	require.Len(t, fetched.Frame.Payload, 8*4)

	resp = c.invoke(t, wire.OpListSettings, nil)
	require.NoError(t, resp.Err())

	var list wire.SettingsResult
	require.NoError(t, wire.Decode(resp.Payload, &list))
	require.NotEmpty(t, list.Settings)
	require.Equal(t, "exposure_ms", list.Settings[0].Name)

	ping, err := c.api.Ping(c.ctx, new(wire.PingRequest))
	require.NoError(t, err)
	require.NotEmpty(t, ping.Session)
}

// TestServer_SessionFollowsConnection verifies a lock is released when its
// holder disconnects.
func TestServer_SessionFollowsConnection(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	waitReady(t, h)

	dial := serve(t, h)
	alice, bob := dial("alice"), dial("bob")

	require.NoError(t, alice.invoke(t, wire.OpAcquire, wire.TimeoutArgs{}).Err())

	first, err := alice.api.Ping(alice.ctx, new(wire.PingRequest))
	require.NoError(t, err)

	again, err := alice.api.Ping(alice.ctx, new(wire.PingRequest))
	require.NoError(t, err)
	require.Equal(t, first.Session, again.Session)

	resp := bob.invoke(t, wire.OpSetSetting, wire.SetSettingArgs{Name: "exposure_ms", Value: 7})
	require.ErrorIs(t, resp.Err(), domain.ErrBusy)
	require.Contains(t, resp.Message, first.Session)

	require.NoError(t, alice.conn.Close())

	require.Eventually(t, func() bool {
		resp := bob.invoke(t, wire.OpSetSetting, wire.SetSettingArgs{Name: "exposure_ms", Value: 7})

		return resp.Err() == nil
	}, 5*time.Second, 20*time.Millisecond)
}

// TestServer_StreamFrames receives a triggered frame over a stream.
func TestServer_StreamFrames(t *testing.T) {
	t.Parallel()

	h := startHub(t)
	waitReady(t, h)

	c := serve(t, h)("alice")

	stream, err := c.api.StreamFrames(c.ctx, &wire.StreamFramesRequest{DeviceID: "cam0"})
	require.NoError(t, err)

	require.NoError(t, c.invoke(t, wire.OpSetSetting, wire.SetSettingArgs{Name: "exposure_ms", Value: 1}).Err())
	require.NoError(t, c.invoke(t, wire.OpArm, nil).Err())
	require.NoError(t, c.invoke(t, wire.OpTrigger, nil).Err())

	msg, err := stream.Recv()
	require.NoError(t, err)
	require.Empty(t, msg.ErrorKind)
	require.Equal(t, uint64(1), msg.Frame.Sequence)

	missing, err := c.api.StreamFrames(c.ctx, &wire.StreamFramesRequest{DeviceID: "cam9"})
	require.NoError(t, err)

	msg, err = missing.Recv()
	require.NoError(t, err)
	require.Equal(t, string(domain.KindUnknownDevice), msg.ErrorKind)
}
