package client

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	api "github.com/oshokin/microscope/internal/api/grpc/microscope"
	"github.com/oshokin/microscope/internal/buffer"
	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
	"github.com/oshokin/microscope/internal/driver/simulated"
	"github.com/oshokin/microscope/internal/hub"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

// startServer serves a simulated camera and stage and returns a connected
// client. opts are applied after the defaults.
func startServer(t *testing.T, opts ...Option) *Client {
	t.Helper()

	catalog := driver.NewCatalog()
	require.NoError(t, simulated.Register(catalog))

	defs, err := catalog.BuildAll([]driver.Spec{
		{ID: "cam0", Driver: simulated.CameraDriver, Type: domain.TypeCamera, Options: driver.Options{"width": 8, "height": 4}},
		{ID: "xyz", Driver: simulated.StageDriver, Type: domain.TypeStage, Options: driver.Options{"speed_um_s": 100000}},
	})
	require.NoError(t, err)

	cfg := hub.Config{}
	for _, def := range defs {
		cfg.Devices = append(cfg.Devices, hub.DeviceConfig{Definition: def, BufferPolicy: buffer.DropOldest})
	}

	h, err := hub.New(t.Context(), cfg)
	require.NoError(t, err)

	h.Start(context.Background())
	t.Cleanup(func() {
		require.NoError(t, h.Close(context.Background()))
	})

	require.Eventually(t, func() bool {
		for _, d := range h.Devices() {
			if !d.Ready {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)

	lis := bufconn.Listen(1 << 20)
	srv := api.NewServer(t.Context(), h, "bench", "test")
	grpcServer := grpc.NewServer(wire.ServerOption(), grpc.StatsHandler(srv))
	srv.Register(grpcServer)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	t.Cleanup(grpcServer.Stop)

	dialOpts := append([]Option{
		WithCallTimeout(5 * time.Second),
		WithIdentity(&domain.ClientIdentity{Hostname: "bench", Username: "alice"}),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	}, opts...)

	client, err := Dial(t.Context(), "passthrough:///bufnet", dialOpts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

// TestClient_Camera drives a camera through its stub.
func TestClient_Camera(t *testing.T) {
	t.Parallel()

	client := startServer(t)
	ctx := t.Context()
	cam := client.Device("cam0")

	typ, caps, err := cam.Capabilities(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.TypeCamera, typ)
	require.True(t, caps.Has(domain.CapTriggerTarget))

	_, err = cam.SetSetting(ctx, "exposure_ms", -5)
	require.ErrorIs(t, err, domain.ErrOutOfRange)

	committed, err := cam.SetSetting(ctx, "exposure_ms", 2)
	require.NoError(t, err)
	require.InDelta(t, 2.0, committed, 0)

	value, err := cam.GetSetting(ctx, "exposure_ms")
	require.NoError(t, err)
	require.InDelta(t, 2.0, value, 0)

	require.NoError(t, cam.Arm(ctx))

	state, err := cam.State(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StateArmed, state)

	err = cam.ApplyPattern(ctx, []float64{1})
	require.ErrorIs(t, err, domain.ErrUnsupportedOperation)

	require.NoError(t, cam.Trigger(ctx))

	frame, dropped, err := cam.FetchFrame(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(1), frame.Sequence)
	require.Zero(t, dropped)
	require.Len(t, frame.Payload, 8*4)

	require.Eventually(t, func() bool {
		busy, err := cam.IsBusy(ctx)

		return err == nil && !busy
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err = cam.FetchFrame(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, domain.ErrTimeout)

	stats, err := cam.BufferStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Produced)

	_, err = client.Device("cam9").GetSetting(ctx, "exposure_ms")
	require.ErrorIs(t, err, domain.ErrUnknownDevice)
}

// TestClient_MoveOutlastsCallTimeout gives a stage move more time than a
// plain call.
func TestClient_MoveOutlastsCallTimeout(t *testing.T) {
	t.Parallel()

	client := startServer(t, WithCallTimeout(20*time.Millisecond), WithOperationTimeout(5*time.Second))
	require.Equal(t, 5*time.Second, client.operationTimeout)

	// 10000 um at 100000 um/s takes 100ms.
	require.NoError(t, client.Device("xyz").MoveTo(t.Context(), domain.Position{"x": 10000}))
}

// TestClient_UnreachableServer reports a communication error.
func TestClient_UnreachableServer(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(1024)
	require.NoError(t, lis.Close())

	client, err := Dial(t.Context(), "passthrough:///closed",
		WithCallTimeout(time.Second),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	require.NoError(t, err)

	defer func() {
		_ = client.Close()
	}()

	_, err = client.Ping(t.Context())
	require.Error(t, err)
	require.Contains(t, []domain.Kind{domain.KindCommunicationError, domain.KindTimeout}, domain.KindOf(err))

	_, err = Dial(t.Context(), "")
	require.ErrorIs(t, err, errAddressRequired)
}

// TestExecute runs table commands against a live server.
func TestExecute(t *testing.T) {
	t.Parallel()

	client := startServer(t)
	ctx := t.Context()

	run := func(name string, args ...string) (string, error) {
		var out bytes.Buffer

		err := Execute(ctx, client, nil, &out, name, args)

		return out.String(), err
	}

	out, err := run("devices")
	require.NoError(t, err)
	require.Contains(t, out, "cam0")
	require.Contains(t, out, "xyz")

	out, err = run("set", "cam0", "exposure_ms", "3", "binning", "2x2")
	require.NoError(t, err)
	require.Contains(t, out, "binning = 2x2 (applied)")

	out, err = run("get", "cam0", "binning")
	require.NoError(t, err)
	require.Equal(t, "2x2\n", out)

	out, err = run("settings", "cam0")
	require.NoError(t, err)
	require.Contains(t, out, "exposure_ms")

	_, err = run("move", "xyz", "x=10", "y=-5")
	require.NoError(t, err)

	out, err = run("position", "xyz")
	require.NoError(t, err)
	require.Contains(t, out, "x=10")
	require.Contains(t, out, "y=-5")

	_, err = run("move", "xyz", "x")
	require.ErrorIs(t, err, errBadArgument)

	_, err = run("roi", "cam0", "0", "0")
	require.ErrorIs(t, err, errUsage)

	_, err = run("focus", "cam0")
	require.ErrorIs(t, err, errUnknownCommand)

	_, err = run("arm", "xyz")
	require.ErrorIs(t, err, domain.ErrUnsupportedOperation)
}

// TestParseValue checks command-line tokens become typed values.
func TestParseValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		token string
		want  any
	}{
		{token: "50", want: 50},
		{token: "2.5", want: 2.5},
		{token: "true", want: true},
		{token: "[1, 2.5]", want: []any{1, 2.5}},
		{token: "2x2", want: "2x2"},
		{token: "mode: fast", want: "mode: fast"},
		{token: "", want: ""},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, ParseValue(tt.token), tt.token)
	}

	position, err := ParsePosition([]string{"x=1.5", "z=-2"})
	require.NoError(t, err)
	require.Equal(t, domain.Position{"x": 1.5, "z": -2}, position)

	require.Equal(t, "[1, 2.5]", FormatValue([]float64{1, 2.5}))
	require.Equal(t, "0.1", FormatValue(0.1))
}
