package microscope

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/hub"
	"github.com/oshokin/microscope/internal/logger"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

// streamPoll bounds one buffer wait of a frame stream, so a stream keeps
// its session alive and notices a vanished client.
const streamPoll = time.Second

// Server implements the DeviceService gRPC API. It is also the stats
// handler that binds sessions to connections and must be installed with
// grpc.StatsHandler.
type Server struct {
	// hub serves the devices.
	hub *hub.Hub
	// name is reported to clients.
	name string
	// version is reported to clients.
	version string
	// ctx is the server lifetime context, used for session teardown.
	ctx context.Context //nolint:containedctx // Teardown outlives the connection context.
	// conns numbers connections.
	conns atomic.Uint64
}

// NewServer wires the hub into a gRPC handler.
func NewServer(ctx context.Context, h *hub.Hub, name, version string) *Server {
	return &Server{
		hub:     h,
		name:    name,
		version: version,
		ctx:     logger.WithName(ctx, "grpc"),
	}
}

// Register attaches the service to a gRPC server.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	wire.RegisterDeviceServiceServer(registrar, s)
}

// ListDevices returns every served device with its readiness and owner.
func (s *Server) ListDevices(ctx context.Context, _ *wire.ListDevicesRequest) (*wire.ListDevicesResponse, error) {
	_, done := s.session(ctx)
	defer done()

	devices := s.hub.Devices()
	out := make([]wire.DeviceInfo, 0, len(devices))

	for _, d := range devices {
		info := wire.DeviceInfo{
			ID:           d.ID,
			Type:         string(d.Type),
			Capabilities: d.Capabilities.Tags(),
			Ready:        d.Ready,
			Owner:        d.Owner,
		}

		if d.Capabilities.Has(domain.CapTriggerTarget) {
			info.State = d.State.String()
		}

		out = append(out, info)
	}

	return &wire.ListDevicesResponse{
		Server:  s.name,
		Version: s.version,
		Devices: out,
	}, nil
}

// Ping refreshes the caller's session and reports server identity.
func (s *Server) Ping(ctx context.Context, _ *wire.PingRequest) (*wire.PingResponse, error) {
	sessionID, done := s.session(ctx)
	defer done()

	return &wire.PingResponse{
		Server:  s.name,
		Version: s.version,
		Session: sessionID,
		Time:    time.Now().UTC(),
	}, nil
}

// Invoke runs one named device operation for the caller's session.
func (s *Server) Invoke(ctx context.Context, req *wire.InvokeRequest) (*wire.InvokeResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	sessionID, done := s.session(ctx)
	defer done()

	ctx = logger.WithKV(ctx, "device", req.DeviceID, "operation", req.Operation, "session", sessionID)

	op, ok := operations[req.Operation]
	if !ok {
		return s.respond(ctx, nil,
			domain.Errorf(domain.KindUnsupportedOperation, "unknown operation %q", req.Operation))
	}

	d, err := s.hub.Device(req.DeviceID)
	if err != nil {
		return s.respond(ctx, nil, err)
	}

	payload, err := op(ctx, &call{
		hub:     s.hub,
		device:  d,
		session: sessionID,
		args:    req.Args,
	})

	return s.respond(ctx, payload, err)
}

// StreamFrames pushes frames from a device buffer until the client goes
// away or the device fails. Fetching is subject to the device lock like
// any other control call.
func (s *Server) StreamFrames(req *wire.StreamFramesRequest, stream grpc.ServerStreamingServer[wire.FrameMessage]) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}

	ctx := stream.Context()

	sessionID, done := s.session(ctx)
	defer done()

	ctx = logger.WithKV(ctx, "device", req.DeviceID, "session", sessionID)

	d, err := s.hub.Device(req.DeviceID)
	if err != nil {
		return stream.Send(failure(err))
	}

	logger.InfoKV(ctx, "Frame stream opened")
	defer logger.InfoKV(ctx, "Frame stream closed")

	for {
		frame, dropped, err := d.FetchFrame(ctx, sessionID, streamPoll)

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, domain.ErrTimeout):
			continue
		case err != nil:
			return stream.Send(failure(err))
		}

		if err := stream.Send(&wire.FrameMessage{Frame: wire.FromFrame(frame), Dropped: dropped}); err != nil {
			return err
		}
	}
}

// respond encodes an operation outcome. A failed operation may still carry
// a payload, such as the partial results of a batch update.
func (s *Server) respond(ctx context.Context, payload any, opErr error) (*wire.InvokeResponse, error) {
	resp := &wire.InvokeResponse{Status: wire.StatusOK}

	if payload != nil {
		raw, err := wire.Encode(payload)
		if err != nil {
			logger.Errorf(ctx, "Failed to encode payload: %v", err)

			opErr = errors.Join(opErr, domain.Wrap(domain.KindCommunicationError, "encode payload", err))
		}

		resp.Payload = raw
	}

	if opErr != nil {
		resp.Status = wire.StatusError
		resp.ErrorKind = string(domain.KindOf(opErr))
		resp.Message = domain.MessageOf(opErr)

		logger.DebugKV(ctx, "Operation failed", "kind", resp.ErrorKind, "message", resp.Message)
	}

	return resp, nil
}

// failure turns an error into a terminal stream message.
func failure(err error) *wire.FrameMessage {
	return &wire.FrameMessage{
		ErrorKind: string(domain.KindOf(err)),
		Message:   domain.MessageOf(err),
	}
}
