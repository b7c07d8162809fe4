package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	api "github.com/oshokin/microscope/internal/api/grpc/microscope"
	"github.com/oshokin/microscope/internal/config"
	"github.com/oshokin/microscope/internal/discovery"
	"github.com/oshokin/microscope/internal/hub"
	"github.com/oshokin/microscope/internal/logger"
	"github.com/oshokin/microscope/internal/version"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

const (
	// keepaliveTime is the idle interval after which the server pings a client.
	keepaliveTime = 15 * time.Second
	// keepaliveTimeout is how long a ping may go unanswered before the
	// connection, and with it the session, is dropped.
	keepaliveTimeout = 10 * time.Second
	// keepaliveMinTime is the most frequent client ping the server tolerates.
	keepaliveMinTime = 5 * time.Second
)

// Options controls the microscope-server process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override for the gRPC server.
	ListenAddress string
	// StateFile specifies the path to persist the settings snapshot.
	StateFile string
	// LogLevel overrides the log level from config when specified.
	LogLevel string
}

// ErrNoServerAddress indicates missing server configuration.
var ErrNoServerAddress = errors.New("no server address configured")

// Run starts the gRPC server and blocks until context is canceled or server stops.
// Loads configuration first, then builds the devices, the event sinks and the transport.
//
//nolint:funlen // Linear startup and shutdown sequence.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "microscope-server")

	// Load configuration first to get server settings.
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if opts.LogLevel != "" {
		settings.LogLevel = opts.LogLevel
	}

	if err := logger.Configure(settings.LogLevel, settings.LogFormat); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	// Use StateFile from config unless overridden by command line option.
	if opts.StateFile != "" {
		settings.StateFile = opts.StateFile
	}

	// Determine listen address: CLI argument overrides config port extraction.
	listenAddress, err := resolveListenAddress(settings.ServerAddress, opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	// Build every configured device through the driver catalog.
	devices, err := buildDevices(settings.Devices)
	if err != nil {
		return fmt.Errorf("build devices: %w", err)
	}

	// Attach the event sinks; the journal also serves history queries.
	stack, err := openSinks(ctx, settings)
	if err != nil {
		return fmt.Errorf("open event sinks: %w", err)
	}

	h, err := hub.New(ctx, hub.Config{
		Devices:        devices,
		LockTimeout:    settings.LockTimeout,
		SessionTimeout: settings.SessionTimeout,
		Bus:            stack.bus,
		Snapshots:      stack.snapshots,
		History:        stack.history(),
	})
	if err != nil {
		stack.close(ctx)

		return fmt.Errorf("initialise hub: %w", err)
	}

	// The hub outlives the listener so in-flight calls can drain on shutdown.
	h.Start(context.WithoutCancel(ctx))

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settings.Timeout)
		defer cancel()

		if err := h.Close(stopCtx); err != nil {
			logger.Errorf(ctx, "Failed to close hub: %v", err)
		}

		stack.close(stopCtx)
	}()

	// Setup TCP listener for gRPC server.
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	}

	// Create and configure gRPC server with the device service.
	srv := api.NewServer(ctx, h, settings.ServerName, version.Short())
	grpcServer := grpc.NewServer(
		wire.ServerOption(),
		grpc.StatsHandler(srv),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    keepaliveTime,
			Timeout: keepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepaliveMinTime,
			PermitWithoutStream: true,
		}),
	)
	srv.Register(grpcServer)

	advertiser := advertise(ctx, settings, lis.Addr(), h.DeviceIDs())

	logger.InfoKV(ctx, "Microscope server listening",
		"listen_address", listenAddress,
		"devices", len(devices),
		"state_file", settings.StateFile)

	// Done channel is closed after the server fully stops to ensure we block
	// until it does before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down gRPC server")

		if advertiser != nil {
			advertiser.Shutdown()
		}

		stopGracefully(grpcServer, settings.Timeout)
		close(done)
	}()

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	logger.Info(ctx, "GRPC server stopped")

	return nil
}

// stopGracefully lets in-flight calls finish, cutting open frame streams
// once the timeout passes.
func stopGracefully(s *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})

	go func() {
		s.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(timeout):
		s.Stop()
		<-stopped
	}
}

// advertise announces the server over mDNS when discovery is enabled.
// Failure is logged: the server stays reachable by address.
func advertise(ctx context.Context, settings *config.Config, addr net.Addr, devices []string) *discovery.Advertiser {
	if !settings.Discovery.Enabled {
		return nil
	}

	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}

	instance := settings.Discovery.Instance
	if instance == "" {
		instance = settings.ServerName
	}

	advertiser, err := discovery.Advertise(ctx, discovery.Announcement{
		Instance:   instance,
		Port:       tcpAddr.Port,
		Devices:    devices,
		Version:    version.Short(),
		Interfaces: settings.Discovery.Interfaces,
	})
	if err != nil {
		logger.Warnf(ctx, "mDNS advertisement disabled: %v", err)

		return nil
	}

	return advertiser
}

// resolveListenAddress determines the listen address for the gRPC server.
// If override is provided, uses it directly. Otherwise extracts port from configAddr.
// Returns appropriate listen address (e.g., ":8080" for port-only binding).
func resolveListenAddress(configAddr, override string) (string, error) {
	// Use override address if provided (e.g., ":9090", "0.0.0.0:8080").
	if override != "" {
		return override, nil
	}

	// Extract port from config address (e.g., "scope.lab.local:7700" -> ":7700").
	if configAddr == "" {
		return "", ErrNoServerAddress
	}

	// Parse the address to extract port.
	_, port, err := net.SplitHostPort(configAddr)
	if err != nil {
		return "", fmt.Errorf("invalid server address format %q: %w", configAddr, err)
	}

	// Return port-only listen address to bind on all interfaces.
	return ":" + port, nil
}
