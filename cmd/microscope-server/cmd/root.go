package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/microscope/internal/config"
	"github.com/oshokin/microscope/internal/service/server"
	"github.com/oshokin/microscope/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// stateFile overrides the settings snapshot path from config.
	stateFile string
	// logLevel overrides the log level from config.
	logLevel string

	// rootCmd represents the base command for running the device server.
	rootCmd = &cobra.Command{
		Use:   "microscope-server [listen-address]",
		Short: "Serve the configured microscope devices over gRPC.",
		Long: `Starts the device server that owns every configured device and handles client requests.

Devices are built from the configuration file at startup; a device that fails to
initialize is reported as not ready while the rest stay usable.
Listen address can be provided as argument to override config (e.g., :9090, 0.0.0.0:8080).
Settings snapshots are persisted to the state file and re-applied on the next start.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			options := &server.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
				StateFile:     stateFile,
				LogLevel:      logLevel,
			}

			return server.Run(ctx, options)
		},
	}
)

// Execute runs the microscope-server CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().
		StringVarP(&stateFile, "state-file", "s", "", "path to persist settings snapshots, overrides config")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error, overrides config")
}
