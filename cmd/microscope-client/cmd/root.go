package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/microscope/internal/config"
	"github.com/oshokin/microscope/internal/service/client"
	"github.com/oshokin/microscope/internal/service/shell"
	"github.com/oshokin/microscope/internal/version"
)

var (
	// options are shared by every subcommand.
	options client.Options

	// rootCmd represents the base command of the device client.
	rootCmd = &cobra.Command{
		Use:   "microscope-client",
		Short: "Control devices exposed by a microscope server.",
		Long: `Connects to a microscope server and runs one device operation per invocation.

The server address comes from --server or from the configuration file.
Run "microscope-client shell" for an interactive session that keeps one
connection, and therefore one set of device locks, across commands.`,
		SilenceUsage: true,
	}

	// shellCmd starts the interactive console.
	shellCmd = &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive console.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return shell.Run(ctx, &options)
		},
	}
)

// Execute runs the microscope-client CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newDeviceCommand wraps one client command as a cobra subcommand.
func newDeviceCommand(c client.Command) *cobra.Command {
	use := c.Name
	if c.Args != "" {
		use += " " + c.Args
	}

	args := cobra.MinimumNArgs(c.MinArgs)
	if c.MaxArgs >= 0 {
		args = cobra.RangeArgs(c.MinArgs, c.MaxArgs)
	}

	return &cobra.Command{
		Use:   use,
		Short: c.Short,
		Args:  args,
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return client.Run(ctx, &options, c.Name, args)
		},
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup persistent flags shared by every subcommand.
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&options.ConfigPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVarP(&options.ServerAddress, "server", "a", "", "server address, overrides config")
	flags.DurationVarP(&options.Timeout, "timeout", "t", time.Duration(0), "per-call timeout, overrides config")
	flags.DurationVar(&options.OperationTimeout, "op-timeout", client.DefaultOperationTimeout,
		"extra time allowed for arm, trigger and move")
	flags.StringSliceVar(&options.Interfaces, "interface", nil, "network interfaces used by discover")

	for _, c := range client.Commands() {
		rootCmd.AddCommand(newDeviceCommand(c))
	}

	rootCmd.AddCommand(shellCmd)
}
