package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oshokin/microscope/internal/config"
	"github.com/oshokin/microscope/internal/discovery"
	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/logger"
)

const (
	// defaultFetchTimeout bounds fetch when no timeout argument is given.
	defaultFetchTimeout = 5 * time.Second
	// defaultDiscoverTimeout is how long discover listens for answers.
	defaultDiscoverTimeout = 3 * time.Second
	// frameFilePermissions applies to frame payloads written by fetch.
	frameFilePermissions = 0o644
)

var (
	// errBadArgument is returned for malformed command arguments.
	errBadArgument = errors.New("invalid argument")
	// errUnknownCommand is returned for names missing from the command table.
	errUnknownCommand = errors.New("unknown command")
	// errUsage is returned when the argument count does not fit the command.
	errUsage = errors.New("usage")
)

// Options configures a microscope-client invocation.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// ServerAddress overrides server address from config when specified.
	ServerAddress string
	// Timeout overrides the call timeout from config when positive.
	Timeout time.Duration
	// OperationTimeout is the extra time for arm, trigger and moves,
	// DefaultOperationTimeout when zero.
	OperationTimeout time.Duration
	// Interfaces restricts discovery to the named network interfaces.
	Interfaces []string
}

// Command is one entry of the client command table.
type Command struct {
	// Name is the command word.
	Name string
	// Args is the argument synopsis.
	Args string
	// Short is the one-line description.
	Short string
	// MinArgs is the minimum argument count.
	MinArgs int
	// MaxArgs is the maximum argument count, negative for unbounded.
	MaxArgs int
	// Offline commands run without a server connection.
	Offline bool
	// run executes the command.
	run func(ctx context.Context, e *env, args []string) error
}

// env is what a command runs against.
type env struct {
	// client is the connection, nil for offline commands.
	client *Client
	// opts are the invocation options.
	opts *Options
	// out receives the command output.
	out io.Writer
}

// Commands returns the command table in display order.
//
//nolint:funlen // Flat table of every client command.
func Commands() []Command {
	return []Command{
		{Name: "ping", Short: "Check the server and show the session id.", run: runPing},
		{Name: "devices", Short: "List the devices the server exposes.", run: runDevices},
		{Name: "caps", Args: "<device>", Short: "Show the type and capabilities of a device.", MinArgs: 1, MaxArgs: 1, run: runCaps},
		{Name: "settings", Args: "<device>", Short: "List settings with descriptors and values.", MinArgs: 1, MaxArgs: 1, run: runSettings},
		{Name: "get", Args: "<device> [name]", Short: "Read one setting or all of them.", MinArgs: 1, MaxArgs: 2, run: runGet},
		{
			Name: "set", Args: "<device> <name> <value> [<name> <value>...]",
			Short:   "Write settings; several pairs are applied as one validated batch.",
			MinArgs: 3, MaxArgs: -1, run: runSet,
		},
		{Name: "arm", Args: "<device>", Short: "Arm a trigger target.", MinArgs: 1, MaxArgs: 1, run: runArm},
		{Name: "trigger", Args: "<device>", Short: "Trigger an armed device.", MinArgs: 1, MaxArgs: 1, run: runTrigger},
		{Name: "abort", Args: "<device>", Short: "Abort an acquisition or a move.", MinArgs: 1, MaxArgs: 1, run: runAbort},
		{Name: "busy", Args: "<device>", Short: "Report whether a device is busy.", MinArgs: 1, MaxArgs: 1, run: runBusy},
		{Name: "state", Args: "<device>", Short: "Show the trigger state.", MinArgs: 1, MaxArgs: 1, run: runState},
		{
			Name: "fetch", Args: "<device> [timeout] [file]",
			Short:   "Fetch the oldest frame, optionally saving its payload.",
			MinArgs: 1, MaxArgs: 3, run: runFetch,
		},
		{Name: "stream", Args: "<device> [count]", Short: "Print frames as they are produced.", MinArgs: 1, MaxArgs: 2, run: runStream},
		{Name: "move", Args: "<device> <axis=um>...", Short: "Move stage axes and wait.", MinArgs: 2, MaxArgs: -1, run: runMove},
		{Name: "position", Args: "<device>", Short: "Show the stage position.", MinArgs: 1, MaxArgs: 1, run: runPosition},
		{Name: "roi", Args: "<device> <left> <top> <width> <height>", Short: "Set the camera region of interest.", MinArgs: 5, MaxArgs: 5, run: runROI},
		{Name: "pattern", Args: "<device> <value>...", Short: "Apply a deformable mirror pattern.", MinArgs: 2, MaxArgs: -1, run: runPattern},
		{Name: "actuators", Args: "<device>", Short: "Show the mirror actuator count.", MinArgs: 1, MaxArgs: 1, run: runActuators},
		{Name: "acquire", Args: "<device> [timeout]", Short: "Lock a device for this session.", MinArgs: 1, MaxArgs: 2, run: runAcquire},
		{Name: "release", Args: "<device>", Short: "Release a device lock.", MinArgs: 1, MaxArgs: 1, run: runRelease},
		{Name: "stats", Args: "<device>", Short: "Show frame buffer counters.", MinArgs: 1, MaxArgs: 1, run: runStats},
		{Name: "history", Args: "<device> [limit]", Short: "Show recent device events.", MinArgs: 1, MaxArgs: 2, run: runHistory},
		{
			Name: "discover", Args: "[timeout]", Short: "Browse the local network for servers.",
			MaxArgs: 1, Offline: true, run: runDiscover,
		},
	}
}

// Lookup finds a command by name.
func Lookup(name string) (Command, bool) {
	for _, c := range Commands() {
		if c.Name == name {
			return c, true
		}
	}

	return Command{}, false
}

// Usage returns the synopsis of the command.
func (c *Command) Usage() string {
	if c.Args == "" {
		return c.Name
	}

	return c.Name + " " + c.Args
}

// Run executes one command against the configured server.
func Run(ctx context.Context, opts *Options, name string, args []string) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "microscope-client")

	cmd, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownCommand, name)
	}

	if cmd.Offline {
		return Execute(ctx, nil, opts, os.Stdout, name, args)
	}

	client, err := Connect(ctx, opts)
	if err != nil {
		return err
	}

	// Close connection on function exit.
	defer func() {
		_ = client.Close()
	}()

	return Execute(ctx, client, opts, os.Stdout, name, args)
}

// Connect dials the server named by the options or the configuration file.
func Connect(ctx context.Context, opts *Options) (*Client, error) {
	serverAddress, timeout, err := resolveTarget(opts)
	if err != nil {
		return nil, err
	}

	clientOpts := []Option{WithCallTimeout(timeout)}
	if opts.OperationTimeout > 0 {
		clientOpts = append(clientOpts, WithOperationTimeout(opts.OperationTimeout))
	}

	// Identify current user and hostname for the server's session log.
	identity, err := DetectIdentity()
	if err != nil {
		logger.Warnf(ctx, "Connecting anonymously: %v", err)
	} else {
		clientOpts = append(clientOpts, WithIdentity(identity))
	}

	logger.DebugKV(ctx, "Connecting to microscope server", "server_address", serverAddress)

	return Dial(ctx, serverAddress, clientOpts...)
}

// resolveTarget picks the server address and call timeout. An explicit
// address makes the configuration file optional.
func resolveTarget(opts *Options) (string, time.Duration, error) {
	serverAddress, timeout := opts.ServerAddress, opts.Timeout

	cfg, err := config.Load(opts.ConfigPath)

	switch {
	case err == nil:
		if serverAddress == "" {
			serverAddress = cfg.ServerAddress
		}

		if timeout <= 0 {
			timeout = cfg.Timeout
		}
	case serverAddress == "":
		return "", 0, err
	}

	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}

	return serverAddress, timeout, nil
}

// Execute runs one command with an established client. Offline commands
// accept a nil client.
func Execute(ctx context.Context, client *Client, opts *Options, out io.Writer, name string, args []string) error {
	cmd, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownCommand, name)
	}

	if len(args) < cmd.MinArgs || (cmd.MaxArgs >= 0 && len(args) > cmd.MaxArgs) {
		return fmt.Errorf("%w: %s", errUsage, cmd.Usage())
	}

	if opts == nil {
		opts = new(Options)
	}

	return cmd.run(ctx, &env{client: client, opts: opts, out: out}, args)
}

func runPing(ctx context.Context, e *env, _ []string) error {
	resp, err := e.client.Ping(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(e.out, "%s %s session=%s time=%s\n",
		resp.Server, resp.Version, resp.Session, resp.Time.Format(time.RFC3339))

	return err
}

func runDevices(ctx context.Context, e *env, _ []string) error {
	resp, err := e.client.Devices(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tREADY\tSTATE\tOWNER\tCAPABILITIES")

	for _, d := range resp.Devices {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			d.ID, d.Type, d.Ready, orDash(d.State), orDash(d.Owner), strings.Join(d.Capabilities, ","))
	}

	return w.Flush()
}

func runCaps(ctx context.Context, e *env, args []string) error {
	typ, caps, err := e.client.Device(args[0]).Capabilities(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(e.out, "%s: %s\n", typ, caps)

	return err
}

func runSettings(ctx context.Context, e *env, args []string) error {
	list, err := e.client.Device(args[0]).ListSettings(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tVALUE\tUNIT\tFLAGS\tACCEPTS")

	for i := range list {
		info := &list[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			info.Name, info.Type, FormatValue(info.Value), orDash(info.Unit), formatFlags(info), formatConstraints(info))
	}

	return w.Flush()
}

func runGet(ctx context.Context, e *env, args []string) error {
	dev := e.client.Device(args[0])

	if len(args) == 2 {
		value, err := dev.GetSetting(ctx, args[1])
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(e.out, FormatValue(value))

		return err
	}

	values, err := dev.GetAllSettings(ctx)
	if err != nil {
		return err
	}

	for _, name := range slices.Sorted(maps.Keys(values)) {
		_, _ = fmt.Fprintf(e.out, "%s = %s\n", name, FormatValue(values[name]))
	}

	return nil
}

func runSet(ctx context.Context, e *env, args []string) error {
	dev := e.client.Device(args[0])
	pairs := args[1:]

	if len(pairs)%2 != 0 {
		return fmt.Errorf("%w: settings must be name value pairs", errBadArgument)
	}

	if len(pairs) == 2 {
		committed, err := dev.SetSetting(ctx, pairs[0], ParseValue(pairs[1]))
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(e.out, "%s = %s\n", pairs[0], FormatValue(committed))

		return err
	}

	values := make(map[string]any, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		values[pairs[i]] = ParseValue(pairs[i+1])
	}

	results, err := dev.UpdateSettings(ctx, values)
	for _, r := range results {
		mark := "unchanged"
		if r.Changed {
			mark = "applied"
		}

		_, _ = fmt.Fprintf(e.out, "%s = %s (%s)\n", r.Name, FormatValue(r.Value), mark)
	}

	return err
}

func runArm(ctx context.Context, e *env, args []string) error {
	return e.client.Device(args[0]).Arm(ctx)
}

func runTrigger(ctx context.Context, e *env, args []string) error {
	return e.client.Device(args[0]).Trigger(ctx)
}

func runAbort(ctx context.Context, e *env, args []string) error {
	return e.client.Device(args[0]).Abort(ctx)
}

func runBusy(ctx context.Context, e *env, args []string) error {
	busy, err := e.client.Device(args[0]).IsBusy(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(e.out, busy)

	return err
}

func runState(ctx context.Context, e *env, args []string) error {
	state, err := e.client.Device(args[0]).State(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(e.out, state)

	return err
}

func runFetch(ctx context.Context, e *env, args []string) error {
	timeout, err := parseDuration(args, 1, defaultFetchTimeout)
	if err != nil {
		return err
	}

	frame, dropped, err := e.client.Device(args[0]).FetchFrame(ctx, timeout)
	if err != nil {
		return err
	}

	if err := printFrame(e.out, frame, dropped); err != nil {
		return err
	}

	if len(args) == 3 {
		if err := os.WriteFile(args[2], frame.Payload, frameFilePermissions); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}

	return nil
}

func runStream(ctx context.Context, e *env, args []string) error {
	limit := 0

	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("%w: count %q", errBadArgument, args[1])
		}

		limit = n
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	received := 0

	return e.client.Device(args[0]).StreamFrames(ctx, func(frame *domain.Frame, dropped uint64) error {
		if err := printFrame(e.out, frame, dropped); err != nil {
			return err
		}

		received++
		if limit > 0 && received >= limit {
			cancel()
		}

		return nil
	})
}

func runMove(ctx context.Context, e *env, args []string) error {
	target, err := ParsePosition(args[1:])
	if err != nil {
		return err
	}

	return e.client.Device(args[0]).MoveTo(ctx, target)
}

func runPosition(ctx context.Context, e *env, args []string) error {
	position, err := e.client.Device(args[0]).GetPosition(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(e.out, formatPosition(position))

	return err
}

func runROI(ctx context.Context, e *env, args []string) error {
	var values [4]int

	for i, token := range args[1:] {
		v, err := strconv.Atoi(token)
		if err != nil {
			return fmt.Errorf("%w: %w", errBadArgument, err)
		}

		values[i] = v
	}

	return e.client.Device(args[0]).ConfigureROI(ctx, domain.ROI{
		Left:   values[0],
		Top:    values[1],
		Width:  values[2],
		Height: values[3],
	})
}

func runPattern(ctx context.Context, e *env, args []string) error {
	pattern, err := ParseFloats(args[1:])
	if err != nil {
		return err
	}

	return e.client.Device(args[0]).ApplyPattern(ctx, pattern)
}

func runActuators(ctx context.Context, e *env, args []string) error {
	n, err := e.client.Device(args[0]).ActuatorCount(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(e.out, n)

	return err
}

func runAcquire(ctx context.Context, e *env, args []string) error {
	timeout, err := parseDuration(args, 1, 0)
	if err != nil {
		return err
	}

	return e.client.Device(args[0]).Acquire(ctx, timeout)
}

func runRelease(ctx context.Context, e *env, args []string) error {
	return e.client.Device(args[0]).Release(ctx)
}

func runStats(ctx context.Context, e *env, args []string) error {
	stats, err := e.client.Device(args[0]).BufferStats(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(e.out, "produced=%d dropped=%d rejected=%d length=%d capacity=%d policy=%s\n",
		stats.Produced, stats.Dropped, stats.Rejected, stats.Length, stats.Capacity, stats.Policy)

	return err
}

func runHistory(ctx context.Context, e *env, args []string) error {
	limit := 0

	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("%w: limit %q", errBadArgument, args[1])
		}

		limit = n
	}

	entries, err := e.client.Device(args[0]).History(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tKIND\tSESSION\tDETAIL")

	for _, entry := range entries {
		detail := entry.Message

		switch {
		case entry.To != "":
			detail = entry.From + " -> " + entry.To
		case entry.Setting != "":
			detail = entry.Setting + " = " + FormatValue(entry.Value)
		case entry.Sequence > 0:
			detail = fmt.Sprintf("frame %d", entry.Sequence)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			entry.Time.Local().Format(time.DateTime), entry.Kind, orDash(entry.Session), orDash(detail))
	}

	return w.Flush()
}

func runDiscover(ctx context.Context, e *env, args []string) error {
	timeout, err := parseDuration(args, 0, defaultDiscoverTimeout)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	servers, err := discovery.Browse(ctx, e.opts.Interfaces)
	if err != nil {
		return err
	}

	if len(servers) == 0 {
		_, err = fmt.Fprintln(e.out, "No servers found.")

		return err
	}

	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INSTANCE\tADDRESS\tVERSION\tDEVICES")

	for i := range servers {
		s := &servers[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Instance, s.Address(), orDash(s.Version), strings.Join(s.Devices, ","))
	}

	return w.Flush()
}

func printFrame(out io.Writer, frame *domain.Frame, dropped uint64) error {
	_, err := fmt.Fprintf(out, "frame %d %dx%d %s %d bytes dropped=%d at %s\n",
		frame.Sequence, frame.Width, frame.Height, orDash(frame.Format), len(frame.Payload), dropped,
		frame.Timestamp.Local().Format(time.TimeOnly))

	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
