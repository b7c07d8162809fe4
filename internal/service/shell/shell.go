// Package shell is the interactive microscope-client mode: a readline
// prompt over one connection, so locks and armed devices survive between
// commands for as long as the shell runs.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/oshokin/microscope/internal/logger"
	"github.com/oshokin/microscope/internal/service/client"
)

// Prompt is shown before every command.
const Prompt = "microscope> "

// Shell reads commands and runs them over one client connection.
type Shell struct {
	// client is the connection, shared by every command.
	client *client.Client
	// opts are passed to commands.
	opts *client.Options
	// rl is the line editor, nil when lines are fed directly.
	rl *readline.Instance
	// out receives command output.
	out io.Writer
}

// Run connects to the server and reads commands until EOF, quit or ctx is done.
func Run(ctx context.Context, opts *client.Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "microscope-shell")

	c, err := client.Connect(ctx, opts)
	if err != nil {
		return err
	}

	// Close connection on function exit.
	defer func() {
		_ = c.Close()
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          Prompt,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("create readline: %w", err)
	}

	defer func() {
		_ = rl.Close()
	}()

	s := New(c, opts, rl.Stdout())
	s.rl = rl

	return s.loop(ctx)
}

// New creates a shell writing to out.
func New(c *client.Client, opts *client.Options, out io.Writer) *Shell {
	return &Shell{
		client: c,
		opts:   opts,
		out:    out,
	}
}

func (s *Shell) loop(ctx context.Context) error {
	s.printHelp()

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := s.rl.Readline()

		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("read command: %w", err)
		}

		if !s.Handle(ctx, line) {
			return nil
		}
	}
}

// Handle runs one input line. It returns false when the shell should exit.
func (s *Shell) Handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "quit", "exit", "q":
		_, _ = fmt.Fprintln(s.out, "Exiting...")

		return false
	case "help", "?":
		s.printHelp()

		return true
	}

	if err := client.Execute(ctx, s.client, s.opts, s.out, name, args); err != nil {
		_, _ = fmt.Fprintf(s.out, "error: %v\n", err)
	}

	return true
}

func (s *Shell) printHelp() {
	_, _ = fmt.Fprintln(s.out, "Commands:")

	for _, c := range client.Commands() {
		_, _ = fmt.Fprintf(s.out, "  %-48s %s\n", c.Usage(), c.Short)
	}

	_, _ = fmt.Fprintf(s.out, "  %-48s %s\n", "help", "Show this list.")
	_, _ = fmt.Fprintf(s.out, "  %-48s %s\n", "quit", "Leave the shell, releasing every lock.")
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(client.Commands())+2)
	for _, c := range client.Commands() {
		items = append(items, readline.PcItem(c.Name))
	}

	items = append(items, readline.PcItem("help"), readline.PcItem("quit"))

	return readline.NewPrefixCompleter(items...)
}
