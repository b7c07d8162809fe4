package shell

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestShell_Handle covers the built-in commands and error reporting.
func TestShell_Handle(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	s := New(nil, nil, &out)

	require.True(t, s.Handle(t.Context(), "   "))
	require.Empty(t, out.String())

	require.True(t, s.Handle(t.Context(), "help"))
	require.Contains(t, out.String(), "fetch <device> [timeout] [file]")
	require.Contains(t, out.String(), "quit")

	out.Reset()
	require.True(t, s.Handle(t.Context(), "teleport cam0"))
	require.Contains(t, out.String(), "error: unknown command: teleport")

	out.Reset()
	require.True(t, s.Handle(t.Context(), "arm"))
	require.Contains(t, out.String(), "usage: arm <device>")

	require.False(t, s.Handle(t.Context(), "QUIT"))
}

// TestCompleter lists every command.
func TestCompleter(t *testing.T) {
	t.Parallel()

	names := make([]string, 0)
	for _, child := range completer().GetChildren() {
		names = append(names, strings.TrimSpace(string(child.GetName())))
	}

	require.Contains(t, names, "devices")
	require.Contains(t, names, "quit")
}
