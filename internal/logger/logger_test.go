package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from config names to zap levels.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("fatal")
	require.False(t, ok)
}

// TestConfigure swaps the global logger and rejects unknown levels.
// It is not parallel: it replaces the process logger.
func TestConfigure(t *testing.T) {
	before := Logger()

	require.ErrorIs(t, Configure("loud", FormatConsole), errUnknownLevel)
	require.Same(t, before, Logger())

	require.NoError(t, Configure("", FormatJSON))
	require.NotSame(t, before, Logger())
	require.Equal(t, zapcore.InfoLevel, level.Level())

	require.NoError(t, Configure("info", FormatConsole))
}

// TestJSONFormat checks the JSON encoder carries names and fields.
func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	ctx := ToContext(t.Context(), build(FormatJSON, zapcore.DebugLevel, &out))
	ctx = WithKV(WithName(ctx, "device"), "device", "cam0", "session", "s-1")

	InfoKV(ctx, "Device ready", "attempt", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &line))
	require.Equal(t, "info", line["level"])
	require.Equal(t, "device", line["logger"])
	require.Equal(t, "cam0", line["device"])
	require.Equal(t, "s-1", line["session"])
	require.Equal(t, "Device ready", line["message"])
	require.InDelta(t, 2.0, line["attempt"], 0)
}

// TestContextHelpers verifies loggers travel through contexts.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	require.NotNil(t, FromContext(t.Context()))

	l := New(zapcore.DebugLevel)
	require.Same(t, l, FromContext(ToContext(t.Context(), l)))
	require.NotSame(t, l, FromContext(WithKV(ToContext(t.Context(), l), "device", "cam0")))
	require.NotSame(t, l, FromContext(WithName(ToContext(t.Context(), l), "hub")))
}

// TestRepeatFilter passes the first copies of a message, then suppresses.
func TestRepeatFilter(t *testing.T) {
	t.Parallel()

	ctx := ToContext(t.Context(), New(zapcore.FatalLevel))
	f := NewRepeatFilter(2)

	require.True(t, f.Errorf(ctx, "readout failed: %s", "timeout"))
	require.True(t, f.Errorf(ctx, "readout failed: %s", "timeout"))
	require.False(t, f.Errorf(ctx, "readout failed: %s", "timeout"))
	require.True(t, f.Errorf(ctx, "readout failed: %s", "checksum"))

	f.Reset()
	require.True(t, f.Errorf(ctx, "readout failed: %s", "timeout"))
}
