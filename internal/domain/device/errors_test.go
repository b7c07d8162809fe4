package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var errDriverFault = errors.New("driver fault")

// TestError_IsMatchesByKind verifies sentinels classify wrapped typed errors.
func TestError_IsMatchesByKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("set exposure: %w", Errorf(KindOutOfRange, "value %d below minimum %d", -5, 1))

	require.ErrorIs(t, err, ErrOutOfRange)
	require.NotErrorIs(t, err, ErrTypeMismatch)
	require.Equal(t, KindOutOfRange, KindOf(err))
	require.Equal(t, "value -5 below minimum 1", MessageOf(err))
}

// TestWrap keeps the driver cause reachable and tolerates nil.
func TestWrap(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wrap(KindHardwareError, "arm", nil))

	err := Wrap(KindHardwareError, "arm", errDriverFault)
	require.ErrorIs(t, err, ErrHardware)
	require.ErrorIs(t, err, errDriverFault)
	require.Contains(t, err.Error(), "arm")
}

// TestKindOf checks classification of untyped errors.
func TestKindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, KindTimeout, KindOf(fmt.Errorf("wait: %w", context.DeadlineExceeded)))
	require.Equal(t, KindCommunicationError, KindOf(context.Canceled))
	require.Equal(t, KindHardwareError, KindOf(errDriverFault))
}

// TestCapabilitySet covers set algebra and tag round trips.
func TestCapabilitySet(t *testing.T) {
	t.Parallel()

	set := NewCapabilitySet(CapSettings, CapCamera, CapTriggerTarget)

	require.True(t, set.Has(CapCamera))
	require.False(t, set.Has(CapStage))
	require.Equal(t, []string{"settings", "trigger_target", "camera"}, set.Tags())
	require.Equal(t, set, ParseCapabilitySet(append(set.Tags(), "bogus")))
}

// TestParseType accepts known tags case-insensitively.
func TestParseType(t *testing.T) {
	t.Parallel()

	typ, ok := ParseType(" Camera ")
	require.True(t, ok)
	require.Equal(t, TypeCamera, typ)

	_, ok = ParseType("microwave")
	require.False(t, ok)
}

// TestFrameClone verifies the payload is not shared.
func TestFrameClone(t *testing.T) {
	t.Parallel()

	require.Nil(t, (*Frame)(nil).Clone())

	f := &Frame{Sequence: 3, Payload: []byte{1, 2, 3}}
	c := f.Clone()
	c.Payload[0] = 9

	require.Equal(t, byte(1), f.Payload[0])
	require.Equal(t, f.Sequence, c.Sequence)
}

// TestClientIdentity covers Clone and String.
func TestClientIdentity(t *testing.T) {
	t.Parallel()

	require.Nil(t, (*ClientIdentity)(nil).Clone())
	require.Equal(t, "<anonymous>", (*ClientIdentity)(nil).String())

	id := &ClientIdentity{Hostname: "scope-pc", Username: "imaging"}
	c := id.Clone()

	require.Equal(t, id, c)
	require.NotSame(t, id, c)
	require.Equal(t, "imaging@scope-pc", id.String())
}

// TestParseTriggerState round-trips every state name.
func TestParseTriggerState(t *testing.T) {
	t.Parallel()

	for _, state := range []TriggerState{StateIdle, StateArmed, StateTriggered, StateAcquiring, StateAborting} {
		parsed, ok := ParseTriggerState(state.String())
		require.True(t, ok)
		require.Equal(t, state, parsed)
	}

	_, ok := ParseTriggerState("Unknown")
	require.False(t, ok)
}
