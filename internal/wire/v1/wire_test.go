package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

// TestCodec_DynamicValues checks the Go types setting values decode into.
func TestCodec_DynamicValues(t *testing.T) {
	t.Parallel()

	args, err := Encode(SetSettingArgs{Name: "offset_um", Value: []any{3, -4.5}})
	require.NoError(t, err)

	data, err := Codec{}.Marshal(&InvokeRequest{DeviceID: "xyz", Operation: OpSetSetting, Args: args})
	require.NoError(t, err)

	var req InvokeRequest
	require.NoError(t, Codec{}.Unmarshal(data, &req))
	require.Equal(t, OpSetSetting, req.Operation)

	var decoded SetSettingArgs
	require.NoError(t, Decode(req.Args, &decoded))
	require.Equal(t, []any{int64(3), -4.5}, decoded.Value)

	var nested ValueResult

	raw, err := Encode(ValueResult{Value: map[string]any{"gain": 7}})
	require.NoError(t, err)
	require.NoError(t, Decode(raw, &nested))
	require.Equal(t, map[string]any{"gain": int64(7)}, nested.Value)

	var untouched TimeoutArgs
	require.NoError(t, Decode(nil, &untouched))
	require.Zero(t, untouched.Timeout())
}

// TestInvokeResponse_Err restores the typed error of a failed call.
func TestInvokeResponse_Err(t *testing.T) {
	t.Parallel()

	ok := &InvokeResponse{Status: StatusOK}
	require.NoError(t, ok.Err())

	failed := &InvokeResponse{Status: StatusError, ErrorKind: string(domain.KindOutOfRange), Message: "exposure_ms: -5 is below minimum 1"}
	err := failed.Err()
	require.ErrorIs(t, err, domain.ErrOutOfRange)
	require.Equal(t, "exposure_ms: -5 is below minimum 1", domain.MessageOf(err))

	garbled := &InvokeResponse{Status: "???"}
	require.ErrorIs(t, garbled.Err(), domain.ErrCommunication)
}

// TestFrame_Conversion keeps every field of a frame across the wire.
func TestFrame_Conversion(t *testing.T) {
	t.Parallel()

	frame := &domain.Frame{
		Sequence:  7,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		Payload:   []byte{1, 2, 3},
		Width:     3,
		Height:    1,
		Format:    "mono8",
	}

	raw, err := Encode(FrameResult{Frame: FromFrame(frame), Dropped: 2})
	require.NoError(t, err)

	var result FrameResult
	require.NoError(t, Decode(raw, &result))
	require.Equal(t, uint64(2), result.Dropped)
	require.Equal(t, frame, result.Frame.Domain())
	require.Nil(t, (*Frame)(nil).Domain())
}
