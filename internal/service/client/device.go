package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/oshokin/microscope/internal/buffer"
	domain "github.com/oshokin/microscope/internal/domain/device"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

// Device is the remote stub of one device.
type Device struct {
	// id is the device identifier.
	id string
	// client carries the calls.
	client *Client
}

// ID returns the device identifier.
func (d *Device) ID() string {
	return d.id
}

// ListSettings returns every setting descriptor with its current value.
func (d *Device) ListSettings(ctx context.Context) ([]wire.SettingInfo, error) {
	var out wire.SettingsResult

	err := d.client.invoke(ctx, d.id, wire.OpListSettings, nil, &out, 0)

	return out.Settings, err
}

// DescribeSetting returns one setting descriptor.
func (d *Device) DescribeSetting(ctx context.Context, name string) (wire.SettingInfo, error) {
	var out wire.SettingInfo

	err := d.client.invoke(ctx, d.id, wire.OpDescribeSetting, wire.SettingArgs{Name: name}, &out, 0)

	return out, err
}

// GetSetting returns the committed value of a setting.
func (d *Device) GetSetting(ctx context.Context, name string) (any, error) {
	var out wire.ValueResult

	err := d.client.invoke(ctx, d.id, wire.OpGetSetting, wire.SettingArgs{Name: name}, &out, 0)

	return out.Value, err
}

// GetAllSettings returns every committed value keyed by name.
func (d *Device) GetAllSettings(ctx context.Context) (map[string]any, error) {
	var out wire.ValuesResult

	err := d.client.invoke(ctx, d.id, wire.OpGetAllSettings, nil, &out, 0)

	return out.Values, err
}

// SetSetting writes a setting and returns the committed value.
func (d *Device) SetSetting(ctx context.Context, name string, value any) (any, error) {
	var out wire.ValueResult

	err := d.client.invoke(ctx, d.id, wire.OpSetSetting, wire.SetSettingArgs{Name: name, Value: value}, &out, 0)

	return out.Value, err
}

// UpdateSettings writes a batch. On a hardware failure the results applied
// before it are returned together with the error.
func (d *Device) UpdateSettings(ctx context.Context, values map[string]any) ([]wire.SettingResult, error) {
	var out wire.UpdateResult

	err := d.client.invoke(ctx, d.id, wire.OpUpdateSettings, wire.UpdateSettingsArgs{Values: values}, &out, 0)

	return out.Results, err
}

// Capabilities returns the device type and capability set.
func (d *Device) Capabilities(ctx context.Context) (domain.Type, domain.CapabilitySet, error) {
	var out wire.CapabilitiesResult

	if err := d.client.invoke(ctx, d.id, wire.OpCapabilities, nil, &out, 0); err != nil {
		return "", 0, err
	}

	return domain.Type(out.Type), domain.ParseCapabilitySet(out.Capabilities), nil
}

// State returns the trigger state.
func (d *Device) State(ctx context.Context) (domain.TriggerState, error) {
	var out wire.StateResult

	if err := d.client.invoke(ctx, d.id, wire.OpState, nil, &out, 0); err != nil {
		return 0, err
	}

	state, ok := domain.ParseTriggerState(out.State)
	if !ok {
		return 0, domain.Errorf(domain.KindCommunicationError, "unknown trigger state %q", out.State)
	}

	return state, nil
}

// Arm prepares the device for a trigger.
func (d *Device) Arm(ctx context.Context) error {
	return d.client.invoke(ctx, d.id, wire.OpArm, nil, nil, d.client.operationTimeout)
}

// Trigger starts an acquisition.
func (d *Device) Trigger(ctx context.Context) error {
	return d.client.invoke(ctx, d.id, wire.OpTrigger, nil, nil, d.client.operationTimeout)
}

// Abort cancels the current acquisition or move.
func (d *Device) Abort(ctx context.Context) error {
	return d.client.invoke(ctx, d.id, wire.OpAbort, nil, nil, 0)
}

// IsBusy reports whether the device is acquiring or moving.
func (d *Device) IsBusy(ctx context.Context) (bool, error) {
	var out wire.BoolResult

	err := d.client.invoke(ctx, d.id, wire.OpIsBusy, nil, &out, 0)

	return out.Value, err
}

// FetchFrame removes the oldest buffered frame, waiting up to timeout. It
// returns the number of frames lost before it.
func (d *Device) FetchFrame(ctx context.Context, timeout time.Duration) (*domain.Frame, uint64, error) {
	var out wire.FrameResult

	args := wire.TimeoutArgs{TimeoutMS: timeout.Milliseconds()}
	if err := d.client.invoke(ctx, d.id, wire.OpFetchFrame, args, &out, timeout); err != nil {
		return nil, 0, err
	}

	return out.Frame.Domain(), out.Dropped, nil
}

// ConfigureROI sets the camera readout region.
func (d *Device) ConfigureROI(ctx context.Context, roi domain.ROI) error {
	return d.client.invoke(ctx, d.id, wire.OpConfigureROI, wire.ROIArgs{ROI: roi}, nil, 0)
}

// MoveTo moves the named axes and returns once the move completed.
func (d *Device) MoveTo(ctx context.Context, target domain.Position) error {
	args := wire.PositionArgs{Position: target}

	return d.client.invoke(ctx, d.id, wire.OpMoveTo, args, nil, d.client.operationTimeout)
}

// GetPosition returns the current stage position.
func (d *Device) GetPosition(ctx context.Context) (domain.Position, error) {
	var out wire.PositionResult

	if err := d.client.invoke(ctx, d.id, wire.OpGetPosition, nil, &out, 0); err != nil {
		return nil, err
	}

	return domain.Position(out.Position), nil
}

// IsMoving reports whether the stage is in motion.
func (d *Device) IsMoving(ctx context.Context) (bool, error) {
	var out wire.BoolResult

	err := d.client.invoke(ctx, d.id, wire.OpIsMoving, nil, &out, 0)

	return out.Value, err
}

// ApplyPattern sets every mirror actuator.
func (d *Device) ApplyPattern(ctx context.Context, pattern []float64) error {
	return d.client.invoke(ctx, d.id, wire.OpApplyPattern, wire.PatternArgs{Pattern: pattern}, nil, 0)
}

// QueuePatterns loads patterns applied one per trigger.
func (d *Device) QueuePatterns(ctx context.Context, patterns [][]float64) error {
	return d.client.invoke(ctx, d.id, wire.OpQueuePatterns, wire.PatternsArgs{Patterns: patterns}, nil, 0)
}

// ActuatorCount returns the number of mirror actuators.
func (d *Device) ActuatorCount(ctx context.Context) (int, error) {
	var out wire.CountResult

	err := d.client.invoke(ctx, d.id, wire.OpActuatorCount, nil, &out, 0)

	return out.Count, err
}

// Acquire takes the device lock for this session, waiting up to timeout
// for another session to release it.
func (d *Device) Acquire(ctx context.Context, timeout time.Duration) error {
	args := wire.TimeoutArgs{TimeoutMS: timeout.Milliseconds()}

	return d.client.invoke(ctx, d.id, wire.OpAcquire, args, nil, timeout)
}

// Release drops the lock taken with Acquire.
func (d *Device) Release(ctx context.Context) error {
	return d.client.invoke(ctx, d.id, wire.OpRelease, nil, nil, 0)
}

// BufferStats returns the frame buffer counters.
func (d *Device) BufferStats(ctx context.Context) (buffer.Stats, error) {
	var out wire.BufferStatsResult

	err := d.client.invoke(ctx, d.id, wire.OpBufferStats, nil, &out, 0)

	return out.Stats, err
}

// History returns the most recent journal entries of the device, newest first.
func (d *Device) History(ctx context.Context, limit int) ([]wire.HistoryEntry, error) {
	var out wire.HistoryResult

	err := d.client.invoke(ctx, d.id, wire.OpHistory, wire.HistoryArgs{Limit: limit}, &out, 0)

	return out.Entries, err
}

// StreamFrames calls fn for every frame the device produces until ctx is
// done, fn fails or the server ends the stream.
func (d *Device) StreamFrames(ctx context.Context, fn func(frame *domain.Frame, dropped uint64) error) error {
	stream, err := d.client.api.StreamFrames(ctx, &wire.StreamFramesRequest{DeviceID: d.id})
	if err != nil {
		return transportError("stream frames", err)
	}

	for {
		msg, err := stream.Recv()

		switch {
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return transportError("stream frames", err)
		case msg.ErrorKind != "":
			return domain.Errorf(domain.Kind(msg.ErrorKind), "%s", msg.Message)
		}

		if err := fn(msg.Frame.Domain(), msg.Dropped); err != nil {
			return err
		}
	}
}
