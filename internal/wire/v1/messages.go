package wire

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/oshokin/microscope/internal/buffer"
	domain "github.com/oshokin/microscope/internal/domain/device"
)

// Metadata keys identifying the client of a connection.
const (
	MetadataHostname = "x-microscope-hostname"
	MetadataUsername = "x-microscope-username"
)

// Invoke status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Operation names accepted by Invoke.
const (
	OpListSettings    = "list_settings"
	OpDescribeSetting = "describe_setting"
	OpGetSetting      = "get_setting"
	OpGetAllSettings  = "get_all_settings"
	OpSetSetting      = "set_setting"
	OpUpdateSettings  = "update_settings"
	OpCapabilities    = "capabilities"
	OpState           = "state"
	OpArm             = "arm"
	OpTrigger         = "trigger"
	OpAbort           = "abort"
	OpIsBusy          = "is_busy"
	OpFetchFrame      = "fetch_frame"
	OpConfigureROI    = "configure_roi"
	OpMoveTo          = "move_to"
	OpGetPosition     = "get_position"
	OpIsMoving        = "is_moving"
	OpApplyPattern    = "apply_pattern"
	OpQueuePatterns   = "queue_patterns"
	OpActuatorCount   = "actuator_count"
	OpAcquire         = "acquire"
	OpRelease         = "release"
	OpBufferStats     = "buffer_stats"
	OpHistory         = "history"
)

// ListDevicesRequest asks for the served devices.
type ListDevicesRequest struct{}

// DeviceInfo summarizes one device.
type DeviceInfo struct {
	ID           string   `cbor:"id"`
	Type         string   `cbor:"type"`
	Capabilities []string `cbor:"capabilities"`
	Ready        bool     `cbor:"ready"`
	State        string   `cbor:"state,omitempty"`
	Owner        string   `cbor:"owner,omitempty"`
}

// ListDevicesResponse lists the served devices in configuration order.
type ListDevicesResponse struct {
	Server  string       `cbor:"server"`
	Version string       `cbor:"version"`
	Devices []DeviceInfo `cbor:"devices"`
}

// InvokeRequest is one device operation.
type InvokeRequest struct {
	DeviceID  string          `cbor:"device_id"`
	Operation string          `cbor:"operation"`
	Args      cbor.RawMessage `cbor:"args,omitempty"`
}

// InvokeResponse is the outcome of an operation. A failed batch update
// carries both the error and the results committed before the failure.
type InvokeResponse struct {
	Status    string          `cbor:"status"`
	Payload   cbor.RawMessage `cbor:"payload,omitempty"`
	ErrorKind string          `cbor:"error_kind,omitempty"`
	Message   string          `cbor:"message,omitempty"`
}

// Err returns the typed error of a failed response, nil on success.
func (r *InvokeResponse) Err() error {
	if r.Status == StatusOK {
		return nil
	}

	kind := domain.Kind(r.ErrorKind)
	if kind == "" {
		kind = domain.KindCommunicationError
	}

	return domain.Errorf(kind, "%s", r.Message)
}

// PingRequest checks liveness and refreshes the session.
type PingRequest struct{}

// PingResponse identifies the server and the caller's session.
type PingResponse struct {
	Server  string    `cbor:"server"`
	Version string    `cbor:"version"`
	Session string    `cbor:"session"`
	Time    time.Time `cbor:"time"`
}

// StreamFramesRequest subscribes to the frames of a device.
type StreamFramesRequest struct {
	DeviceID string `cbor:"device_id"`
}

// FrameMessage is one streamed frame, or the error that ended the stream.
type FrameMessage struct {
	Frame     *Frame `cbor:"frame,omitempty"`
	Dropped   uint64 `cbor:"dropped,omitempty"`
	ErrorKind string `cbor:"error_kind,omitempty"`
	Message   string `cbor:"message,omitempty"`
}

// Frame is an acquired data frame.
type Frame struct {
	Sequence  uint64    `cbor:"sequence"`
	Timestamp time.Time `cbor:"timestamp"`
	Width     int       `cbor:"width,omitempty"`
	Height    int       `cbor:"height,omitempty"`
	Format    string    `cbor:"format,omitempty"`
	Payload   []byte    `cbor:"payload"`
}

// FromFrame converts a domain frame.
func FromFrame(f *domain.Frame) *Frame {
	if f == nil {
		return nil
	}

	return &Frame{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Payload:   f.Payload,
	}
}

// Domain converts back to a domain frame.
func (f *Frame) Domain() *domain.Frame {
	if f == nil {
		return nil
	}

	return &domain.Frame{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Payload:   f.Payload,
	}
}

// SettingArgs names one setting.
type SettingArgs struct {
	Name string `cbor:"name"`
}

// SetSettingArgs writes one setting.
type SetSettingArgs struct {
	Name  string `cbor:"name"`
	Value any    `cbor:"value"`
}

// UpdateSettingsArgs writes a batch of settings.
type UpdateSettingsArgs struct {
	Values map[string]any `cbor:"values"`
}

// SettingInfo describes a setting and its committed value.
type SettingInfo struct {
	Name         string   `cbor:"name"`
	Type         string   `cbor:"type"`
	ReadOnly     bool     `cbor:"read_only,omitempty"`
	RequiresIdle bool     `cbor:"requires_idle,omitempty"`
	Unit         string   `cbor:"unit,omitempty"`
	Description  string   `cbor:"description,omitempty"`
	Min          *float64 `cbor:"min,omitempty"`
	Max          *float64 `cbor:"max,omitempty"`
	Choices      []string `cbor:"choices,omitempty"`
	Length       int      `cbor:"length,omitempty"`
	MaxLength    int      `cbor:"max_length,omitempty"`
	Value        any      `cbor:"value"`
}

// SettingsResult lists settings in declaration order.
type SettingsResult struct {
	Settings []SettingInfo `cbor:"settings"`
}

// ValueResult carries one setting value.
type ValueResult struct {
	Value any `cbor:"value"`
}

// ValuesResult carries every committed value.
type ValuesResult struct {
	Values map[string]any `cbor:"values"`
}

// SettingResult is the outcome of one key of a batch update.
type SettingResult struct {
	Name    string `cbor:"name"`
	Value   any    `cbor:"value"`
	Changed bool   `cbor:"changed"`
}

// UpdateResult lists the keys applied by a batch update.
type UpdateResult struct {
	Results []SettingResult `cbor:"results"`
}

// CapabilitiesResult carries the device type and capability tags.
type CapabilitiesResult struct {
	Type         string   `cbor:"type"`
	Capabilities []string `cbor:"capabilities"`
}

// StateResult carries the trigger state.
type StateResult struct {
	State string `cbor:"state"`
}

// BoolResult carries a flag such as is_busy or is_moving.
type BoolResult struct {
	Value bool `cbor:"value"`
}

// TimeoutArgs bounds a blocking wait.
type TimeoutArgs struct {
	TimeoutMS int64 `cbor:"timeout_ms"`
}

// Timeout converts the wait to a duration.
func (a TimeoutArgs) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// FrameResult carries a fetched frame and the frames lost before it.
type FrameResult struct {
	Frame   *Frame `cbor:"frame"`
	Dropped uint64 `cbor:"dropped"`
}

// ROIArgs sets the camera readout region.
type ROIArgs struct {
	ROI domain.ROI `cbor:"roi"`
}

// PositionArgs is a stage target.
type PositionArgs struct {
	Position map[string]float64 `cbor:"position"`
}

// PositionResult is a stage position.
type PositionResult struct {
	Position map[string]float64 `cbor:"position"`
}

// PatternArgs is one mirror pattern.
type PatternArgs struct {
	Pattern []float64 `cbor:"pattern"`
}

// PatternsArgs is a sequence of mirror patterns.
type PatternsArgs struct {
	Patterns [][]float64 `cbor:"patterns"`
}

// CountResult carries a count.
type CountResult struct {
	Count int `cbor:"count"`
}

// BufferStatsResult carries buffer counters.
type BufferStatsResult struct {
	Stats buffer.Stats `cbor:"stats"`
}

// HistoryArgs limits a history query.
type HistoryArgs struct {
	Limit int `cbor:"limit,omitempty"`
}

// HistoryEntry is one journaled event.
type HistoryEntry struct {
	ID       int64     `cbor:"id"`
	Time     time.Time `cbor:"time"`
	Kind     string    `cbor:"kind"`
	Session  string    `cbor:"session,omitempty"`
	From     string    `cbor:"from,omitempty"`
	To       string    `cbor:"to,omitempty"`
	Setting  string    `cbor:"setting,omitempty"`
	Value    any       `cbor:"value,omitempty"`
	Sequence uint64    `cbor:"sequence,omitempty"`
	Message  string    `cbor:"message,omitempty"`
}

// HistoryResult lists journal entries, newest first.
type HistoryResult struct {
	Entries []HistoryEntry `cbor:"entries"`
}
