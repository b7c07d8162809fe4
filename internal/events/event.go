package events

import "time"

// Kind identifies what happened.
type Kind string

const (
	// KindStateChanged is a committed trigger state transition.
	KindStateChanged Kind = "state_changed"
	// KindSettingChanged is a committed setting value.
	KindSettingChanged Kind = "setting_changed"
	// KindFrameProduced is a frame stored in the device buffer.
	KindFrameProduced Kind = "frame_produced"
	// KindHardwareError is a driver failure.
	KindHardwareError Kind = "hardware_error"
	// KindLockChanged is a lock acquired or released explicitly.
	KindLockChanged Kind = "lock_changed"
	// KindSessionOpened is a client connecting.
	KindSessionOpened Kind = "session_opened"
	// KindSessionClosed is a client leaving or being reaped.
	KindSessionClosed Kind = "session_closed"
)

// Event is one occurrence on a device or the server.
type Event struct {
	// Time is when the event happened.
	Time time.Time `json:"time"`
	// Kind classifies the event.
	Kind Kind `json:"kind"`
	// Device is the device id, empty for server-wide events.
	Device string `json:"device,omitempty"`
	// Session is the session involved, if any.
	Session string `json:"session,omitempty"`
	// From is the previous trigger state.
	From string `json:"from,omitempty"`
	// To is the new trigger state.
	To string `json:"to,omitempty"`
	// Setting is the changed setting name.
	Setting string `json:"setting,omitempty"`
	// Value is the committed setting value.
	Value any `json:"value,omitempty"`
	// Sequence is the produced frame number.
	Sequence uint64 `json:"sequence,omitempty"`
	// Dropped is the buffer's dropped frame count at production time.
	Dropped uint64 `json:"dropped,omitempty"`
	// Message carries error text or lock owner details.
	Message string `json:"message,omitempty"`
}

// Numeric returns the setting value as a float when it is numeric or boolean.
func (e Event) Numeric() (float64, bool) {
	switch v := e.Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}

		return 0, true
	default:
		return 0, false
	}
}
