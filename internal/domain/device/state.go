package device

import "time"

// TriggerState is the acquisition lifecycle state of a trigger target.
type TriggerState uint8

const (
	// StateIdle means no acquisition is pending.
	StateIdle TriggerState = iota
	// StateArmed means the device is ready to accept a trigger.
	StateArmed
	// StateTriggered means a trigger was issued and hardware has not finished it yet.
	StateTriggered
	// StateAcquiring means hardware finished the triggered action and data is being read out.
	StateAcquiring
	// StateAborting means an abort was requested and hardware has not confirmed the stop.
	StateAborting
)

// String returns the wire name of the state.
func (s TriggerState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateArmed:
		return "Armed"
	case StateTriggered:
		return "Triggered"
	case StateAcquiring:
		return "Acquiring"
	case StateAborting:
		return "Aborting"
	default:
		return "Unknown"
	}
}

// ParseTriggerState converts a wire name back into a state.
func ParseTriggerState(s string) (TriggerState, bool) {
	for state := StateIdle; state <= StateAborting; state++ {
		if state.String() == s {
			return state, true
		}
	}

	return 0, false
}

// Frame is one unit of acquired data. The payload is never shared: the
// producer hands it to the buffer and the consumer receives its own copy.
type Frame struct {
	// Sequence is the per-device, monotonically increasing frame number starting at 1.
	Sequence uint64
	// Timestamp is when the frame was produced.
	Timestamp time.Time
	// Payload is the opaque frame content.
	Payload []byte
	// Width is the image width in pixels, zero for non-image data.
	Width int
	// Height is the image height in pixels, zero for non-image data.
	Height int
	// Format describes the payload encoding (e.g. "mono8", "mono16").
	Format string
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}

	cloned := *f
	cloned.Payload = append([]byte(nil), f.Payload...)

	return &cloned
}

// ClientIdentity identifies who opened a client session.
type ClientIdentity struct {
	// Hostname is the machine name the client runs on.
	Hostname string
	// Username is the system user running the client.
	Username string
}

// Clone returns a copy of the identity.
func (c *ClientIdentity) Clone() *ClientIdentity {
	if c == nil {
		return nil
	}

	cloned := *c

	return &cloned
}

// String renders the identity as user@host.
func (c *ClientIdentity) String() string {
	if c == nil || (c.Hostname == "" && c.Username == "") {
		return "<anonymous>"
	}

	return c.Username + "@" + c.Hostname
}
