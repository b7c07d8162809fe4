package mqtt

import (
	"strings"

	"github.com/oshokin/microscope/internal/events"
)

// Topics builds topic names for one server.
type Topics struct {
	// root is "<prefix>/<server>".
	root string
}

// NewTopics creates a topic builder.
func NewTopics(prefix, server string) Topics {
	return Topics{root: strings.Trim(prefix, "/") + "/" + sanitize(server)}
}

// Status is the retained online/offline topic of the server.
func (t Topics) Status() string {
	return t.root + "/status"
}

// Sessions carries session open/close events.
func (t Topics) Sessions() string {
	return t.root + "/sessions"
}

// Device builds a per-device topic.
func (t Topics) Device(id string, leaf ...string) string {
	parts := append([]string{t.root, "device", sanitize(id)}, leaf...)

	return strings.Join(parts, "/")
}

// ForEvent returns the topic of an event and whether it should be retained.
func (t Topics) ForEvent(e events.Event) (string, bool) {
	switch e.Kind {
	case events.KindStateChanged:
		return t.Device(e.Device, "state"), true
	case events.KindSettingChanged:
		return t.Device(e.Device, "setting", sanitize(e.Setting)), true
	case events.KindFrameProduced:
		return t.Device(e.Device, "frame"), false
	case events.KindHardwareError:
		return t.Device(e.Device, "error"), false
	case events.KindLockChanged:
		return t.Device(e.Device, "lock"), true
	default:
		return t.Sessions(), false
	}
}

// sanitize removes MQTT wildcard and separator characters from a topic level.
func sanitize(level string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		default:
			return r
		}
	}, level)
}
