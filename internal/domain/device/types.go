package device

import (
	"slices"
	"strings"
)

// Type is the device type tag declared in the inventory.
type Type string

const (
	// TypeCamera is an image-producing detector.
	TypeCamera Type = "camera"
	// TypeStage is a motorized positioning stage.
	TypeStage Type = "stage"
	// TypeFilterWheel is a motorized filter wheel.
	TypeFilterWheel Type = "filter_wheel"
	// TypeLightSource is a laser, LED or lamp.
	TypeLightSource Type = "light_source"
	// TypeDeformableMirror is an adaptive-optics mirror.
	TypeDeformableMirror Type = "deformable_mirror"
	// TypeController is a trigger or timing controller.
	TypeController Type = "controller"
)

// ParseType converts an inventory type tag into a Type.
func ParseType(s string) (Type, bool) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeCamera, TypeStage, TypeFilterWheel, TypeLightSource, TypeDeformableMirror, TypeController:
		return t, true
	default:
		return "", false
	}
}

// Capability is a single capability a device implements.
type Capability uint16

const (
	// CapSettings is implemented by every device: it owns a settings registry.
	CapSettings Capability = 1 << iota
	// CapTriggerTarget devices follow the arm/trigger/abort lifecycle.
	CapTriggerTarget
	// CapCamera devices produce frames and accept a region of interest.
	CapCamera
	// CapStage devices move to absolute positions.
	CapStage
	// CapFilterWheel devices expose a position setting.
	CapFilterWheel
	// CapLightSource devices expose power and emission settings.
	CapLightSource
	// CapDeformableMirror devices accept actuator patterns.
	CapDeformableMirror
)

// capabilityNames lists the wire tags in bit order.
//
//nolint:gochecknoglobals // Immutable lookup table.
var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapSettings, "settings"},
	{CapTriggerTarget, "trigger_target"},
	{CapCamera, "camera"},
	{CapStage, "stage"},
	{CapFilterWheel, "filter_wheel"},
	{CapLightSource, "light_source"},
	{CapDeformableMirror, "deformable_mirror"},
}

// String returns the wire tag of a single capability.
func (c Capability) String() string {
	for _, n := range capabilityNames {
		if n.cap == c {
			return n.name
		}
	}

	return "unknown"
}

// ParseCapability converts a wire tag into a Capability.
func ParseCapability(s string) (Capability, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, n := range capabilityNames {
		if n.name == s {
			return n.cap, true
		}
	}

	return 0, false
}

// CapabilitySet is an explicit set of capabilities, queryable at runtime.
type CapabilitySet uint16

// NewCapabilitySet builds a set from individual capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s = s.With(c)
	}

	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	return uint16(s)&uint16(c) != 0
}

// With returns a copy of the set with c added.
func (s CapabilitySet) With(c Capability) CapabilitySet {
	return CapabilitySet(uint16(s) | uint16(c))
}

// Tags returns the wire tags of the set in a stable order.
func (s CapabilitySet) Tags() []string {
	tags := make([]string, 0, len(capabilityNames))
	for _, n := range capabilityNames {
		if s.Has(n.cap) {
			tags = append(tags, n.name)
		}
	}

	return tags
}

// String renders the set as a comma separated list.
func (s CapabilitySet) String() string {
	return strings.Join(s.Tags(), ",")
}

// ParseCapabilitySet converts wire tags back into a set. Unknown tags are ignored.
func ParseCapabilitySet(tags []string) CapabilitySet {
	var s CapabilitySet

	for _, t := range tags {
		if c, ok := ParseCapability(t); ok {
			s = s.With(c)
		}
	}

	return s
}

// ROI is a rectangular region of interest on a camera sensor, in pixels.
type ROI struct {
	Left   int `cbor:"left"   yaml:"left"`
	Top    int `cbor:"top"    yaml:"top"`
	Width  int `cbor:"width"  yaml:"width"`
	Height int `cbor:"height" yaml:"height"`
}

// Position is a stage position keyed by axis name (e.g. "x", "y", "z").
type Position map[string]float64

// Clone returns a copy of the position.
func (p Position) Clone() Position {
	if p == nil {
		return nil
	}

	out := make(Position, len(p))
	for k, v := range p {
		out[k] = v
	}

	return out
}

// Axes returns the axis names in sorted order.
func (p Position) Axes() []string {
	axes := make([]string, 0, len(p))
	for k := range p {
		axes = append(axes, k)
	}

	slices.Sort(axes)

	return axes
}
