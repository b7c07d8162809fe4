package driver

import (
	"context"
	"errors"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/settings"
)

// ErrAbortPending is returned by TriggerTarget.Abort when the hardware
// accepted the request but cannot interrupt the action in progress.
var ErrAbortPending = errors.New("hardware cannot interrupt the action in progress")

// Driver is implemented by every device binding.
type Driver interface {
	// Settings declares the device settings together with their hardware bindings.
	Settings() []settings.Descriptor
}

// TriggerTarget is a device performing timed or triggered actions.
type TriggerTarget interface {
	// Arm prepares the hardware to accept a trigger.
	Arm(ctx context.Context) error
	// Trigger starts the armed action and returns once hardware has completed it.
	Trigger(ctx context.Context) error
	// Abort stops whatever the hardware is doing. It must be safe to call
	// concurrently with a blocked Trigger or Readout.
	Abort(ctx context.Context) error
	// IsBusy reports whether the hardware itself is still working.
	IsBusy(ctx context.Context) (bool, error)
}

// DataSource produces data after a completed trigger.
type DataSource interface {
	// Readout returns the data produced by the last trigger.
	Readout(ctx context.Context) (*domain.Frame, error)
}

// Camera is an image-producing trigger target.
type Camera interface {
	TriggerTarget
	DataSource

	// ConfigureROI restricts the sensor readout region.
	ConfigureROI(ctx context.Context, roi domain.ROI) error
}

// Stage moves to absolute positions.
type Stage interface {
	// MoveTo moves the named axes and returns once the move has finished.
	MoveTo(ctx context.Context, target domain.Position) error
	// Position reports the current position of every axis.
	Position(ctx context.Context) (domain.Position, error)
	// IsMoving reports whether any axis is in motion.
	IsMoving(ctx context.Context) (bool, error)
}

// FilterWheel exposes its slot as a setting named "position".
type FilterWheel interface {
	// SlotCount returns the number of filter positions.
	SlotCount() int
}

// LightSource exposes power and emission as settings.
type LightSource interface {
	// Wavelength returns the emission wavelength in nanometres.
	Wavelength() float64
}

// DeformableMirror accepts actuator patterns.
type DeformableMirror interface {
	// ActuatorCount returns the number of actuators, the length of every pattern.
	ActuatorCount() int
	// ApplyPattern moves the actuators immediately.
	ApplyPattern(ctx context.Context, pattern []float64) error
	// QueuePatterns stores patterns that are applied one per trigger.
	QueuePatterns(ctx context.Context, patterns [][]float64) error
}

// Initializer is implemented by drivers needing a connection step that may
// fail and be retried, such as opening a serial port.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner releases driver resources at server shutdown.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Safer puts the hardware into a safe state (laser off, stage stopped).
type Safer interface {
	MakeSafe(ctx context.Context) error
}

// Capabilities computes the capability set of a driver from the interfaces it implements.
func Capabilities(d Driver) domain.CapabilitySet {
	set := domain.NewCapabilitySet(domain.CapSettings)

	if _, ok := d.(TriggerTarget); ok {
		set = set.With(domain.CapTriggerTarget)
	}

	if _, ok := d.(Camera); ok {
		set = set.With(domain.CapCamera)
	}

	if _, ok := d.(Stage); ok {
		set = set.With(domain.CapStage)
	}

	if _, ok := d.(FilterWheel); ok {
		set = set.With(domain.CapFilterWheel)
	}

	if _, ok := d.(LightSource); ok {
		set = set.With(domain.CapLightSource)
	}

	if _, ok := d.(DeformableMirror); ok {
		set = set.With(domain.CapDeformableMirror)
	}

	return set
}

// requiredCapability maps a declared device type to the capability its driver must provide.
func requiredCapability(t domain.Type) (domain.Capability, bool) {
	switch t {
	case domain.TypeCamera:
		return domain.CapCamera, true
	case domain.TypeStage:
		return domain.CapStage, true
	case domain.TypeFilterWheel:
		return domain.CapFilterWheel, true
	case domain.TypeLightSource:
		return domain.CapLightSource, true
	case domain.TypeDeformableMirror:
		return domain.CapDeformableMirror, true
	case domain.TypeController:
		return domain.CapTriggerTarget, true
	default:
		return 0, false
	}
}
