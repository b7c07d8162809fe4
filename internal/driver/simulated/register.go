package simulated

import (
	"errors"
	"fmt"

	"github.com/oshokin/microscope/internal/driver"
)

// Catalog names of the simulated drivers.
const (
	CameraDriver      = "simulated-camera"
	StageDriver       = "simulated-stage"
	FilterWheelDriver = "simulated-filter-wheel"
	LaserDriver       = "simulated-laser"
	MirrorDriver      = "simulated-mirror"
	ControllerDriver  = "simulated-controller"
)

var (
	errNotArmed      = errors.New("device is not armed")
	errAborted       = errors.New("aborted")
	errReadoutFailed = errors.New("simulated readout failure")
	errInitFailed    = errors.New("simulated initialization failure")
	errEmptyQueue    = errors.New("pattern queue is empty")
	errNoExposure    = errors.New("no completed exposure to read out")
	errBadGeometry   = errors.New("invalid geometry option")
)

// Register adds every simulated driver to the catalog.
func Register(c *driver.Catalog) error {
	factories := []struct {
		name    string
		factory driver.Factory
	}{
		{CameraDriver, newCamera},
		{StageDriver, newStage},
		{FilterWheelDriver, newFilterWheel},
		{LaserDriver, newLaser},
		{MirrorDriver, newMirror},
		{ControllerDriver, newController},
	}

	for _, f := range factories {
		if err := c.Register(f.name, f.factory); err != nil {
			return fmt.Errorf("register %s: %w", f.name, err)
		}
	}

	return nil
}

func newCamera(spec driver.Spec) (driver.Driver, error) {
	var cfg CameraConfig

	var err error

	if cfg.Width, err = spec.Options.Int("width", DefaultSensorWidth); err != nil {
		return nil, err
	}

	if cfg.Height, err = spec.Options.Int("height", DefaultSensorHeight); err != nil {
		return nil, err
	}

	if cfg.Exposure, err = spec.Options.Duration("exposure", DefaultExposure); err != nil {
		return nil, err
	}

	if cfg.InitFailures, err = spec.Options.Int("init_failures", 0); err != nil {
		return nil, err
	}

	return NewCamera(cfg)
}

func newStage(spec driver.Spec) (driver.Driver, error) {
	cfg := StageConfig{Axes: []string{"x", "y", "z"}}

	if raw, ok := spec.Options["axes"].([]any); ok {
		cfg.Axes = cfg.Axes[:0]

		for _, a := range raw {
			name, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("%w: axes must be strings", errBadGeometry)
			}

			cfg.Axes = append(cfg.Axes, name)
		}
	}

	var err error

	if cfg.Min, err = spec.Options.Float("min_um", -DefaultTravel); err != nil {
		return nil, err
	}

	if cfg.Max, err = spec.Options.Float("max_um", DefaultTravel); err != nil {
		return nil, err
	}

	if cfg.Speed, err = spec.Options.Float("speed_um_s", DefaultSpeed); err != nil {
		return nil, err
	}

	return NewStage(cfg)
}

func newFilterWheel(spec driver.Spec) (driver.Driver, error) {
	slots, err := spec.Options.Int("slots", DefaultSlots)
	if err != nil {
		return nil, err
	}

	switchTime, err := spec.Options.Duration("switch_time", 0)
	if err != nil {
		return nil, err
	}

	return NewFilterWheel(slots, switchTime)
}

func newLaser(spec driver.Spec) (driver.Driver, error) {
	wavelength, err := spec.Options.Float("wavelength_nm", DefaultWavelength)
	if err != nil {
		return nil, err
	}

	maxPower, err := spec.Options.Float("max_power_mw", DefaultMaxPower)
	if err != nil {
		return nil, err
	}

	return NewLaser(wavelength, maxPower)
}

func newMirror(spec driver.Spec) (driver.Driver, error) {
	actuators, err := spec.Options.Int("actuators", DefaultActuators)
	if err != nil {
		return nil, err
	}

	return NewMirror(actuators)
}

func newController(spec driver.Spec) (driver.Driver, error) {
	pulse, err := spec.Options.Duration("pulse_width", DefaultPulseWidth)
	if err != nil {
		return nil, err
	}

	uninterruptible, err := spec.Options.Bool("uninterruptible", false)
	if err != nil {
		return nil, err
	}

	return NewController(pulse, uninterruptible), nil
}
