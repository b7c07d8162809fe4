package gpio

import (
	"fmt"
	"time"

	"github.com/oshokin/microscope/internal/driver"
)

// Catalog names of the GPIO drivers.
const (
	TriggerDriver = "gpio-trigger"
	StepperDriver = "gpio-stepper"

	defaultTravel = 25000.0
)

// Register adds the GPIO drivers to the catalog.
func Register(c *driver.Catalog) error {
	if err := c.Register(TriggerDriver, newTrigger); err != nil {
		return fmt.Errorf("register %s: %w", TriggerDriver, err)
	}

	if err := c.Register(StepperDriver, newStepper); err != nil {
		return fmt.Errorf("register %s: %w", StepperDriver, err)
	}

	return nil
}

// opener selects mock or real pins from the "mock" option.
func opener(spec driver.Spec) (OpenFunc, error) {
	mock, err := spec.Options.Bool("mock", false)
	if err != nil {
		return nil, err
	}

	if mock {
		pins := NewMockPins(spec.ID)

		return func() (Pins, error) { return pins, nil }, nil
	}

	return func() (Pins, error) {
		pins, err := OpenRPi()
		if err != nil {
			return nil, err
		}

		return pins, nil
	}, nil
}

func newTrigger(spec driver.Spec) (driver.Driver, error) {
	open, err := opener(spec)
	if err != nil {
		return nil, err
	}

	pin, err := spec.Options.Int("pin", 0)
	if err != nil {
		return nil, err
	}

	pulse, err := spec.Options.Duration("pulse_width", time.Millisecond)
	if err != nil {
		return nil, err
	}

	return NewTTLTrigger(pin, pulse, open)
}

func newStepper(spec driver.Spec) (driver.Driver, error) {
	open, err := opener(spec)
	if err != nil {
		return nil, err
	}

	var cfg StepperConfig

	if cfg.Axis, err = spec.Options.String("axis", "z"); err != nil {
		return nil, err
	}

	if cfg.StepPin, err = spec.Options.Int("step_pin", 0); err != nil {
		return nil, err
	}

	if cfg.DirPin, err = spec.Options.Int("dir_pin", 0); err != nil {
		return nil, err
	}

	if cfg.EnablePin, err = spec.Options.Int("enable_pin", 0); err != nil {
		return nil, err
	}

	if cfg.StepsPerUm, err = spec.Options.Float("steps_per_um", 1); err != nil {
		return nil, err
	}

	if cfg.StepDelay, err = spec.Options.Duration("step_delay", DefaultStepDelay); err != nil {
		return nil, err
	}

	if cfg.Min, err = spec.Options.Float("min_um", -defaultTravel); err != nil {
		return nil, err
	}

	if cfg.Max, err = spec.Options.Float("max_um", defaultTravel); err != nil {
		return nil, err
	}

	return NewStepper(cfg, open)
}
