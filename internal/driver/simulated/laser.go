package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/oshokin/microscope/internal/settings"
)

const (
	// DefaultWavelength is the default emission wavelength in nanometres.
	DefaultWavelength = 488.0
	// DefaultMaxPower is the default maximum power in milliwatts.
	DefaultMaxPower = 100.0

	maxStatusLength = 64
)

// Laser is a light source with a power set point and an emission switch.
type Laser struct {
	// wavelength is the emission wavelength.
	wavelength float64
	// maxPower bounds the set point.
	maxPower float64
	// setPoint is the requested power.
	setPoint float64
	// emission is the on/off state.
	emission bool
	// mu protects setPoint and emission.
	mu sync.Mutex
}

// NewLaser creates a laser with emission off.
func NewLaser(wavelength, maxPower float64) (*Laser, error) {
	if wavelength <= 0 || maxPower <= 0 {
		return nil, fmt.Errorf("%w: wavelength %v, max power %v", errBadGeometry, wavelength, maxPower)
	}

	return &Laser{wavelength: wavelength, maxPower: maxPower}, nil
}

// Wavelength returns the emission wavelength in nanometres.
func (l *Laser) Wavelength() float64 {
	return l.wavelength
}

// Settings declares the power and emission settings.
func (l *Laser) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:        "power_mw",
			Type:        settings.TypeFloat,
			Constraints: settings.Range(0, l.maxPower),
			Unit:        "mW",
			Description: "Power set point.",
			Apply: func(_ context.Context, value any) error {
				l.mu.Lock()
				defer l.mu.Unlock()

				l.setPoint = value.(float64)

				return nil
			},
		},
		{
			Name:        "emission",
			Type:        settings.TypeBool,
			Description: "Emission on or off.",
			Apply: func(_ context.Context, value any) error {
				l.mu.Lock()
				defer l.mu.Unlock()

				l.emission = value.(bool)

				return nil
			},
		},
		{
			Name:        "power_reading_mw",
			Type:        settings.TypeFloat,
			ReadOnly:    true,
			Unit:        "mW",
			Description: "Measured output power.",
			Read: func(context.Context) (any, error) {
				return l.output(), nil
			},
		},
		{
			Name:        "status",
			Type:        settings.TypeString,
			Constraints: settings.Constraints{MaxLength: maxStatusLength},
			ReadOnly:    true,
			Description: "Controller status line.",
			Read: func(context.Context) (any, error) {
				l.mu.Lock()
				defer l.mu.Unlock()

				return fmt.Sprintf("emission=%t setpoint=%.2fmW", l.emission, l.setPoint), nil
			},
		},
	}
}

// MakeSafe turns emission off.
func (l *Laser) MakeSafe(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.emission = false

	return nil
}

func (l *Laser) output() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.emission {
		return 0
	}

	return l.setPoint
}
