package gpio

import (
	"context"
	"math"
	"sync"
	"time"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/settings"
)

const (
	// DefaultStepDelay is the half period of a step pulse.
	DefaultStepDelay = time.Millisecond

	maxStepDelayUS = 100000
)

// StepperConfig wires a step/dir driver such as the A4988.
type StepperConfig struct {
	// Axis names the single axis.
	Axis string
	// StepPin is the BCM number of the STEP line.
	StepPin int
	// DirPin is the BCM number of the DIR line.
	DirPin int
	// EnablePin is the active-low ENABLE line; zero when not wired.
	EnablePin int
	// StepsPerUm converts micrometres into steps.
	StepsPerUm float64
	// StepDelay is the half period of a step pulse.
	StepDelay time.Duration
	// Min is the lower travel limit.
	Min float64
	// Max is the upper travel limit.
	Max float64
}

// Stepper is a single-axis stage. Its position is counted in steps from
// the position at initialization, taken as zero.
type Stepper struct {
	// cfg is the wiring.
	cfg StepperConfig
	// open acquires the pins at initialization.
	open OpenFunc
	// pins is nil until Initialize succeeded.
	pins Pins
	// delay is the step half period.
	delay time.Duration
	// steps is the position in steps.
	steps int64
	// moving is set during a move.
	moving bool
	// stop interrupts the move in progress.
	stop chan struct{}
	// mu protects every field above except cfg and open.
	mu sync.Mutex
}

// NewStepper creates a stepper stage.
func NewStepper(cfg StepperConfig, open OpenFunc) (*Stepper, error) {
	if cfg.StepPin <= 0 || cfg.DirPin <= 0 || cfg.EnablePin < 0 {
		return nil, errBadPin
	}

	if cfg.Axis == "" {
		cfg.Axis = "z"
	}

	if cfg.StepsPerUm <= 0 {
		cfg.StepsPerUm = 1
	}

	if cfg.StepDelay <= 0 {
		cfg.StepDelay = DefaultStepDelay
	}

	return &Stepper{cfg: cfg, open: open, delay: cfg.StepDelay}, nil
}

// Settings declares the stepper settings.
func (s *Stepper) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:        "step_delay_us",
			Type:        settings.TypeFloat,
			Constraints: settings.Range(1, maxStepDelayUS),
			Default:     float64(s.cfg.StepDelay) / float64(time.Microsecond),
			Unit:        "us",
			Description: "Half period of a step pulse.",
			Apply: func(_ context.Context, value any) error {
				s.mu.Lock()
				defer s.mu.Unlock()

				s.delay = time.Duration(value.(float64) * float64(time.Microsecond))

				return nil
			},
		},
		{
			Name:        "steps_per_um",
			Type:        settings.TypeFloat,
			ReadOnly:    true,
			Default:     s.cfg.StepsPerUm,
			Description: "Steps per micrometre.",
		},
	}
}

// Initialize opens the pins and enables the driver.
func (s *Stepper) Initialize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pins != nil {
		return nil
	}

	pins, err := s.open()
	if err != nil {
		return err
	}

	for _, pin := range []int{s.cfg.StepPin, s.cfg.DirPin, s.cfg.EnablePin} {
		if pin == 0 {
			continue
		}

		if err := pins.SetupPin(pin, Output); err != nil {
			_ = pins.Close()

			return err
		}
	}

	s.pins = pins

	return s.enableLocked(true)
}

// MoveTo steps to the target and blocks until it is reached.
func (s *Stepper) MoveTo(ctx context.Context, target domain.Position) error {
	value, ok := target[s.cfg.Axis]
	if len(target) != 1 || !ok {
		return domain.Errorf(domain.KindTypeMismatch, "stepper only has axis %q", s.cfg.Axis)
	}

	if math.IsNaN(value) || value < s.cfg.Min || value > s.cfg.Max {
		return domain.Errorf(domain.KindOutOfRange, "axis %s: %v is outside [%v, %v]",
			s.cfg.Axis, value, s.cfg.Min, s.cfg.Max)
	}

	s.mu.Lock()

	if s.pins == nil {
		s.mu.Unlock()

		return errNotOpen
	}

	if s.moving {
		s.mu.Unlock()

		return domain.Errorf(domain.KindInvalidState, "stage is already moving")
	}

	delta := int64(math.Round(value*s.cfg.StepsPerUm)) - s.steps
	direction := int64(1)

	if delta < 0 {
		direction, delta = -1, -delta
	}

	stop := make(chan struct{})
	s.stop = stop
	s.moving = true
	delay := s.delay
	pins := s.pins
	s.mu.Unlock()

	err := pins.WritePin(s.cfg.DirPin, Level(direction > 0))

	for i := int64(0); i < delta && err == nil; i++ {
		err = s.step(ctx, pins, stop, delay, direction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.moving = false
	s.stop = nil

	return err
}

// Position returns the counted position.
func (s *Stepper) Position(context.Context) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.Position{s.cfg.Axis: float64(s.steps) / s.cfg.StepsPerUm}, nil
}

// IsMoving reports whether steps are being emitted.
func (s *Stepper) IsMoving(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moving, nil
}

// MakeSafe stops the move in progress.
func (s *Stepper) MakeSafe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}

	return nil
}

// Shutdown disables the driver and releases the pins.
func (s *Stepper) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pins == nil {
		return nil
	}

	err := s.enableLocked(false)
	if closeErr := s.pins.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	s.pins = nil

	return err
}

// step emits one pulse. The driver moves on the rising edge, so the step
// is counted as soon as STEP goes high.
func (s *Stepper) step(ctx context.Context, pins Pins, stop <-chan struct{}, delay time.Duration, direction int64) error {
	if err := pins.WritePin(s.cfg.StepPin, High); err != nil {
		return err
	}

	s.mu.Lock()
	s.steps += direction
	s.mu.Unlock()

	err := pause(ctx, stop, delay)

	if lowErr := pins.WritePin(s.cfg.StepPin, Low); err == nil {
		err = lowErr
	}

	if err != nil {
		return err
	}

	return pause(ctx, stop, delay)
}

// enableLocked drives the active-low ENABLE line.
func (s *Stepper) enableLocked(on bool) error {
	if s.cfg.EnablePin == 0 {
		return nil
	}

	return s.pins.WritePin(s.cfg.EnablePin, Level(!on))
}
