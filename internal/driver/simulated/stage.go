package simulated

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/settings"
)

const (
	// DefaultTravel is the default half range of every axis in micrometres.
	DefaultTravel = 10000.0
	// DefaultSpeed is the default travel speed in micrometres per second.
	DefaultSpeed = 5000.0

	maxSpeed = 1e6
)

// StageConfig describes a simulated stage.
type StageConfig struct {
	// Axes names the axes, e.g. x, y, z.
	Axes []string
	// Min is the lower travel limit of every axis.
	Min float64
	// Max is the upper travel limit of every axis.
	Max float64
	// Speed is the travel speed in micrometres per second; zero moves instantly.
	Speed float64
}

// Stage moves its axes at a constant speed. A cancelled move stops where
// the axes are at that moment.
type Stage struct {
	// axes are the axis names in declaration order.
	axes []string
	// lower and upper bound every axis.
	lower, upper float64
	// speed is the travel speed.
	speed float64
	// position is the current position.
	position domain.Position
	// moving is set during a move.
	moving bool
	// stop interrupts the move in progress.
	stop chan struct{}
	// mu protects every field above.
	mu sync.Mutex
}

// NewStage creates a stage at the origin clamped into its limits.
func NewStage(cfg StageConfig) (*Stage, error) {
	if len(cfg.Axes) == 0 || cfg.Min > cfg.Max {
		return nil, fmt.Errorf("%w: %d axes, limits [%v, %v]", errBadGeometry, len(cfg.Axes), cfg.Min, cfg.Max)
	}

	position := make(domain.Position, len(cfg.Axes))
	for _, axis := range cfg.Axes {
		position[axis] = math.Max(cfg.Min, math.Min(0, cfg.Max))
	}

	return &Stage{
		axes:     slices.Clone(cfg.Axes),
		lower:    cfg.Min,
		upper:    cfg.Max,
		speed:    cfg.Speed,
		position: position,
	}, nil
}

// Settings declares the stage settings.
func (s *Stage) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:        "speed_um_s",
			Type:        settings.TypeFloat,
			Constraints: settings.Range(0, maxSpeed),
			Default:     s.speed,
			Unit:        "um/s",
			Description: "Travel speed, zero moves instantly.",
			Apply: func(_ context.Context, value any) error {
				s.mu.Lock()
				defer s.mu.Unlock()

				s.speed = value.(float64)

				return nil
			},
		},
		{
			Name:        "travel_um",
			Type:        settings.TypeTuple,
			Constraints: settings.TupleOf(2, -math.MaxFloat64, math.MaxFloat64),
			ReadOnly:    true,
			Default:     []float64{s.lower, s.upper},
			Unit:        "um",
			Description: "Lower and upper travel limit of every axis.",
		},
	}
}

// MoveTo moves the named axes and blocks until they arrive.
func (s *Stage) MoveTo(ctx context.Context, target domain.Position) error {
	s.mu.Lock()

	for axis, value := range target {
		if !slices.Contains(s.axes, axis) {
			s.mu.Unlock()

			return domain.Errorf(domain.KindTypeMismatch, "unknown axis %q, stage has %v", axis, s.axes)
		}

		if math.IsNaN(value) || value < s.lower || value > s.upper {
			s.mu.Unlock()

			return domain.Errorf(domain.KindOutOfRange, "axis %s: %v is outside [%v, %v]", axis, value, s.lower, s.upper)
		}
	}

	if s.moving {
		s.mu.Unlock()

		return domain.Errorf(domain.KindInvalidState, "stage is already moving")
	}

	start := s.position.Clone()
	distance := 0.0

	for axis, value := range target {
		distance = math.Max(distance, math.Abs(value-start[axis]))
	}

	var travel time.Duration
	if s.speed > 0 {
		travel = time.Duration(distance / s.speed * float64(time.Second))
	}

	stop := make(chan struct{})
	s.stop = stop
	s.moving = true
	s.mu.Unlock()

	begun := time.Now()
	timer := time.NewTimer(travel)

	defer timer.Stop()

	var err error

	fraction := 1.0

	select {
	case <-timer.C:
	case <-stop:
		fraction = progress(time.Since(begun), travel)
		err = errAborted
	case <-ctx.Done():
		fraction = progress(time.Since(begun), travel)
		err = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for axis, value := range target {
		s.position[axis] = start[axis] + (value-start[axis])*fraction
	}

	s.moving = false
	s.stop = nil

	return err
}

// Position returns the current position of every axis.
func (s *Stage) Position(context.Context) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.position.Clone(), nil
}

// IsMoving reports whether a move is in progress.
func (s *Stage) IsMoving(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.moving, nil
}

// MakeSafe stops the move in progress.
func (s *Stage) MakeSafe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}

	return nil
}

func progress(elapsed, total time.Duration) float64 {
	if total <= 0 {
		return 1
	}

	return math.Min(float64(elapsed)/float64(total), 1)
}
