package simulated

import (
	"context"
	"fmt"
	"slices"
	"sync"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/settings"
)

// DefaultActuators is the default actuator count.
const DefaultActuators = 69

// Mirror is a deformable mirror. Applied patterns take effect immediately;
// queued patterns are applied one per trigger.
type Mirror struct {
	// actuators is the pattern length.
	actuators int
	// current is the applied pattern.
	current []float64
	// queue holds patterns waiting for triggers.
	queue [][]float64
	// applied counts patterns applied by triggers.
	applied int64
	// mu protects every field above.
	mu sync.Mutex
}

// NewMirror creates a flat mirror.
func NewMirror(actuators int) (*Mirror, error) {
	if actuators <= 0 {
		return nil, fmt.Errorf("%w: %d actuators", errBadGeometry, actuators)
	}

	return &Mirror{
		actuators: actuators,
		current:   make([]float64, actuators),
	}, nil
}

// Settings declares the mirror settings.
func (m *Mirror) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:        "triggered_patterns",
			Type:        settings.TypeInt,
			ReadOnly:    true,
			Description: "Patterns applied by triggers since start.",
			Read: func(context.Context) (any, error) {
				m.mu.Lock()
				defer m.mu.Unlock()

				return m.applied, nil
			},
		},
	}
}

// ActuatorCount returns the pattern length.
func (m *Mirror) ActuatorCount() int {
	return m.actuators
}

// ApplyPattern moves the actuators to the pattern.
func (m *Mirror) ApplyPattern(_ context.Context, pattern []float64) error {
	if err := m.check(pattern); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = slices.Clone(pattern)

	return nil
}

// QueuePatterns replaces the trigger queue.
func (m *Mirror) QueuePatterns(_ context.Context, patterns [][]float64) error {
	queue := make([][]float64, 0, len(patterns))

	for _, p := range patterns {
		if err := m.check(p); err != nil {
			return err
		}

		queue = append(queue, slices.Clone(p))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = queue

	return nil
}

// Pattern returns the applied pattern.
func (m *Mirror) Pattern() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.current)
}

// Arm requires a queued pattern.
func (m *Mirror) Arm(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return errEmptyQueue
	}

	return nil
}

// Trigger applies the next queued pattern.
func (m *Mirror) Trigger(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return errEmptyQueue
	}

	m.current, m.queue = m.queue[0], m.queue[1:]
	m.applied++

	return nil
}

// Abort has nothing to interrupt.
func (*Mirror) Abort(context.Context) error {
	return nil
}

// IsBusy is always false: patterns apply instantly.
func (*Mirror) IsBusy(context.Context) (bool, error) {
	return false, nil
}

func (m *Mirror) check(pattern []float64) error {
	for i, v := range pattern {
		if v < -1 || v > 1 {
			return domain.Errorf(domain.KindOutOfRange, "actuator %d: %v is outside [-1, 1]", i, v)
		}
	}

	if len(pattern) != m.actuators {
		return domain.Errorf(domain.KindTypeMismatch, "pattern has %d values, mirror has %d actuators", len(pattern), m.actuators)
	}

	return nil
}
