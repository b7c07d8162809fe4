package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oshokin/microscope/internal/settings"
)

// DefaultSlots is the default number of filter positions.
const DefaultSlots = 6

// FilterWheel is a wheel whose position setting takes switchTime to change.
type FilterWheel struct {
	// slots is the number of positions.
	slots int
	// switchTime is how long a position change takes.
	switchTime time.Duration
	// position is the current slot, starting at 0.
	position int64
	// mu protects position.
	mu sync.Mutex
}

// NewFilterWheel creates a wheel at position 0.
func NewFilterWheel(slots int, switchTime time.Duration) (*FilterWheel, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("%w: %d slots", errBadGeometry, slots)
	}

	return &FilterWheel{slots: slots, switchTime: switchTime}, nil
}

// SlotCount returns the number of positions.
func (w *FilterWheel) SlotCount() int {
	return w.slots
}

// Settings declares the position setting.
func (w *FilterWheel) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:        "position",
			Type:        settings.TypeInt,
			Constraints: settings.Range(0, float64(w.slots-1)),
			Description: "Active filter slot.",
			Apply:       w.setPosition,
			Read: func(context.Context) (any, error) {
				w.mu.Lock()
				defer w.mu.Unlock()

				return w.position, nil
			},
		},
	}
}

func (w *FilterWheel) setPosition(ctx context.Context, value any) error {
	if w.switchTime > 0 {
		timer := time.NewTimer(w.switchTime)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("switch filter: %w", ctx.Err())
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.position = value.(int64)

	return nil
}
