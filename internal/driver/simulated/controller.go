package simulated

import (
	"context"
	"sync"
	"time"

	"github.com/oshokin/microscope/internal/driver"
	"github.com/oshokin/microscope/internal/settings"
)

// DefaultPulseWidth is the default trigger pulse length.
const DefaultPulseWidth = time.Millisecond

// Controller emits trigger pulses. An uninterruptible controller cannot
// cut a pulse short: Abort then reports driver.ErrAbortPending.
type Controller struct {
	// pulse is the pulse length.
	pulse time.Duration
	// uninterruptible makes Abort wait for the pulse end.
	uninterruptible bool
	// armed is set between Arm and Abort.
	armed bool
	// busy is set while a pulse is emitted.
	busy bool
	// count is the number of completed pulses.
	count int64
	// stop interrupts the pulse in progress.
	stop chan struct{}
	// mu protects every field above.
	mu sync.Mutex
}

// NewController creates a trigger controller.
func NewController(pulse time.Duration, uninterruptible bool) *Controller {
	return &Controller{pulse: pulse, uninterruptible: uninterruptible}
}

// Settings declares the controller settings.
func (c *Controller) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:         "pulse_width_ms",
			Type:         settings.TypeFloat,
			Constraints:  settings.Range(0, maxExposureMS),
			RequiresIdle: true,
			Unit:         "ms",
			Default:      float64(c.pulse) / float64(time.Millisecond),
			Description:  "Length of the trigger pulse.",
			Apply: func(_ context.Context, value any) error {
				c.mu.Lock()
				defer c.mu.Unlock()

				c.pulse = time.Duration(value.(float64) * float64(time.Millisecond))

				return nil
			},
		},
		{
			Name:        "pulse_count",
			Type:        settings.TypeInt,
			ReadOnly:    true,
			Description: "Completed pulses since start.",
			Read: func(context.Context) (any, error) {
				c.mu.Lock()
				defer c.mu.Unlock()

				return c.count, nil
			},
		},
	}
}

// Arm enables the output.
func (c *Controller) Arm(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.armed = true

	return nil
}

// Trigger emits one pulse.
func (c *Controller) Trigger(ctx context.Context) error {
	c.mu.Lock()

	if !c.armed {
		c.mu.Unlock()

		return errNotArmed
	}

	stop := make(chan struct{})
	c.stop = stop
	c.busy = true
	pulse := c.pulse
	c.mu.Unlock()

	timer := time.NewTimer(pulse)
	defer timer.Stop()

	var err error

	select {
	case <-timer.C:
	case <-stop:
		err = errAborted
	case <-ctx.Done():
		if c.uninterruptible {
			<-timer.C
		} else {
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.busy = false
	c.stop = nil

	if err == nil {
		c.count++
	}

	return err
}

// Abort disarms the output and cuts the pulse short when possible.
func (c *Controller) Abort(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.armed = false

	if !c.busy {
		return nil
	}

	if c.uninterruptible {
		return driver.ErrAbortPending
	}

	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}

	return nil
}

// IsBusy reports whether a pulse is being emitted.
func (c *Controller) IsBusy(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.busy, nil
}
