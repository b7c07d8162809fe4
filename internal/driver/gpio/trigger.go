package gpio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oshokin/microscope/internal/settings"
)

const (
	polarityActiveHigh = "active_high"
	polarityActiveLow  = "active_low"

	maxPulseMS = 10000
)

var (
	errUnknownPinMode = errors.New("unknown pin mode")
	errNotOpen        = errors.New("gpio is not initialized")
	errNotArmed       = errors.New("trigger output is not armed")
	errAborted        = errors.New("aborted")
	errBadPin         = errors.New("invalid pin number")
)

// OpenFunc opens the pins a driver uses.
type OpenFunc func() (Pins, error)

// TTLTrigger emits a TTL pulse on one output line per trigger.
type TTLTrigger struct {
	// pin is the BCM number of the output line.
	pin int
	// open acquires the pins at initialization.
	open OpenFunc
	// pins is nil until Initialize succeeded.
	pins Pins
	// pulse is the pulse length.
	pulse time.Duration
	// activeLow inverts the output.
	activeLow bool
	// armed is set between Arm and Abort.
	armed bool
	// busy is set while the line is active.
	busy bool
	// count is the number of emitted pulses.
	count int64
	// stop cuts the pulse in progress.
	stop chan struct{}
	// mu protects every field above except the immutable ones.
	mu sync.Mutex
}

// NewTTLTrigger creates a trigger output on a BCM pin.
func NewTTLTrigger(pin int, pulse time.Duration, open OpenFunc) (*TTLTrigger, error) {
	if pin <= 0 {
		return nil, errBadPin
	}

	return &TTLTrigger{pin: pin, pulse: pulse, open: open}, nil
}

// Settings declares the pulse shape.
func (t *TTLTrigger) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:         "pulse_width_ms",
			Type:         settings.TypeFloat,
			Constraints:  settings.Range(0.001, maxPulseMS),
			RequiresIdle: true,
			Unit:         "ms",
			Default:      float64(t.pulse) / float64(time.Millisecond),
			Description:  "Length of the trigger pulse.",
			Apply: func(_ context.Context, value any) error {
				t.mu.Lock()
				defer t.mu.Unlock()

				t.pulse = time.Duration(value.(float64) * float64(time.Millisecond))

				return nil
			},
		},
		{
			Name:         "polarity",
			Type:         settings.TypeEnum,
			Constraints:  settings.OneOf(polarityActiveHigh, polarityActiveLow),
			RequiresIdle: true,
			Description:  "Level of the line while a pulse is emitted.",
			Apply: func(_ context.Context, value any) error {
				t.mu.Lock()
				defer t.mu.Unlock()

				t.activeLow = value.(string) == polarityActiveLow

				return t.idleLocked()
			},
		},
		{
			Name:        "pulse_count",
			Type:        settings.TypeInt,
			ReadOnly:    true,
			Description: "Pulses emitted since start.",
			Read: func(context.Context) (any, error) {
				t.mu.Lock()
				defer t.mu.Unlock()

				return t.count, nil
			},
		},
	}
}

// Initialize opens the pins and drives the line inactive.
func (t *TTLTrigger) Initialize(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pins != nil {
		return nil
	}

	pins, err := t.open()
	if err != nil {
		return err
	}

	if err := pins.SetupPin(t.pin, Output); err != nil {
		return errors.Join(err, pins.Close())
	}

	t.pins = pins

	return t.idleLocked()
}

// Arm enables pulses.
func (t *TTLTrigger) Arm(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pins == nil {
		return errNotOpen
	}

	t.armed = true

	return nil
}

// Trigger drives the line active for the pulse width.
func (t *TTLTrigger) Trigger(ctx context.Context) error {
	t.mu.Lock()

	if !t.armed {
		t.mu.Unlock()

		return errNotArmed
	}

	if err := t.pins.WritePin(t.pin, t.level(true)); err != nil {
		t.mu.Unlock()

		return err
	}

	stop := make(chan struct{})
	t.stop = stop
	t.busy = true
	pulse := t.pulse
	t.mu.Unlock()

	err := pause(ctx, stop, pulse)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.busy = false
	t.stop = nil

	if idleErr := t.idleLocked(); idleErr != nil {
		return errors.Join(err, idleErr)
	}

	if err == nil {
		t.count++
	}

	return err
}

// Abort cuts the pulse and disarms.
func (t *TTLTrigger) Abort(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.armed = false

	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}

	return nil
}

// IsBusy reports whether a pulse is in progress.
func (t *TTLTrigger) IsBusy(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.busy, nil
}

// MakeSafe drives the line inactive.
func (t *TTLTrigger) MakeSafe(ctx context.Context) error {
	if err := t.Abort(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.idleLocked()
}

// Shutdown releases the pins.
func (t *TTLTrigger) Shutdown(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pins == nil {
		return nil
	}

	err := t.pins.Close()
	t.pins = nil

	return err
}

func (t *TTLTrigger) level(active bool) Level {
	return Level(active != t.activeLow)
}

func (t *TTLTrigger) idleLocked() error {
	if t.pins == nil {
		return nil
	}

	return t.pins.WritePin(t.pin, t.level(false))
}

// pause waits for d unless ctx ends or stop closes.
func pause(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-stop:
		return errAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}
