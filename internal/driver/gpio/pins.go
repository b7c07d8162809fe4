package gpio

import (
	"context"
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/oshokin/microscope/internal/logger"
)

// Level is the logical state of a pin.
type Level bool

const (
	// Low is 0 V.
	Low Level = false
	// High is 3.3 V.
	High Level = true
)

// PinMode is the direction of a pin.
type PinMode int

const (
	// Input reads the pin.
	Input PinMode = iota
	// Output drives the pin.
	Output
)

// Pins is the GPIO access used by the drivers.
type Pins interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

//nolint:gochecknoglobals // go-rpio maps a single process-wide GPIO block.
var (
	rpioUsers int
	rpioMu    sync.Mutex
)

// RPiPins drives pins through go-rpio. The GPIO block is mapped while at
// least one RPiPins is open.
type RPiPins struct {
	// pins are the configured pins.
	pins map[int]rpio.Pin
	// mu protects pins.
	mu sync.Mutex
}

// OpenRPi maps the GPIO block.
func OpenRPi() (*RPiPins, error) {
	rpioMu.Lock()
	defer rpioMu.Unlock()

	if rpioUsers == 0 {
		if err := rpio.Open(); err != nil {
			return nil, fmt.Errorf("open gpio: %w", err)
		}
	}

	rpioUsers++

	return &RPiPins{pins: make(map[int]rpio.Pin)}, nil
}

// SetupPin sets the pin direction.
func (r *RPiPins) SetupPin(pin int, mode PinMode) error {
	p := rpio.Pin(pin)

	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("%w: %d", errUnknownPinMode, mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pins[pin] = p

	return nil
}

// WritePin drives an output pin, configuring it first if needed.
func (r *RPiPins) WritePin(pin int, level Level) error {
	r.mu.Lock()
	p, ok := r.pins[pin]
	r.mu.Unlock()

	if !ok {
		if err := r.SetupPin(pin, Output); err != nil {
			return err
		}

		p = rpio.Pin(pin)
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

// ReadPin samples an input pin, configuring it first if needed.
func (r *RPiPins) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	p, ok := r.pins[pin]
	r.mu.Unlock()

	if !ok {
		if err := r.SetupPin(pin, Input); err != nil {
			return Low, err
		}

		p = rpio.Pin(pin)
	}

	return p.Read() == rpio.High, nil
}

// Close returns every used pin to input and unmaps the block when no
// other user remains.
func (r *RPiPins) Close() error {
	r.mu.Lock()
	for _, p := range r.pins {
		p.Input()
	}

	clear(r.pins)
	r.mu.Unlock()

	rpioMu.Lock()
	defer rpioMu.Unlock()

	rpioUsers--
	if rpioUsers > 0 {
		return nil
	}

	if err := rpio.Close(); err != nil {
		return fmt.Errorf("close gpio: %w", err)
	}

	return nil
}

// MockPins keeps pin levels in memory and logs every write.
type MockPins struct {
	// name labels log lines.
	name string
	// levels are the last written levels.
	levels map[int]Level
	// writes counts writes per pin.
	writes map[int]int
	// mu protects levels and writes.
	mu sync.Mutex
}

// NewMockPins creates in-memory pins.
func NewMockPins(name string) *MockPins {
	return &MockPins{
		name:   name,
		levels: make(map[int]Level),
		writes: make(map[int]int),
	}
}

// SetupPin records nothing: mock pins have no direction.
func (*MockPins) SetupPin(int, PinMode) error {
	return nil
}

// WritePin stores the level.
func (m *MockPins) WritePin(pin int, level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.levels[pin] = level
	m.writes[pin]++

	logger.DebugKV(context.Background(), "gpio write", "device", m.name, "pin", pin, "level", bool(level))

	return nil
}

// ReadPin returns the last written level.
func (m *MockPins) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.levels[pin], nil
}

// Writes returns the number of writes to a pin.
func (m *MockPins) Writes(pin int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writes[pin]
}

// Close does nothing.
func (*MockPins) Close() error {
	return nil
}
