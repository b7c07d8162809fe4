package serialport

import (
	"context"
	"fmt"
	"strconv"

	"github.com/oshokin/microscope/internal/settings"
)

const (
	// FW102CSlots is the position count of the FW102C.
	FW102CSlots = 6
	// FW212CSlots is the position count of the FW212C.
	FW212CSlots = 12

	thorlabsPrompt = ">"
	// thorlabsMaxSilence is how many unexpected or empty lines a move may
	// produce before the wheel is declared unresponsive. The wheel stays
	// silent until it reaches the new position.
	thorlabsMaxSilence = 10
)

// ThorlabsWheel drives a Thorlabs FW102C or FW212C. Positions are 1-based
// as on the instrument's display.
type ThorlabsWheel struct {
	// conn is the serial line.
	conn *conn
	// slots is the position count.
	slots int
}

// NewThorlabsWheel creates a wheel driver. The port is opened by Initialize.
func NewThorlabsWheel(cfg PortConfig, slots int, open OpenFunc) (*ThorlabsWheel, error) {
	c, err := newConn(cfg, open, '\r')
	if err != nil {
		return nil, err
	}

	return &ThorlabsWheel{conn: c, slots: slots}, nil
}

// SlotCount returns the number of positions.
func (w *ThorlabsWheel) SlotCount() int {
	return w.slots
}

// Settings declares the position setting.
func (w *ThorlabsWheel) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:        "position",
			Type:        settings.TypeInt,
			Constraints: settings.Range(1, float64(w.slots)),
			Description: "Active filter slot. The wheel also has manual controls, so the value is re-read on sync.",
			Apply:       w.setPosition,
			Read:        w.position,
		},
	}
}

// Initialize opens the serial port.
func (w *ThorlabsWheel) Initialize(context.Context) error {
	return w.conn.connect()
}

// Shutdown closes the serial port.
func (w *ThorlabsWheel) Shutdown(context.Context) error {
	return w.conn.close()
}

func (w *ThorlabsWheel) setPosition(ctx context.Context, value any) error {
	command := fmt.Sprintf("pos=%d", value.(int64))

	return w.conn.exchange(func() error {
		if err := w.conn.writeLocked(command); err != nil {
			return err
		}

		for silence := 0; silence <= thorlabsMaxSilence; {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("move filter wheel: %w", err)
			}

			response, err := w.conn.readLineLocked()
			if err != nil {
				return err
			}

			switch response {
			case command:
				silence = 0
			case thorlabsPrompt:
				return nil
			default:
				silence++
			}
		}

		return fmt.Errorf("move filter wheel to %d: %w", value, errNoResponse)
	})
}

func (w *ThorlabsWheel) position(context.Context) (any, error) {
	var result string

	err := w.conn.exchange(func() error {
		var err error

		result, err = w.queryLocked("pos?")

		return err
	})
	if err != nil {
		return nil, err
	}

	position, err := strconv.ParseInt(result, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse wheel position %q: %w", result, err)
	}

	return position, nil
}

// queryLocked sends a query and returns the line between the echo and the prompt.
func (w *ThorlabsWheel) queryLocked(command string) (string, error) {
	if err := w.conn.writeLocked(command); err != nil {
		return "", err
	}

	for {
		response, err := w.conn.readLineLocked()
		if err != nil {
			return "", err
		}

		if response == "" {
			return "", fmt.Errorf("%s: %w", command, errNoResponse)
		}

		if response == command {
			break
		}
	}

	result, err := w.conn.readLineLocked()
	if err != nil {
		return "", err
	}

	for {
		response, err := w.conn.readLineLocked()
		if err != nil {
			return "", err
		}

		if response == thorlabsPrompt || response == "" {
			return result, nil
		}
	}
}
