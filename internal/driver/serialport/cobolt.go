package serialport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/oshokin/microscope/internal/logger"
	"github.com/oshokin/microscope/internal/settings"
)

const (
	coboltQueryRetries = 3
	milliwattsPerWatt  = 1000
	maxStatusLength    = 128
)

// CoboltLaser drives a Cobolt laser. Power is exchanged in watts on the
// wire and in milliwatts in settings.
type CoboltLaser struct {
	// conn is the serial line.
	conn *conn
	// wavelength is the emission wavelength in nanometres.
	wavelength float64
	// maxPower bounds the set point in milliwatts.
	maxPower float64
}

// NewCoboltLaser creates a laser driver. The port is opened by Initialize.
func NewCoboltLaser(cfg PortConfig, wavelength, maxPower float64, open OpenFunc) (*CoboltLaser, error) {
	c, err := newConn(cfg, open, '\n')
	if err != nil {
		return nil, err
	}

	return &CoboltLaser{conn: c, wavelength: wavelength, maxPower: maxPower}, nil
}

// Wavelength returns the emission wavelength in nanometres.
func (l *CoboltLaser) Wavelength() float64 {
	return l.wavelength
}

// Settings declares the laser settings.
func (l *CoboltLaser) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:        "power_mw",
			Type:        settings.TypeFloat,
			Constraints: settings.Range(0, l.maxPower),
			Unit:        "mW",
			Description: "Power set point.",
			Apply: func(ctx context.Context, value any) error {
				_, err := l.send(ctx, fmt.Sprintf("@cobasp %.4f", value.(float64)/milliwattsPerWatt))

				return err
			},
			Read: func(ctx context.Context) (any, error) {
				return l.queryPower(ctx, "p?")
			},
		},
		{
			Name:        "emission",
			Type:        settings.TypeBool,
			Description: "Emission on or off.",
			Apply: func(ctx context.Context, value any) error {
				command := "l0"
				if value.(bool) {
					command = "l1"
				}

				_, err := l.send(ctx, command)

				return err
			},
			Read: func(ctx context.Context) (any, error) {
				response, err := l.send(ctx, "l?")
				if err != nil {
					return nil, err
				}

				return response == "1", nil
			},
		},
		{
			Name:        "power_reading_mw",
			Type:        settings.TypeFloat,
			ReadOnly:    true,
			Unit:        "mW",
			Description: "Measured output power.",
			Read: func(ctx context.Context) (any, error) {
				return l.queryPower(ctx, "pa?")
			},
		},
		{
			Name:        "status",
			Type:        settings.TypeString,
			Constraints: settings.Constraints{MaxLength: maxStatusLength},
			ReadOnly:    true,
			Description: "Fault flag and operating hours.",
			Read: func(ctx context.Context) (any, error) {
				fault, err := l.send(ctx, "f?")
				if err != nil {
					return nil, err
				}

				hours, err := l.send(ctx, "hrs?")
				if err != nil {
					return nil, err
				}

				return fmt.Sprintf("fault=%s hours=%s", fault, hours), nil
			},
		},
	}
}

// Initialize opens the port, disables autostart and direct control and
// forces the laser on so emission can be switched remotely.
func (l *CoboltLaser) Initialize(ctx context.Context) error {
	if err := l.conn.connect(); err != nil {
		return err
	}

	serial, err := l.send(ctx, "sn?")
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "cobolt laser connected", "serial_number", serial, "port", l.conn.cfg.Name)

	for _, command := range []string{"@cobas 0", "@cobasdr 0", "@cob1"} {
		if _, err := l.send(ctx, command); err != nil {
			return err
		}
	}

	return nil
}

// MakeSafe turns emission off.
func (l *CoboltLaser) MakeSafe(ctx context.Context) error {
	_, err := l.send(ctx, "l0")

	return err
}

// Shutdown turns the laser off and closes the port.
func (l *CoboltLaser) Shutdown(ctx context.Context) error {
	for _, command := range []string{"l0", "@cob0"} {
		if _, err := l.send(ctx, command); err != nil {
			logger.Warnf(ctx, "cobolt %s: %v", command, err)
		}
	}

	return l.conn.close()
}

// send writes a command and returns its response line. Queries that get
// an empty response are retried.
func (l *CoboltLaser) send(ctx context.Context, command string) (string, error) {
	var response string

	err := l.conn.exchange(func() error {
		for range coboltQueryRetries {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%s: %w", command, err)
			}

			if err := l.conn.writeLocked(command); err != nil {
				return err
			}

			line, err := l.conn.readLineLocked()
			if err != nil {
				return err
			}

			if line != "" || !strings.HasSuffix(command, "?") {
				response = line

				return nil
			}
		}

		return fmt.Errorf("%s: %w", command, errNoResponse)
	})

	return response, err
}

// queryPower reads a power in watts and converts it to milliwatts. The
// controller sometimes answers a bare "1"; that reply is retried.
func (l *CoboltLaser) queryPower(ctx context.Context, command string) (float64, error) {
	for range coboltQueryRetries {
		response, err := l.send(ctx, command)
		if err != nil {
			return 0, err
		}

		if response == "1" {
			continue
		}

		watts, err := strconv.ParseFloat(response, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s response %q: %w", command, response, err)
		}

		return watts * milliwattsPerWatt, nil
	}

	return 0, fmt.Errorf("%s: %w", command, errNoResponse)
}
