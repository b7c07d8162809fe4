package serialport

import (
	"fmt"

	"github.com/oshokin/microscope/internal/driver"
)

// Catalog names of the serial drivers.
const (
	FW102CDriver = "thorlabs-fw102c"
	FW212CDriver = "thorlabs-fw212c"
	CoboltDriver = "cobolt"

	defaultWavelength = 488.0
	defaultMaxPower   = 100.0
)

// Register adds the serial drivers to the catalog.
func Register(c *driver.Catalog) error {
	factories := []struct {
		name    string
		factory driver.Factory
	}{
		{FW102CDriver, wheelFactory(FW102CSlots)},
		{FW212CDriver, wheelFactory(FW212CSlots)},
		{CoboltDriver, newCobolt},
	}

	for _, f := range factories {
		if err := c.Register(f.name, f.factory); err != nil {
			return fmt.Errorf("register %s: %w", f.name, err)
		}
	}

	return nil
}

func portConfig(spec driver.Spec) (PortConfig, error) {
	var (
		cfg PortConfig
		err error
	)

	if cfg.Name, err = spec.Options.String("port", ""); err != nil {
		return cfg, err
	}

	if cfg.Baud, err = spec.Options.Int("baud", DefaultBaudRate); err != nil {
		return cfg, err
	}

	if cfg.Timeout, err = spec.Options.Duration("timeout", DefaultReadTimeout); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func wheelFactory(slots int) driver.Factory {
	return func(spec driver.Spec) (driver.Driver, error) {
		cfg, err := portConfig(spec)
		if err != nil {
			return nil, err
		}

		return NewThorlabsWheel(cfg, slots, nil)
	}
}

func newCobolt(spec driver.Spec) (driver.Driver, error) {
	cfg, err := portConfig(spec)
	if err != nil {
		return nil, err
	}

	wavelength, err := spec.Options.Float("wavelength_nm", defaultWavelength)
	if err != nil {
		return nil, err
	}

	maxPower, err := spec.Options.Float("max_power_mw", defaultMaxPower)
	if err != nil {
		return nil, err
	}

	return NewCoboltLaser(cfg, wavelength, maxPower, nil)
}
