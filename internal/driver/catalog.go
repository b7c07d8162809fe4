package driver

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/settings"
)

var (
	errUnknownDriver     = errors.New("unknown driver")
	errDuplicateDriver   = errors.New("driver already registered")
	errDuplicateDevice   = errors.New("duplicate device id")
	errEmptyDeviceID     = errors.New("device id is required")
	errUnknownDeviceType = errors.New("unknown device type")
	errMissingCapability = errors.New("driver does not implement the capability required by the device type")
	errBadOption         = errors.New("invalid driver option")
)

// Options are the free-form constructor arguments of a driver.
type Options map[string]any

// Spec is one configured device before its driver is constructed.
type Spec struct {
	// ID is the unique device identifier clients address.
	ID string
	// Driver is the catalog name of the binding.
	Driver string
	// Type is the declared device type.
	Type domain.Type
	// Options are passed to the driver factory.
	Options Options
}

// Definition is a validated device: its driver, computed capability set and
// settings descriptors. It is the only form the hub accepts.
type Definition struct {
	// ID is the unique device identifier.
	ID string
	// Type is the declared device type.
	Type domain.Type
	// Driver is the constructed binding.
	Driver Driver
	// Capabilities is computed from the driver's interfaces.
	Capabilities domain.CapabilitySet
	// Settings are the descriptors the driver declared.
	Settings []settings.Descriptor
}

// Factory constructs a driver from its spec.
type Factory func(spec Spec) (Driver, error)

// Catalog maps driver names to factories.
type Catalog struct {
	// factories holds registered factories by name.
	factories map[string]Factory
	// mu protects factories.
	mu sync.RWMutex
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under a unique name.
func (c *Catalog) Register(name string, factory Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.factories[name]; ok {
		return fmt.Errorf("%w: %s", errDuplicateDriver, name)
	}

	c.factories[name] = factory

	return nil
}

// Names returns every registered driver name, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Sorted(maps.Keys(c.factories))
}

// Build constructs and validates one device.
func (c *Catalog) Build(spec Spec) (Definition, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return Definition{}, errEmptyDeviceID
	}

	required, ok := requiredCapability(spec.Type)
	if !ok {
		return Definition{}, fmt.Errorf("device %s: %w: %q", spec.ID, errUnknownDeviceType, spec.Type)
	}

	c.mu.RLock()
	factory, ok := c.factories[strings.ToLower(strings.TrimSpace(spec.Driver))]
	c.mu.RUnlock()

	if !ok {
		return Definition{}, fmt.Errorf("device %s: %w: %q", spec.ID, errUnknownDriver, spec.Driver)
	}

	drv, err := factory(spec)
	if err != nil {
		return Definition{}, fmt.Errorf("device %s: construct %s driver: %w", spec.ID, spec.Driver, err)
	}

	caps := Capabilities(drv)
	if !caps.Has(required) {
		return Definition{}, fmt.Errorf("device %s (%s, %s): %w", spec.ID, spec.Type, spec.Driver, errMissingCapability)
	}

	return Definition{
		ID:           spec.ID,
		Type:         spec.Type,
		Driver:       drv,
		Capabilities: caps,
		Settings:     drv.Settings(),
	}, nil
}

// BuildAll constructs every device, rejecting duplicate identifiers.
func (c *Catalog) BuildAll(specs []Spec) ([]Definition, error) {
	seen := make(map[string]struct{}, len(specs))
	defs := make([]Definition, 0, len(specs))

	for _, spec := range specs {
		if _, ok := seen[spec.ID]; ok {
			return nil, fmt.Errorf("%w: %s", errDuplicateDevice, spec.ID)
		}

		seen[spec.ID] = struct{}{}

		def, err := c.Build(spec)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	return defs, nil
}

// String returns a string option.
func (o Options) String(key, fallback string) (string, error) {
	raw, ok := o[key]
	if !ok || raw == nil {
		return fallback, nil
	}

	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", errBadOption, key, raw)
	}

	return s, nil
}

// Float returns a numeric option.
func (o Options) Float(key string, fallback float64) (float64, error) {
	raw, ok := o[key]
	if !ok || raw == nil {
		return fallback, nil
	}

	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", errBadOption, key, raw)
	}
}

// Int returns an integral option.
func (o Options) Int(key string, fallback int) (int, error) {
	f, err := o.Float(key, float64(fallback))
	if err != nil {
		return 0, err
	}

	if f != float64(int(f)) {
		return 0, fmt.Errorf("%w: %s must be an integer, got %v", errBadOption, key, f)
	}

	return int(f), nil
}

// Bool returns a boolean option.
func (o Options) Bool(key string, fallback bool) (bool, error) {
	raw, ok := o[key]
	if !ok || raw == nil {
		return fallback, nil
	}

	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", errBadOption, key, raw)
	}

	return b, nil
}

// Duration returns a duration option written as a Go duration string ("250ms").
func (o Options) Duration(key string, fallback time.Duration) (time.Duration, error) {
	s, err := o.String(key, "")
	if err != nil {
		return 0, err
	}

	if s == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", errBadOption, key, err)
	}

	return d, nil
}
