package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/settings"
)

type wheelDriver struct{}

func (wheelDriver) Settings() []settings.Descriptor {
	return []settings.Descriptor{{Name: "position", Type: settings.TypeInt, Constraints: settings.Range(1, 6)}}
}

func (wheelDriver) SlotCount() int { return 6 }

type pulseDriver struct{}

func (pulseDriver) Settings() []settings.Descriptor { return nil }

func (pulseDriver) Arm(context.Context) error     { return nil }
func (pulseDriver) Trigger(context.Context) error { return nil }
func (pulseDriver) Abort(context.Context) error   { return nil }

func (pulseDriver) IsBusy(context.Context) (bool, error) { return false, nil }

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	c := NewCatalog()
	require.NoError(t, c.Register("wheel", func(Spec) (Driver, error) { return wheelDriver{}, nil }))
	require.NoError(t, c.Register("Pulse", func(Spec) (Driver, error) { return pulseDriver{}, nil }))

	return c
}

// TestCapabilities computes the set from implemented interfaces.
func TestCapabilities(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		domain.NewCapabilitySet(domain.CapSettings, domain.CapFilterWheel),
		Capabilities(wheelDriver{}))
	require.Equal(t,
		domain.NewCapabilitySet(domain.CapSettings, domain.CapTriggerTarget),
		Capabilities(pulseDriver{}))
}

// TestCatalog_Build validates drivers against the declared type.
func TestCatalog_Build(t *testing.T) {
	t.Parallel()

	c := newTestCatalog(t)
	require.Equal(t, []string{"pulse", "wheel"}, c.Names())
	require.ErrorIs(t, c.Register("wheel", nil), errDuplicateDriver)

	def, err := c.Build(Spec{ID: "fw0", Driver: "wheel", Type: domain.TypeFilterWheel})
	require.NoError(t, err)
	require.Equal(t, "fw0", def.ID)
	require.True(t, def.Capabilities.Has(domain.CapFilterWheel))
	require.Len(t, def.Settings, 1)

	_, err = c.Build(Spec{ID: "cam0", Driver: "pulse", Type: domain.TypeCamera})
	require.ErrorIs(t, err, errMissingCapability)

	_, err = c.Build(Spec{ID: "x", Driver: "laser9000", Type: domain.TypeLightSource})
	require.ErrorIs(t, err, errUnknownDriver)

	_, err = c.Build(Spec{ID: "x", Driver: "wheel", Type: "toaster"})
	require.ErrorIs(t, err, errUnknownDeviceType)

	_, err = c.BuildAll([]Spec{
		{ID: "trig", Driver: "pulse", Type: domain.TypeController},
		{ID: "trig", Driver: "pulse", Type: domain.TypeController},
	})
	require.ErrorIs(t, err, errDuplicateDevice)
}

// TestOptions covers typed option accessors.
func TestOptions(t *testing.T) {
	t.Parallel()

	o := Options{"port": "/dev/ttyUSB0", "baud": 115200, "scale": 0.5, "invert": true, "settle": "250ms"}

	port, err := o.String("port", "")
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", port)

	baud, err := o.Int("baud", 9600)
	require.NoError(t, err)
	require.Equal(t, 115200, baud)

	scale, err := o.Float("scale", 1)
	require.NoError(t, err)
	require.InDelta(t, 0.5, scale, 0)

	invert, err := o.Bool("invert", false)
	require.NoError(t, err)
	require.True(t, invert)

	settle, err := o.Duration("settle", time.Second)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, settle)

	missing, err := o.Int("missing", 7)
	require.NoError(t, err)
	require.Equal(t, 7, missing)

	_, err = o.Int("scale", 0)
	require.ErrorIs(t, err, errBadOption)

	_, err = o.Bool("port", false)
	require.ErrorIs(t, err, errBadOption)
}
