package simulated

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/settings"
)

const (
	// DefaultSensorWidth is the simulated sensor width in pixels.
	DefaultSensorWidth = 64
	// DefaultSensorHeight is the simulated sensor height in pixels.
	DefaultSensorHeight = 64
	// DefaultExposure is the initial exposure time.
	DefaultExposure = 10 * time.Millisecond

	sensorTemperature = -20.0
	maxGain           = 8192
	maxExposureMS     = 60000
)

// CameraConfig describes a simulated sensor.
type CameraConfig struct {
	// Width is the sensor width in pixels.
	Width int
	// Height is the sensor height in pixels.
	Height int
	// Exposure is the initial exposure time.
	Exposure time.Duration
	// InitFailures is the number of Initialize calls that fail before one succeeds.
	InitFailures int
}

// Camera renders mono8 test images. A trigger takes the exposure time and
// can be interrupted by Abort.
type Camera struct {
	// width and height are the sensor dimensions.
	width, height int
	// roi is the active readout region.
	roi domain.ROI
	// exposure is the time a trigger takes.
	exposure time.Duration
	// binning is the symmetric binning factor.
	binning int
	// gain scales the bright level of rendered images.
	gain int64
	// pattern is the image_pattern setting.
	pattern string
	// errorPercent is the chance of a readout failure.
	errorPercent int64
	// initFailures counts remaining Initialize failures.
	initFailures int
	// armed is set between Arm and Abort.
	armed bool
	// busy is set while a trigger is exposing.
	busy bool
	// exposed counts completed exposures awaiting readout.
	exposed int
	// sent counts frames read out.
	sent uint64
	// stop interrupts the exposure in progress.
	stop chan struct{}
	// mu protects every field above.
	mu sync.Mutex
}

// NewCamera creates a simulated camera.
func NewCamera(cfg CameraConfig) (*Camera, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: sensor %dx%d", errBadGeometry, cfg.Width, cfg.Height)
	}

	if cfg.Exposure <= 0 {
		cfg.Exposure = DefaultExposure
	}

	return &Camera{
		width:        cfg.Width,
		height:       cfg.Height,
		roi:          domain.ROI{Width: cfg.Width, Height: cfg.Height},
		exposure:     cfg.Exposure,
		binning:      1,
		pattern:      PatternGradient,
		initFailures: cfg.InitFailures,
	}, nil
}

// Settings declares the camera settings.
func (c *Camera) Settings() []settings.Descriptor {
	return []settings.Descriptor{
		{
			Name:         "exposure_ms",
			Type:         settings.TypeFloat,
			Constraints:  settings.Range(0.01, maxExposureMS),
			RequiresIdle: true,
			Unit:         "ms",
			Description:  "Exposure time of one trigger.",
			Default:      float64(c.exposure) / float64(time.Millisecond),
			Apply: func(_ context.Context, value any) error {
				c.mu.Lock()
				defer c.mu.Unlock()

				c.exposure = time.Duration(value.(float64) * float64(time.Millisecond))

				return nil
			},
		},
		{
			Name:         "binning",
			Type:         settings.TypeEnum,
			Constraints:  settings.OneOf("1x1", "2x2", "4x4"),
			RequiresIdle: true,
			Description:  "Symmetric pixel binning.",
			Apply: func(_ context.Context, value any) error {
				var factor int
				if _, err := fmt.Sscanf(value.(string), "%dx", &factor); err != nil {
					return fmt.Errorf("parse binning: %w", err)
				}

				c.mu.Lock()
				defer c.mu.Unlock()

				c.binning = factor

				return nil
			},
		},
		{
			Name:        "gain",
			Type:        settings.TypeInt,
			Constraints: settings.Range(0, maxGain),
			Description: "Analog gain.",
			Apply: func(_ context.Context, value any) error {
				c.mu.Lock()
				defer c.mu.Unlock()

				c.gain = value.(int64)

				return nil
			},
		},
		{
			Name:        "image_pattern",
			Type:        settings.TypeEnum,
			Constraints: settings.OneOf(patterns...),
			Default:     PatternGradient,
			Description: "Test image generator.",
			Apply: func(_ context.Context, value any) error {
				c.mu.Lock()
				defer c.mu.Unlock()

				c.pattern = value.(string)

				return nil
			},
		},
		{
			Name:        "error_percent",
			Type:        settings.TypeInt,
			Constraints: settings.Range(0, 100),
			Unit:        "%",
			Description: "Probability of a simulated readout failure.",
			Apply: func(_ context.Context, value any) error {
				c.mu.Lock()
				defer c.mu.Unlock()

				c.errorPercent = value.(int64)

				return nil
			},
		},
		{
			Name:        "sensor_temperature",
			Type:        settings.TypeFloat,
			ReadOnly:    true,
			Unit:        "C",
			Default:     sensorTemperature,
			Description: "Sensor temperature.",
			Read: func(context.Context) (any, error) {
				return sensorTemperature, nil
			},
		},
	}
}

// Initialize fails InitFailures times, then succeeds.
func (c *Camera) Initialize(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initFailures > 0 {
		c.initFailures--

		return errInitFailed
	}

	return nil
}

// Arm prepares the sensor.
func (c *Camera) Arm(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.armed = true
	c.exposed = 0

	return nil
}

// Trigger exposes the sensor for the exposure time.
func (c *Camera) Trigger(ctx context.Context) error {
	c.mu.Lock()

	if !c.armed {
		c.mu.Unlock()

		return errNotArmed
	}

	stop := make(chan struct{})
	c.stop = stop
	c.busy = true
	exposure := c.exposure
	c.mu.Unlock()

	timer := time.NewTimer(exposure)
	defer timer.Stop()

	var err error

	select {
	case <-timer.C:
	case <-stop:
		err = errAborted
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.busy = false
	c.stop = nil

	if err == nil {
		c.exposed++
	}

	return err
}

// Readout renders the image of the last exposure.
func (c *Camera) Readout(context.Context) (*domain.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exposed == 0 {
		return nil, errNoExposure
	}

	c.exposed--

	if c.errorPercent > 0 && rand.Int64N(100) < c.errorPercent { //nolint:gosec // Simulation only.
		return nil, errReadoutFailed
	}

	width := max(c.roi.Width/c.binning, 1)
	height := max(c.roi.Height/c.binning, 1)
	light := uint8(min(128+c.gain/64, 255)) //nolint:gosec // Clamped above.

	frame := &domain.Frame{
		Timestamp: time.Now(),
		Payload:   render(c.pattern, width, height, 0, light, c.sent),
		Width:     width,
		Height:    height,
		Format:    "mono8",
	}

	c.sent++

	return frame, nil
}

// Abort interrupts the exposure and disarms the sensor.
func (c *Camera) Abort(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}

	c.armed = false
	c.exposed = 0

	return nil
}

// IsBusy reports whether an exposure is running.
func (c *Camera) IsBusy(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.busy, nil
}

// ConfigureROI sets the readout region. It must fit the sensor.
func (c *Camera) ConfigureROI(_ context.Context, roi domain.ROI) error {
	if roi.Width <= 0 || roi.Height <= 0 || roi.Left < 0 || roi.Top < 0 ||
		roi.Left+roi.Width > c.width || roi.Top+roi.Height > c.height {
		return domain.Errorf(domain.KindOutOfRange, "roi %+v does not fit the %dx%d sensor", roi, c.width, c.height)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.roi = roi

	return nil
}

// ROI returns the active readout region.
func (c *Camera) ROI() domain.ROI {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.roi
}

// MakeSafe stops any exposure.
func (c *Camera) MakeSafe(ctx context.Context) error {
	return c.Abort(ctx)
}
