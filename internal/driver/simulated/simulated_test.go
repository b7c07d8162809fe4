package simulated

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
	"github.com/oshokin/microscope/internal/settings"
)

func newRegistry(t *testing.T, d driver.Driver) *settings.Registry {
	t.Helper()

	r := settings.New()
	for _, desc := range d.Settings() {
		require.NoError(t, r.Declare(desc))
	}

	return r
}

// TestRegister builds every simulated driver for its device type.
func TestRegister(t *testing.T) {
	t.Parallel()

	catalog := driver.NewCatalog()
	require.NoError(t, Register(catalog))

	defs, err := catalog.BuildAll([]driver.Spec{
		{ID: "cam0", Driver: CameraDriver, Type: domain.TypeCamera, Options: driver.Options{"width": 32, "height": 16}},
		{ID: "xyz", Driver: StageDriver, Type: domain.TypeStage, Options: driver.Options{"axes": []any{"x", "y"}}},
		{ID: "fw0", Driver: FilterWheelDriver, Type: domain.TypeFilterWheel},
		{ID: "l488", Driver: LaserDriver, Type: domain.TypeLightSource},
		{ID: "dm0", Driver: MirrorDriver, Type: domain.TypeDeformableMirror, Options: driver.Options{"actuators": 4}},
		{ID: "ttl", Driver: ControllerDriver, Type: domain.TypeController, Options: driver.Options{"pulse_width": "5ms"}},
	})
	require.NoError(t, err)
	require.Len(t, defs, 6)

	require.True(t, defs[0].Capabilities.Has(domain.CapTriggerTarget))
	require.True(t, defs[0].Capabilities.Has(domain.CapCamera))
	require.True(t, defs[4].Capabilities.Has(domain.CapTriggerTarget))
	require.False(t, defs[2].Capabilities.Has(domain.CapTriggerTarget))

	for _, def := range defs {
		newRegistry(t, def.Driver)
	}

	_, err = catalog.Build(driver.Spec{ID: "cam1", Driver: CameraDriver, Type: domain.TypeCamera, Options: driver.Options{"width": "wide"}})
	require.Error(t, err)

	require.Error(t, Register(catalog))
}

// TestCamera_Acquire exposes, reads out and honours ROI and binning.
func TestCamera_Acquire(t *testing.T) {
	t.Parallel()

	cam, err := NewCamera(CameraConfig{Width: 32, Height: 16, Exposure: time.Millisecond})
	require.NoError(t, err)

	r := newRegistry(t, cam)
	ctx := t.Context()

	_, err = r.Set(ctx, "binning", "2x2")
	require.NoError(t, err)

	require.NoError(t, cam.ConfigureROI(ctx, domain.ROI{Left: 4, Top: 0, Width: 16, Height: 8}))
	require.ErrorIs(t, cam.ConfigureROI(ctx, domain.ROI{Left: 20, Width: 16, Height: 8}), domain.ErrOutOfRange)

	require.ErrorIs(t, cam.Trigger(ctx), errNotArmed)
	require.NoError(t, cam.Arm(ctx))
	require.NoError(t, cam.Trigger(ctx))

	frame, err := cam.Readout(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, frame.Width)
	require.Equal(t, 4, frame.Height)
	require.Len(t, frame.Payload, 32)
	require.Equal(t, "mono8", frame.Format)

	_, err = cam.Readout(ctx)
	require.ErrorIs(t, err, errNoExposure)

	_, err = r.Set(ctx, "error_percent", 100)
	require.NoError(t, err)
	require.NoError(t, cam.Trigger(ctx))

	_, err = cam.Readout(ctx)
	require.ErrorIs(t, err, errReadoutFailed)
}

// TestCamera_AbortInterruptsExposure checks a blocked trigger returns on abort.
func TestCamera_AbortInterruptsExposure(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		cam, err := NewCamera(CameraConfig{Width: 8, Height: 8, Exposure: time.Hour})
		require.NoError(t, err)

		require.NoError(t, cam.Arm(t.Context()))

		done := make(chan error, 1)

		go func() {
			done <- cam.Trigger(t.Context())
		}()

		synctest.Wait()

		busy, err := cam.IsBusy(t.Context())
		require.NoError(t, err)
		require.True(t, busy)

		require.NoError(t, cam.Abort(t.Context()))
		require.ErrorIs(t, <-done, errAborted)

		busy, err = cam.IsBusy(t.Context())
		require.NoError(t, err)
		require.False(t, busy)
	})
}

// TestCamera_InitFailures fails the configured number of times.
func TestCamera_InitFailures(t *testing.T) {
	t.Parallel()

	cam, err := NewCamera(CameraConfig{Width: 8, Height: 8, InitFailures: 2})
	require.NoError(t, err)

	require.ErrorIs(t, cam.Initialize(t.Context()), errInitFailed)
	require.ErrorIs(t, cam.Initialize(t.Context()), errInitFailed)
	require.NoError(t, cam.Initialize(t.Context()))
}

// TestStage_Move travels at the configured speed and stops where it is when cancelled.
func TestStage_Move(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		stage, err := NewStage(StageConfig{Axes: []string{"x", "y"}, Min: -100, Max: 100, Speed: 10})
		require.NoError(t, err)

		begun := time.Now()
		require.NoError(t, stage.MoveTo(t.Context(), domain.Position{"x": 50}))
		require.Equal(t, 5*time.Second, time.Since(begun))

		pos, err := stage.Position(t.Context())
		require.NoError(t, err)
		require.InDelta(t, 50.0, pos["x"], 1e-9)
		require.InDelta(t, 0.0, pos["y"], 1e-9)

		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()

		err = stage.MoveTo(ctx, domain.Position{"x": -50})
		require.ErrorIs(t, err, context.DeadlineExceeded)

		pos, err = stage.Position(t.Context())
		require.NoError(t, err)
		require.InDelta(t, 30.0, pos["x"], 1e-9)

		moving, err := stage.IsMoving(t.Context())
		require.NoError(t, err)
		require.False(t, moving)
	})
}

// TestStage_RejectsBadTargets validates axes and limits before moving.
func TestStage_RejectsBadTargets(t *testing.T) {
	t.Parallel()

	stage, err := NewStage(StageConfig{Axes: []string{"z"}, Min: 0, Max: 10})
	require.NoError(t, err)

	require.ErrorIs(t, stage.MoveTo(t.Context(), domain.Position{"q": 1}), domain.ErrTypeMismatch)
	require.ErrorIs(t, stage.MoveTo(t.Context(), domain.Position{"z": 11}), domain.ErrOutOfRange)

	r := newRegistry(t, stage)

	travel, err := r.Get("travel_um")
	require.NoError(t, err)
	require.Equal(t, []float64{0, 10}, travel)
}

// TestFilterWheel_Position applies and reads back the slot.
func TestFilterWheel_Position(t *testing.T) {
	t.Parallel()

	wheel, err := NewFilterWheel(6, 0)
	require.NoError(t, err)
	require.Equal(t, 6, wheel.SlotCount())

	r := newRegistry(t, wheel)

	_, err = r.Set(t.Context(), "position", 3)
	require.NoError(t, err)

	_, err = r.Set(t.Context(), "position", 6)
	require.ErrorIs(t, err, domain.ErrOutOfRange)

	require.NoError(t, r.Sync(t.Context()))

	position, err := r.Get("position")
	require.NoError(t, err)
	require.Equal(t, int64(3), position)
}

// TestLaser_Emission reports output power only while emitting.
func TestLaser_Emission(t *testing.T) {
	t.Parallel()

	laser, err := NewLaser(561, 50)
	require.NoError(t, err)
	require.InDelta(t, 561.0, laser.Wavelength(), 0)

	r := newRegistry(t, laser)
	ctx := t.Context()

	_, err = r.Set(ctx, "power_mw", 60)
	require.ErrorIs(t, err, domain.ErrOutOfRange)

	_, err = r.Update(ctx, map[string]any{"power_mw": 20, "emission": true})
	require.NoError(t, err)
	require.NoError(t, r.Sync(ctx))

	reading, err := r.Get("power_reading_mw")
	require.NoError(t, err)
	require.InDelta(t, 20.0, reading, 0)

	require.NoError(t, laser.MakeSafe(ctx))
	require.NoError(t, r.Sync(ctx))

	reading, err = r.Get("power_reading_mw")
	require.NoError(t, err)
	require.InDelta(t, 0.0, reading, 0)
}

// TestMirror_Patterns applies patterns directly and one per trigger.
func TestMirror_Patterns(t *testing.T) {
	t.Parallel()

	mirror, err := NewMirror(3)
	require.NoError(t, err)

	ctx := t.Context()

	require.ErrorIs(t, mirror.ApplyPattern(ctx, []float64{0, 0}), domain.ErrTypeMismatch)
	require.ErrorIs(t, mirror.ApplyPattern(ctx, []float64{0, 2, 0}), domain.ErrOutOfRange)
	require.NoError(t, mirror.ApplyPattern(ctx, []float64{0.1, 0.2, 0.3}))
	require.Equal(t, []float64{0.1, 0.2, 0.3}, mirror.Pattern())

	require.ErrorIs(t, mirror.Arm(ctx), errEmptyQueue)
	require.NoError(t, mirror.QueuePatterns(ctx, [][]float64{{1, 1, 1}, {-1, -1, -1}}))
	require.NoError(t, mirror.Arm(ctx))
	require.NoError(t, mirror.Trigger(ctx))
	require.Equal(t, []float64{1, 1, 1}, mirror.Pattern())
	require.NoError(t, mirror.Trigger(ctx))
	require.ErrorIs(t, mirror.Trigger(ctx), errEmptyQueue)
}

// TestController_UninterruptiblePulse reports a pending abort until the pulse ends.
func TestController_UninterruptiblePulse(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctrl := NewController(time.Second, true)
		require.NoError(t, ctrl.Arm(t.Context()))

		done := make(chan error, 1)

		go func() {
			done <- ctrl.Trigger(t.Context())
		}()

		synctest.Wait()
		require.ErrorIs(t, ctrl.Abort(t.Context()), driver.ErrAbortPending)
		require.NoError(t, <-done)

		busy, err := ctrl.IsBusy(t.Context())
		require.NoError(t, err)
		require.False(t, busy)
		require.ErrorIs(t, ctrl.Trigger(t.Context()), errNotArmed)
	})
}
