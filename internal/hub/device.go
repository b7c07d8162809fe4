package hub

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/oshokin/microscope/internal/buffer"
	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
	"github.com/oshokin/microscope/internal/events"
	"github.com/oshokin/microscope/internal/executor"
	"github.com/oshokin/microscope/internal/logger"
	"github.com/oshokin/microscope/internal/session"
	"github.com/oshokin/microscope/internal/settings"
	"github.com/oshokin/microscope/internal/trigger"
)

const (
	// abortGrace bounds how long abort waits for an interrupted call to
	// return before reporting AbortPending.
	abortGrace = 500 * time.Millisecond
	abortPoll  = 5 * time.Millisecond
	// repeatLimit is how many identical driver errors are logged before
	// they are suppressed.
	repeatLimit = 3
)

// Info summarizes a device for listings.
type Info struct {
	// ID is the device identifier.
	ID string
	// Type is the device type tag.
	Type domain.Type
	// Capabilities is the capability set.
	Capabilities domain.CapabilitySet
	// Ready is false until the driver initialized.
	Ready bool
	// State is the trigger state, Idle for devices without a trigger lifecycle.
	State domain.TriggerState
	// Owner is the session holding the lock, empty when free.
	Owner string
}

// Device is the runtime of one configured instrument.
type Device struct {
	// id is the device identifier.
	id string
	// typ is the device type tag.
	typ domain.Type
	// caps is the capability set computed from the driver.
	caps domain.CapabilitySet
	// drv is the hardware binding.
	drv driver.Driver
	// settings is the settings registry.
	settings *settings.Registry
	// machine is nil for devices without a trigger lifecycle.
	machine *trigger.Machine
	// lock is the control lock.
	lock *session.Lock
	// frames is nil for devices producing no data.
	frames *buffer.Ring
	// queue serializes control operations.
	queue *executor.Queue
	// lockTimeout is how long a control call waits for the lock.
	lockTimeout time.Duration
	// ready is set once the driver initialized.
	ready atomic.Bool
	// publish emits device events.
	publish func(e events.Event)
	// onCommit is called after settings were committed.
	onCommit func(ctx context.Context)
	// errors aggregates repeated driver failures in the log.
	errors *logger.RepeatFilter
	// ctx carries the device logger.
	ctx context.Context
}

// newDevice builds the runtime of a validated definition.
func newDevice(ctx context.Context, cfg DeviceConfig, lockTimeout time.Duration, publish func(events.Event)) (*Device, error) {
	def := cfg.Definition
	ctx = logger.WithKV(logger.WithName(ctx, "device"), "device", def.ID)

	registry := settings.New()
	for _, desc := range def.Settings {
		if err := registry.Declare(desc); err != nil {
			return nil, err
		}
	}

	d := &Device{
		id:          def.ID,
		typ:         def.Type,
		caps:        def.Capabilities,
		drv:         def.Driver,
		settings:    registry,
		lock:        session.NewLock(),
		lockTimeout: lockTimeout,
		publish:     publish,
		onCommit:    func(context.Context) {},
		errors:      logger.NewRepeatFilter(repeatLimit),
		ctx:         ctx,
	}

	d.queue = executor.New(ctx, def.ID, executor.WithErrorHandler(d.jobFailed))

	if target, ok := def.Driver.(driver.TriggerTarget); ok {
		opts := []trigger.Option{trigger.WithObserver(d.stateChanged)}

		if source, ok := def.Driver.(driver.DataSource); ok {
			capacity := cfg.BufferCapacity
			if capacity <= 0 {
				capacity = buffer.DefaultCapacity
			}

			d.frames = buffer.New(capacity, cfg.BufferPolicy)
			opts = append(opts, trigger.WithSource(source, d.store))
		}

		d.machine = trigger.New(target, opts...)
	}

	return d, nil
}

// ID returns the device identifier.
func (d *Device) ID() string {
	return d.id
}

// Info returns the device summary.
func (d *Device) Info() Info {
	info := Info{
		ID:           d.id,
		Type:         d.typ,
		Capabilities: d.caps,
		Ready:        d.ready.Load(),
		Owner:        d.lock.Owner(),
	}

	if d.machine != nil {
		info.State = d.machine.State()
	}

	return info
}

// Capabilities returns the capability set.
func (d *Device) Capabilities() domain.CapabilitySet {
	return d.caps
}

// ListSettings returns every setting in declaration order.
func (d *Device) ListSettings() []settings.Info {
	return d.settings.List()
}

// DescribeSetting returns one setting with its committed value.
func (d *Device) DescribeSetting(name string) (settings.Info, error) {
	return d.settings.Describe(name)
}

// GetSetting returns the committed value of a setting.
func (d *Device) GetSetting(name string) (any, error) {
	return d.settings.Get(name)
}

// GetAllSettings returns every committed value.
func (d *Device) GetAllSettings() map[string]any {
	return d.settings.Values()
}

// SetSetting validates, applies and commits one setting. Settings that
// require an idle acquisition are applied with the device disarmed.
func (d *Device) SetSetting(ctx context.Context, sessionID, name string, value any) (any, error) {
	if _, err := d.settings.Validate(name, value); err != nil {
		return nil, err
	}

	desc, _ := d.settings.Lookup(name)

	committed, err := d.control(ctx, sessionID, "set "+name, func(ctx context.Context) (any, error) {
		var committed any

		err := d.whileIdle(ctx, desc.RequiresIdle, func() error {
			var err error

			committed, err = d.settings.Set(ctx, name, value)

			return err
		})

		return committed, err
	})
	if err != nil {
		return nil, err
	}

	d.settingChanged(sessionID, name, committed)
	d.onCommit(ctx)

	return committed, nil
}

// UpdateSettings applies a batch; see settings.Registry.Update.
func (d *Device) UpdateSettings(ctx context.Context, sessionID string, values map[string]any) ([]settings.Result, error) {
	requiresIdle := false

	for name, value := range values {
		if _, err := d.settings.Validate(name, value); err != nil {
			return nil, err
		}

		if desc, _ := d.settings.Lookup(name); desc.RequiresIdle {
			requiresIdle = true
		}
	}

	var results []settings.Result

	_, err := d.control(ctx, sessionID, "update settings", func(ctx context.Context) (any, error) {
		return nil, d.whileIdle(ctx, requiresIdle, func() error {
			var err error

			results, err = d.settings.Update(ctx, values)

			return err
		})
	})

	changed := false

	for _, r := range results {
		if r.Changed {
			changed = true

			d.settingChanged(sessionID, r.Name, r.Value)
		}
	}

	if changed {
		d.onCommit(ctx)
	}

	return results, err
}

// State returns the trigger state.
func (d *Device) State() (domain.TriggerState, error) {
	if d.machine == nil {
		return domain.StateIdle, d.unsupported("state")
	}

	return d.machine.State(), nil
}

// Arm moves the device to Armed on behalf of the session.
func (d *Device) Arm(ctx context.Context, sessionID string) error {
	if d.machine == nil {
		return d.unsupported("arm")
	}

	_, err := d.control(ctx, sessionID, "arm", func(ctx context.Context) (any, error) {
		return nil, d.machine.Arm(ctx, sessionID)
	})

	return err
}

// Trigger fires the armed device and schedules the readout right behind
// it on the queue. It returns once the device is Acquiring.
func (d *Device) Trigger(ctx context.Context, sessionID string) error {
	if d.machine == nil {
		return d.unsupported("trigger")
	}

	readout := func(ctx context.Context) (any, error) {
		return nil, d.machine.Readout(ctx)
	}

	_, err := d.control(ctx, sessionID, "trigger", func(ctx context.Context) (any, error) {
		if err := d.machine.Trigger(ctx); err != nil {
			return nil, err
		}

		d.queue.After(context.WithoutCancel(ctx), "readout", readout)

		return nil, nil
	})

	return err
}

// Abort interrupts the device. It runs outside the queue: the state
// machine is moved to Aborting, the driver is asked to stop and the
// running queued call is cancelled. If the interrupted call does not
// return within a short grace period the result is AbortPending.
func (d *Device) Abort(ctx context.Context, sessionID string) error {
	if d.machine == nil {
		if d.caps.Has(domain.CapStage) {
			return d.stopStage(ctx, sessionID)
		}

		return d.unsupported("abort")
	}

	if err := d.lock.Begin(ctx, sessionID, d.lockTimeout); err != nil {
		return err
	}
	defer d.lock.End(sessionID)

	return d.abort(ctx)
}

// abort is the lock-free part of Abort, also used at session teardown.
func (d *Device) abort(ctx context.Context) error {
	err := d.machine.Abort(ctx)
	if !errors.Is(err, domain.ErrAbortPending) {
		return d.fail("abort", err)
	}

	d.queue.CancelCurrent()

	return d.awaitSettled(ctx)
}

// awaitSettled polls until the machine leaves Aborting or the grace expires.
func (d *Device) awaitSettled(ctx context.Context) error {
	ticker := time.NewTicker(abortPoll)
	defer ticker.Stop()

	grace := time.NewTimer(abortGrace)
	defer grace.Stop()

	for {
		if _, err := d.machine.IsBusy(ctx); err == nil && d.machine.State() != domain.StateAborting {
			return nil
		}

		select {
		case <-ticker.C:
		case <-grace.C:
			return domain.Errorf(domain.KindAbortPending, "abort requested, waiting for hardware to stop")
		case <-ctx.Done():
			return domain.Errorf(domain.KindAbortPending, "abort requested, waiting for hardware to stop")
		}
	}
}

// stopStage cancels the move in progress.
func (d *Device) stopStage(ctx context.Context, sessionID string) error {
	if err := d.lock.Begin(ctx, sessionID, d.lockTimeout); err != nil {
		return err
	}
	defer d.lock.End(sessionID)

	if !d.queue.CancelCurrent() {
		return domain.Errorf(domain.KindInvalidState, "nothing to abort")
	}

	if safer, ok := d.drv.(driver.Safer); ok {
		return d.fail("abort", safer.MakeSafe(ctx))
	}

	return nil
}

// IsBusy reports whether the device is working. Devices without a trigger
// lifecycle are busy while moving or while a control call runs.
func (d *Device) IsBusy(ctx context.Context) (bool, error) {
	switch {
	case d.machine != nil:
		return d.machine.IsBusy(ctx)
	case d.caps.Has(domain.CapStage):
		return d.IsMoving(ctx)
	default:
		return d.queue.Running() != "", nil
	}
}

// FetchFrame removes the oldest frame, waiting up to timeout. It returns
// the number of frames lost since the previous fetch.
func (d *Device) FetchFrame(ctx context.Context, sessionID string, timeout time.Duration) (*domain.Frame, uint64, error) {
	if d.frames == nil {
		return nil, 0, d.unsupported("fetch_frame")
	}

	if err := d.lock.Begin(ctx, sessionID, d.lockTimeout); err != nil {
		return nil, 0, err
	}
	defer d.lock.End(sessionID)

	return d.frames.FetchTimeout(ctx, timeout)
}

// ConfigureROI sets the camera readout region with the sensor disarmed.
func (d *Device) ConfigureROI(ctx context.Context, sessionID string, roi domain.ROI) error {
	camera, ok := d.drv.(driver.Camera)
	if !ok {
		return d.unsupported("configure_roi")
	}

	if roi.Width <= 0 || roi.Height <= 0 || roi.Left < 0 || roi.Top < 0 {
		return domain.Errorf(domain.KindOutOfRange, "roi %+v must have a non-negative origin and a positive size", roi)
	}

	_, err := d.control(ctx, sessionID, "configure_roi", func(ctx context.Context) (any, error) {
		return nil, d.whileIdle(ctx, true, func() error {
			return camera.ConfigureROI(ctx, roi)
		})
	})

	return err
}

// MoveTo moves a stage and returns once it arrived.
func (d *Device) MoveTo(ctx context.Context, sessionID string, target domain.Position) error {
	stage, ok := d.drv.(driver.Stage)
	if !ok {
		return d.unsupported("move_to")
	}

	if len(target) == 0 {
		return domain.Errorf(domain.KindTypeMismatch, "move_to needs at least one axis")
	}

	for axis, value := range target {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return domain.Errorf(domain.KindOutOfRange, "axis %s: %v is not a finite number", axis, value)
		}
	}

	target = target.Clone()

	_, err := d.control(ctx, sessionID, "move_to", func(ctx context.Context) (any, error) {
		return nil, stage.MoveTo(ctx, target)
	})

	return err
}

// GetPosition returns the stage position.
func (d *Device) GetPosition(ctx context.Context) (domain.Position, error) {
	stage, ok := d.drv.(driver.Stage)
	if !ok {
		return nil, d.unsupported("get_position")
	}

	position, err := stage.Position(ctx)
	if err != nil {
		return nil, d.fail("get_position", err)
	}

	return position, nil
}

// IsMoving reports whether the stage is moving.
func (d *Device) IsMoving(ctx context.Context) (bool, error) {
	stage, ok := d.drv.(driver.Stage)
	if !ok {
		return false, d.unsupported("is_moving")
	}

	moving, err := stage.IsMoving(ctx)
	if err != nil {
		return false, d.fail("is_moving", err)
	}

	return moving, nil
}

// ActuatorCount returns the deformable mirror actuator count.
func (d *Device) ActuatorCount() (int, error) {
	mirror, ok := d.drv.(driver.DeformableMirror)
	if !ok {
		return 0, d.unsupported("actuator_count")
	}

	return mirror.ActuatorCount(), nil
}

// ApplyPattern moves the mirror actuators.
func (d *Device) ApplyPattern(ctx context.Context, sessionID string, pattern []float64) error {
	mirror, ok := d.drv.(driver.DeformableMirror)
	if !ok {
		return d.unsupported("apply_pattern")
	}

	if err := checkPattern(mirror.ActuatorCount(), pattern); err != nil {
		return err
	}

	_, err := d.control(ctx, sessionID, "apply_pattern", func(ctx context.Context) (any, error) {
		return nil, mirror.ApplyPattern(ctx, pattern)
	})

	return err
}

// QueuePatterns stores patterns applied one per trigger.
func (d *Device) QueuePatterns(ctx context.Context, sessionID string, patterns [][]float64) error {
	mirror, ok := d.drv.(driver.DeformableMirror)
	if !ok {
		return d.unsupported("queue_patterns")
	}

	for _, pattern := range patterns {
		if err := checkPattern(mirror.ActuatorCount(), pattern); err != nil {
			return err
		}
	}

	_, err := d.control(ctx, sessionID, "queue_patterns", func(ctx context.Context) (any, error) {
		return nil, d.whileIdle(ctx, true, func() error {
			return mirror.QueuePatterns(ctx, patterns)
		})
	})

	return err
}

// BufferStats returns the frame buffer counters.
func (d *Device) BufferStats() (buffer.Stats, error) {
	if d.frames == nil {
		return buffer.Stats{}, d.unsupported("buffer_stats")
	}

	return d.frames.Stats(), nil
}

// control runs a mutating operation under the session lock on the device queue.
func (d *Device) control(ctx context.Context, sessionID, op string, job executor.Job) (any, error) {
	if !d.ready.Load() {
		return nil, domain.Errorf(domain.KindCommunicationError, "device %s is not initialized", d.id)
	}

	if err := d.lock.Begin(ctx, sessionID, d.lockTimeout); err != nil {
		return nil, err
	}
	defer d.lock.End(sessionID)

	value, err := d.queue.Do(ctx, op, job)
	if err != nil {
		return nil, d.fail(op, err)
	}

	return value, nil
}

// whileIdle runs fn directly, or with the device disarmed when idle is
// required and the device has a trigger lifecycle.
func (d *Device) whileIdle(ctx context.Context, idle bool, fn func() error) error {
	if !idle || d.machine == nil {
		return fn()
	}

	return d.machine.WhileDisarmed(ctx, fn)
}

// fail classifies a driver error, logs and publishes hardware failures.
func (d *Device) fail(op string, err error) error {
	if err == nil {
		return nil
	}

	if domain.KindOf(err) != domain.KindHardwareError {
		return err
	}

	if !errors.Is(err, domain.ErrHardware) {
		err = domain.Wrap(domain.KindHardwareError, op, err)
	}

	d.errors.Errorf(d.ctx, "%s failed: %v", op, err)
	d.publish(events.Event{
		Kind:    events.KindHardwareError,
		Device:  d.id,
		Message: err.Error(),
	})

	return err
}

// jobFailed handles failures of fire-and-forget jobs such as readouts.
func (d *Device) jobFailed(_ context.Context, name string, err error) {
	_ = d.fail(name, err)
}

// store places a produced frame in the buffer. It runs with the machine
// lock held, before the device returns to Idle.
func (d *Device) store(frame *domain.Frame) error {
	sequence, err := d.frames.Put(frame)
	stats := d.frames.Stats()

	if err != nil {
		logger.WarnKV(d.ctx, "Frame rejected", "sequence", sequence, "rejected", stats.Rejected)

		return err
	}

	d.publish(events.Event{
		Kind:     events.KindFrameProduced,
		Device:   d.id,
		Sequence: sequence,
		Dropped:  stats.Dropped,
	})

	return nil
}

// stateChanged is the machine observer.
func (d *Device) stateChanged(from, to domain.TriggerState) {
	logger.DebugKV(d.ctx, "Trigger state changed", "from", from.String(), "to", to.String())

	d.publish(events.Event{
		Kind:   events.KindStateChanged,
		Device: d.id,
		From:   from.String(),
		To:     to.String(),
	})
}

func (d *Device) settingChanged(sessionID, name string, value any) {
	d.publish(events.Event{
		Kind:    events.KindSettingChanged,
		Device:  d.id,
		Session: sessionID,
		Setting: name,
		Value:   value,
	})
}

func (d *Device) unsupported(op string) error {
	return domain.Errorf(domain.KindUnsupportedOperation, "device %s (%s) does not support %s", d.id, d.typ, op)
}

func checkPattern(actuators int, pattern []float64) error {
	if len(pattern) != actuators {
		return domain.Errorf(domain.KindTypeMismatch, "pattern has %d values, mirror has %d actuators", len(pattern), actuators)
	}

	for i, v := range pattern {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Errorf(domain.KindOutOfRange, "actuator %d: %v is not a finite number", i, v)
		}
	}

	return nil
}
