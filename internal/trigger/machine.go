package trigger

import (
	"context"
	"errors"
	"sync"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
)

// Sink receives a produced frame. It must not block on consumers.
type Sink func(frame *domain.Frame) error

// Observer is notified about every committed transition. It is called with
// the machine lock held and must not block or call back into the machine.
type Observer func(from, to domain.TriggerState)

// Machine is the trigger state machine of one device.
type Machine struct {
	// target is the driver side of the lifecycle.
	target driver.TriggerTarget
	// source produces data after a trigger, nil for no-data devices.
	source driver.DataSource
	// sink stores produced frames.
	sink Sink
	// observer is notified about transitions.
	observer Observer
	// state is the committed trigger state.
	state domain.TriggerState
	// armedBy is the session that armed the device.
	armedBy string
	// active counts hardware calls made from the execution queue.
	active int
	// pending is set when the driver could not interrupt an action on abort.
	pending bool
	// mu protects every field above except the immutable bindings.
	mu sync.Mutex
}

// Option configures a Machine.
type Option func(m *Machine)

// WithSource attaches a data source and the sink its frames go to.
func WithSource(source driver.DataSource, sink Sink) Option {
	return func(m *Machine) {
		m.source = source
		m.sink = sink
	}
}

// WithObserver attaches a transition observer.
func WithObserver(observer Observer) Option {
	return func(m *Machine) {
		m.observer = observer
	}
}

// New creates a machine in Idle state.
func New(target driver.TriggerTarget, opts ...Option) *Machine {
	m := &Machine{
		target: target,
		state:  domain.StateIdle,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// State returns the committed trigger state.
func (m *Machine) State() domain.TriggerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// ArmedBy returns the session that armed the device, if it is still Armed.
func (m *Machine) ArmedBy() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.StateArmed {
		return ""
	}

	return m.armedBy
}

// HasData reports whether triggers produce frames.
func (m *Machine) HasData() bool {
	return m.source != nil
}

// Arm moves Idle to Armed. Arming an Armed device is a no-op.
func (m *Machine) Arm(ctx context.Context, owner string) error {
	m.mu.Lock()

	switch m.state {
	case domain.StateArmed:
		m.armedBy = owner
		m.mu.Unlock()

		return nil
	case domain.StateIdle:
	default:
		state := m.state
		m.mu.Unlock()

		return domain.Errorf(domain.KindInvalidState, "cannot arm in state %s", state)
	}

	m.active++
	m.mu.Unlock()

	err := m.target.Arm(ctx)

	m.mu.Lock()
	m.active--

	if m.state == domain.StateAborting {
		m.mu.Unlock()
		m.settle(ctx)

		return domain.Errorf(domain.KindInvalidState, "arm interrupted by abort")
	}

	defer m.mu.Unlock()

	if err != nil {
		return domain.Wrap(domain.KindHardwareError, "arm", err)
	}

	m.armedBy = owner
	m.setLocked(domain.StateArmed)

	return nil
}

// Trigger moves Armed to Triggered, performs the hardware trigger and then
// enters Acquiring. The caller schedules Readout afterwards. On failure the
// state returns to Armed.
func (m *Machine) Trigger(ctx context.Context) error {
	m.mu.Lock()

	if m.state != domain.StateArmed {
		state := m.state
		m.mu.Unlock()

		return domain.Errorf(domain.KindInvalidState, "trigger requires Armed, device is %s", state)
	}

	m.active++
	m.setLocked(domain.StateTriggered)
	m.mu.Unlock()

	err := m.target.Trigger(ctx)

	m.mu.Lock()
	m.active--

	if m.state == domain.StateAborting {
		m.mu.Unlock()
		m.settle(ctx)

		return domain.Errorf(domain.KindInvalidState, "trigger interrupted by abort")
	}

	defer m.mu.Unlock()

	if err != nil {
		m.setLocked(domain.StateArmed)

		return domain.Wrap(domain.KindHardwareError, "trigger", err)
	}

	m.setLocked(domain.StateAcquiring)

	return nil
}

// Readout collects the data of the last trigger, hands it to the sink and
// returns to Idle in one step, so a reader never sees Idle before the frame
// is retrievable. A readout failure keeps the device in Acquiring.
func (m *Machine) Readout(ctx context.Context) error {
	m.mu.Lock()

	if m.state != domain.StateAcquiring {
		m.mu.Unlock()

		return nil
	}

	if m.source == nil {
		m.setLocked(domain.StateIdle)
		m.mu.Unlock()

		return nil
	}

	m.active++
	m.mu.Unlock()

	frame, err := m.source.Readout(ctx)

	m.mu.Lock()
	m.active--

	if m.state == domain.StateAborting {
		m.mu.Unlock()
		m.settle(ctx)

		return nil
	}

	defer m.mu.Unlock()

	if err != nil {
		return domain.Wrap(domain.KindHardwareError, "readout", err)
	}

	var sinkErr error
	if frame != nil && m.sink != nil {
		sinkErr = m.sink(frame)
	}

	m.setLocked(domain.StateIdle)

	return sinkErr
}

// Abort stops any pending acquisition. It returns AbortPending when the
// hardware cannot confirm the stop yet; the state then stays Aborting until
// the interrupted call returns or the driver stops reporting busy.
func (m *Machine) Abort(ctx context.Context) error {
	m.mu.Lock()

	if m.state == domain.StateIdle {
		m.mu.Unlock()

		return domain.Errorf(domain.KindInvalidState, "nothing to abort")
	}

	previous := m.state
	m.setLocked(domain.StateAborting)
	m.mu.Unlock()

	err := m.target.Abort(ctx)

	m.mu.Lock()

	if m.state != domain.StateAborting {
		m.mu.Unlock()

		return nil
	}

	switch {
	case errors.Is(err, driver.ErrAbortPending):
		m.pending = true
	case err != nil:
		if previous != domain.StateAborting {
			m.setLocked(previous)
		}

		m.mu.Unlock()

		return domain.Wrap(domain.KindHardwareError, "abort", err)
	}

	m.mu.Unlock()
	m.settle(ctx)

	if m.State() == domain.StateAborting {
		return domain.Errorf(domain.KindAbortPending, "abort requested, waiting for hardware to stop")
	}

	return nil
}

// IsBusy reports whether the device is working. Armed counts as ready.
// While Aborting, a driver that stopped reporting busy completes the abort.
func (m *Machine) IsBusy(ctx context.Context) (bool, error) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case domain.StateTriggered, domain.StateAcquiring:
		return true, nil
	case domain.StateAborting:
		m.settle(ctx)

		return m.State() != domain.StateIdle, nil
	default:
		busy, err := m.target.IsBusy(ctx)
		if err != nil {
			return false, domain.Wrap(domain.KindHardwareError, "is_busy", err)
		}

		return busy, nil
	}
}

// WhileDisarmed runs fn with the hardware disarmed. From Idle fn simply
// runs. From Armed the driver is disarmed, fn runs and the device is armed
// again, so the committed state stays Armed. Any other state is rejected.
func (m *Machine) WhileDisarmed(ctx context.Context, fn func() error) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case domain.StateIdle:
		return fn()
	case domain.StateArmed:
	default:
		return domain.Errorf(domain.KindInvalidState, "cannot change this setting in state %s", state)
	}

	if err := m.target.Abort(ctx); err != nil && !errors.Is(err, driver.ErrAbortPending) {
		return domain.Wrap(domain.KindHardwareError, "disarm", err)
	}

	fnErr := fn()

	if m.State() != domain.StateArmed {
		return fnErr
	}

	if err := m.target.Arm(ctx); err != nil {
		m.mu.Lock()
		m.setLocked(domain.StateIdle)
		m.mu.Unlock()

		return errors.Join(fnErr, domain.Wrap(domain.KindHardwareError, "re-arm", err))
	}

	return fnErr
}

// settle finishes an abort once no queued hardware call is running and the
// driver no longer reports busy. The driver is asked without m.mu held.
func (m *Machine) settle(ctx context.Context) {
	m.mu.Lock()

	if m.state != domain.StateAborting || m.active > 0 {
		m.mu.Unlock()

		return
	}

	pending := m.pending
	m.mu.Unlock()

	if pending {
		busy, err := m.target.IsBusy(ctx)
		if err != nil || busy {
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another call may have started or a new pending abort may have landed
	// while the driver was being asked.
	if m.state != domain.StateAborting || m.active > 0 || (m.pending && !pending) {
		return
	}

	m.pending = false
	m.armedBy = ""
	m.setLocked(domain.StateIdle)
}

func (m *Machine) setLocked(next domain.TriggerState) {
	if m.state == next {
		return
	}

	previous := m.state
	m.state = next

	if next == domain.StateIdle {
		m.armedBy = ""
	}

	if m.observer != nil {
		m.observer(previous, next)
	}
}
