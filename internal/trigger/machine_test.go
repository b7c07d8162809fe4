package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
)

var errLaserInterlock = errors.New("laser interlock open")

type fakeTarget struct {
	arms     atomic.Int32
	triggers atomic.Int32
	aborts   atomic.Int32
	busy     atomic.Bool

	triggerErr error
	abortErr   error
	// release, when set, blocks Trigger until closed or canceled.
	release chan struct{}
	// busyGate, when set, blocks IsBusy until closed or canceled.
	busyGate chan struct{}
}

func (f *fakeTarget) Arm(context.Context) error {
	f.arms.Add(1)

	return nil
}

func (f *fakeTarget) Trigger(ctx context.Context) error {
	f.triggers.Add(1)

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return f.triggerErr
}

func (f *fakeTarget) Abort(context.Context) error {
	f.aborts.Add(1)

	return f.abortErr
}

func (f *fakeTarget) IsBusy(ctx context.Context) (bool, error) {
	if f.busyGate != nil {
		select {
		case <-f.busyGate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return f.busy.Load(), nil
}

type fakeSource struct {
	seq atomic.Uint64
	err error
}

func (f *fakeSource) Readout(context.Context) (*domain.Frame, error) {
	if f.err != nil {
		return nil, f.err
	}

	return &domain.Frame{Sequence: f.seq.Add(1), Payload: []byte{0xAB}}, nil
}

type frameCollector struct {
	mu     sync.Mutex
	frames []*domain.Frame
}

func (c *frameCollector) put(f *domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames = append(c.frames, f)

	return nil
}

func (c *frameCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.frames)
}

// TestMachine_AcquisitionCycle walks Idle, Armed, Triggered, Acquiring and back to Idle.
func TestMachine_AcquisitionCycle(t *testing.T) {
	t.Parallel()

	var (
		target    = &fakeTarget{}
		collector = &frameCollector{}
		seen      []domain.TriggerState
	)

	m := New(target,
		WithSource(&fakeSource{}, collector.put),
		WithObserver(func(_, to domain.TriggerState) { seen = append(seen, to) }))

	require.Equal(t, domain.StateIdle, m.State())
	require.True(t, m.HasData())

	require.NoError(t, m.Arm(t.Context(), "s1"))
	require.NoError(t, m.Arm(t.Context(), "s1"))
	require.Equal(t, domain.StateArmed, m.State())
	require.Equal(t, "s1", m.ArmedBy())
	require.Equal(t, int32(1), target.arms.Load())

	busy, err := m.IsBusy(t.Context())
	require.NoError(t, err)
	require.False(t, busy)

	require.NoError(t, m.Trigger(t.Context()))
	require.Equal(t, domain.StateAcquiring, m.State())

	busy, err = m.IsBusy(t.Context())
	require.NoError(t, err)
	require.True(t, busy)

	require.NoError(t, m.Readout(t.Context()))
	require.Equal(t, domain.StateIdle, m.State())
	require.Equal(t, 1, collector.len())
	require.Empty(t, m.ArmedBy())

	require.Equal(t, []domain.TriggerState{
		domain.StateArmed, domain.StateTriggered, domain.StateAcquiring, domain.StateIdle,
	}, seen)
}

// TestMachine_TriggerRequiresArmed never reaches hardware outside Armed.
func TestMachine_TriggerRequiresArmed(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{}
	m := New(target, WithSource(&fakeSource{}, (&frameCollector{}).put))

	require.ErrorIs(t, m.Trigger(t.Context()), domain.ErrInvalidState)
	require.Zero(t, target.triggers.Load())

	require.NoError(t, m.Arm(t.Context(), "s1"))
	require.NoError(t, m.Trigger(t.Context()))
	require.Equal(t, domain.StateAcquiring, m.State())

	require.ErrorIs(t, m.Trigger(t.Context()), domain.ErrInvalidState)
	require.ErrorIs(t, m.Arm(t.Context(), "s1"), domain.ErrInvalidState)
	require.Equal(t, int32(1), target.triggers.Load())
}

// TestMachine_TriggerFailureKeepsArmed returns to the last confirmed state.
func TestMachine_TriggerFailureKeepsArmed(t *testing.T) {
	t.Parallel()

	m := New(&fakeTarget{triggerErr: errLaserInterlock})

	require.NoError(t, m.Arm(t.Context(), "s1"))

	err := m.Trigger(t.Context())
	require.ErrorIs(t, err, domain.ErrHardware)
	require.ErrorIs(t, err, errLaserInterlock)
	require.Equal(t, domain.StateArmed, m.State())
}

// TestMachine_NoDataDevice completes without a data source.
func TestMachine_NoDataDevice(t *testing.T) {
	t.Parallel()

	m := New(&fakeTarget{})
	require.False(t, m.HasData())

	require.NoError(t, m.Arm(t.Context(), ""))
	require.NoError(t, m.Trigger(t.Context()))
	require.NoError(t, m.Readout(t.Context()))
	require.Equal(t, domain.StateIdle, m.State())
}

// TestMachine_Abort covers the simple abort paths.
func TestMachine_Abort(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{}
	m := New(target)

	require.ErrorIs(t, m.Abort(t.Context()), domain.ErrInvalidState)
	require.Zero(t, target.aborts.Load())

	require.NoError(t, m.Arm(t.Context(), "s1"))
	require.NoError(t, m.Abort(t.Context()))
	require.Equal(t, domain.StateIdle, m.State())
	require.Empty(t, m.ArmedBy())
}

// TestMachine_AbortFailureKeepsState leaves the last confirmed state on driver failure.
func TestMachine_AbortFailureKeepsState(t *testing.T) {
	t.Parallel()

	m := New(&fakeTarget{abortErr: errLaserInterlock})

	require.NoError(t, m.Arm(t.Context(), "s1"))
	require.ErrorIs(t, m.Abort(t.Context()), domain.ErrHardware)
	require.Equal(t, domain.StateArmed, m.State())
}

// TestMachine_ReadoutFailureRecoversByAbort stays Acquiring until aborted.
func TestMachine_ReadoutFailureRecoversByAbort(t *testing.T) {
	t.Parallel()

	m := New(&fakeTarget{}, WithSource(&fakeSource{err: errLaserInterlock}, (&frameCollector{}).put))

	require.NoError(t, m.Arm(t.Context(), "s1"))
	require.NoError(t, m.Trigger(t.Context()))
	require.ErrorIs(t, m.Readout(t.Context()), domain.ErrHardware)
	require.Equal(t, domain.StateAcquiring, m.State())

	require.NoError(t, m.Abort(t.Context()))
	require.Equal(t, domain.StateIdle, m.State())
}

// TestMachine_AbortDuringBlockingTrigger reports AbortPending until the blocked call returns.
func TestMachine_AbortDuringBlockingTrigger(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		target := &fakeTarget{release: make(chan struct{})}
		m := New(target)

		require.NoError(t, m.Arm(t.Context(), "s1"))

		var triggerErr error

		done := make(chan struct{})

		go func() {
			defer close(done)

			triggerErr = m.Trigger(context.Background())
		}()

		synctest.Wait()
		require.Equal(t, domain.StateTriggered, m.State())

		require.ErrorIs(t, m.Abort(t.Context()), domain.ErrAbortPending)
		require.Equal(t, domain.StateAborting, m.State())

		close(target.release)
		<-done

		require.ErrorIs(t, triggerErr, domain.ErrInvalidState)
		require.Equal(t, domain.StateIdle, m.State())
	})
}

// TestMachine_AbortPendingDriver waits for the driver to stop reporting busy.
func TestMachine_AbortPendingDriver(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{abortErr: driver.ErrAbortPending}
	target.busy.Store(true)

	m := New(target)

	require.NoError(t, m.Arm(t.Context(), "s1"))
	require.ErrorIs(t, m.Abort(t.Context()), domain.ErrAbortPending)

	busy, err := m.IsBusy(t.Context())
	require.NoError(t, err)
	require.True(t, busy)
	require.Equal(t, domain.StateAborting, m.State())

	target.busy.Store(false)

	busy, err = m.IsBusy(t.Context())
	require.NoError(t, err)
	require.False(t, busy)
	require.Equal(t, domain.StateIdle, m.State())
}

// TestMachine_SlowBusyQueryDoesNotBlockState keeps state readable while the
// driver is asked whether a pending abort finished.
func TestMachine_SlowBusyQueryDoesNotBlockState(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		target := &fakeTarget{abortErr: driver.ErrAbortPending}
		target.busy.Store(true)

		m := New(target)

		require.NoError(t, m.Arm(t.Context(), "s1"))
		require.ErrorIs(t, m.Abort(t.Context()), domain.ErrAbortPending)

		target.busyGate = make(chan struct{})

		var busy bool

		done := make(chan struct{})

		go func() {
			defer close(done)

			busy, _ = m.IsBusy(context.Background())
		}()

		synctest.Wait()
		require.Equal(t, domain.StateAborting, m.State())
		require.Empty(t, m.ArmedBy())

		target.busy.Store(false)
		close(target.busyGate)
		<-done

		require.False(t, busy)
		require.Equal(t, domain.StateIdle, m.State())
	})
}

// TestMachine_WhileDisarmed re-arms around a setting change and rejects busy states.
func TestMachine_WhileDisarmed(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{}
	m := New(target, WithSource(&fakeSource{}, (&frameCollector{}).put))

	calls := 0
	apply := func() error {
		calls++

		return nil
	}

	require.NoError(t, m.WhileDisarmed(t.Context(), apply))
	require.Zero(t, target.aborts.Load())

	require.NoError(t, m.Arm(t.Context(), "s1"))
	require.NoError(t, m.WhileDisarmed(t.Context(), apply))
	require.Equal(t, domain.StateArmed, m.State())
	require.Equal(t, int32(1), target.aborts.Load())
	require.Equal(t, int32(2), target.arms.Load())

	require.NoError(t, m.Trigger(t.Context()))
	require.ErrorIs(t, m.WhileDisarmed(t.Context(), apply), domain.ErrInvalidState)
	require.Equal(t, 2, calls)
}
