package session

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

// TestLock_Exclusive grants exactly one of two concurrent acquirers.
func TestLock_Exclusive(t *testing.T) {
	t.Parallel()

	l := NewLock()

	var (
		errs = make([]error, 2)
		wg   sync.WaitGroup
	)

	for i, id := range []string{"a", "b"} {
		wg.Go(func() {
			errs[i] = l.Acquire(t.Context(), id, 0)
		})
	}

	wg.Wait()

	granted := 0

	for _, err := range errs {
		if err == nil {
			granted++

			continue
		}

		require.ErrorIs(t, err, domain.ErrBusy)
	}

	require.Equal(t, 1, granted)
}

// TestLock_Reentrant lets the owner issue consecutive operations.
func TestLock_Reentrant(t *testing.T) {
	t.Parallel()

	l := NewLock()

	require.NoError(t, l.Acquire(t.Context(), "a", 0))
	require.NoError(t, l.Acquire(t.Context(), "a", 0))
	require.NoError(t, l.Begin(t.Context(), "a", 0))
	l.End("a")
	require.Equal(t, "a", l.Owner())
	require.True(t, l.HeldExplicitly("a"))

	require.ErrorIs(t, l.Release("b"), domain.ErrInvalidState)
	require.NoError(t, l.Release("a"))
	require.Empty(t, l.Owner())

	require.ErrorIs(t, l.Release("a"), domain.ErrInvalidState)
}

// TestLock_OperationHoldIsTemporary frees the lock when the call ends.
func TestLock_OperationHoldIsTemporary(t *testing.T) {
	t.Parallel()

	l := NewLock()

	require.NoError(t, l.Begin(t.Context(), "a", 0))
	require.ErrorIs(t, l.Begin(t.Context(), "b", 0), domain.ErrBusy)

	l.End("a")
	require.NoError(t, l.Begin(t.Context(), "b", 0))
	require.Equal(t, "b", l.Owner())
}

// TestLock_WaitTimeout reports Timeout once the wait expires.
func TestLock_WaitTimeout(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := NewLock()
		require.NoError(t, l.Acquire(t.Context(), "a", 0))

		start := time.Now()
		err := l.Acquire(t.Context(), "b", 2*time.Second)
		require.ErrorIs(t, err, domain.ErrTimeout)
		require.Equal(t, 2*time.Second, time.Since(start))
	})
}

// TestLock_WaitGranted hands the lock over when the owner releases.
func TestLock_WaitGranted(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := NewLock()
		require.NoError(t, l.Acquire(t.Context(), "a", 0))

		go func() {
			time.Sleep(time.Second)

			_ = l.Release("a")
		}()

		require.NoError(t, l.Acquire(t.Context(), "b", 5*time.Second))
		require.Equal(t, "b", l.Owner())
	})
}

// TestLock_CanceledWaiterDoesNotClaim leaves a released lock free when the
// waiter's context ended at the same moment.
func TestLock_CanceledWaiterDoesNotClaim(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := NewLock()
		require.NoError(t, l.Acquire(t.Context(), "a", 0))

		ctx, cancel := context.WithCancel(t.Context())
		acquired := make(chan error, 1)

		go func() {
			acquired <- l.Acquire(ctx, "b", time.Minute)
		}()

		synctest.Wait()
		cancel()
		require.NoError(t, l.Release("a"))

		require.ErrorIs(t, <-acquired, domain.ErrTimeout)
		require.Empty(t, l.Owner())
	})
}

// TestLock_DropWaitsForRunningOperation keeps the device until the in-flight call ends.
func TestLock_DropWaitsForRunningOperation(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		l := NewLock()

		require.NoError(t, l.Acquire(t.Context(), "old", 0))
		require.NoError(t, l.Begin(t.Context(), "old", 0))

		require.True(t, l.Drop("old"))
		require.False(t, l.Drop("other"))
		require.Equal(t, "old", l.Owner())
		require.ErrorIs(t, l.Acquire(t.Context(), "new", 0), domain.ErrBusy)

		go func() {
			time.Sleep(3 * time.Second)
			l.End("old")
		}()

		start := time.Now()
		require.NoError(t, l.Acquire(t.Context(), "new", 10*time.Second))
		require.Equal(t, 3*time.Second, time.Since(start))
		require.Equal(t, "new", l.Owner())
	})
}
