package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

var errMotorStall = errors.New("motor stall")

// TestQueue_RunsInSubmissionOrder serializes jobs in FIFO order.
func TestQueue_RunsInSubmissionOrder(t *testing.T) {
	t.Parallel()

	q := New(t.Context(), "stage1")
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)

	for i := range 5 {
		require.NoError(t, q.Go(t.Context(), "step", func(context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()

			order = append(order, i)

			return nil, nil
		}))
	}

	value, err := q.Do(t.Context(), "final", func(context.Context) (any, error) {
		return "done", nil
	})
	require.NoError(t, err)
	require.Equal(t, "done", value)

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// TestQueue_AfterRunsBeforeWaitingJobs runs a follow-up right behind the job
// that scheduled it, even when other jobs were queued first.
func TestQueue_AfterRunsBeforeWaitingJobs(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		q := New(t.Context(), "cam0")
		defer q.Close()

		var (
			mu      sync.Mutex
			order   []string
			release = make(chan struct{})
		)

		record := func(name string) {
			mu.Lock()
			defer mu.Unlock()

			order = append(order, name)
		}

		require.NoError(t, q.Go(t.Context(), "trigger", func(ctx context.Context) (any, error) {
			<-release
			record("trigger")

			q.After(ctx, "readout", func(context.Context) (any, error) {
				record("readout")

				return nil, nil
			})

			return nil, nil
		}))

		synctest.Wait()
		require.Equal(t, "trigger", q.Running())

		done := make(chan struct{})

		go func() {
			defer close(done)

			_, _ = q.Do(t.Context(), "set_setting", func(context.Context) (any, error) {
				record("set_setting")

				return nil, nil
			})
		}()

		synctest.Wait()
		close(release)
		<-done

		mu.Lock()
		defer mu.Unlock()

		require.Equal(t, []string{"trigger", "readout", "set_setting"}, order)
	})
}

// TestQueue_CancelCurrent reaches a blocked job from outside the queue.
func TestQueue_CancelCurrent(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		q := New(t.Context(), "cam0")
		defer q.Close()

		require.False(t, q.CancelCurrent())

		var err error

		done := make(chan struct{})

		go func() {
			defer close(done)

			_, err = q.Do(t.Context(), "readout", func(ctx context.Context) (any, error) {
				<-ctx.Done()

				return nil, ctx.Err()
			})
		}()

		synctest.Wait()
		require.Equal(t, "readout", q.Running())
		require.True(t, q.CancelCurrent())

		<-done
		require.ErrorIs(t, err, context.Canceled)
		require.Empty(t, q.Running())
	})
}

// TestQueue_CallerCancellation skips waiting jobs but lets a started job finish.
func TestQueue_CallerCancellation(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		q := New(t.Context(), "stage1")
		defer q.Close()

		ctx, cancel := context.WithCancel(t.Context())

		var (
			moveErr error
			moved   bool
			skipped error
		)

		done := make(chan struct{})

		go func() {
			defer close(done)

			_, moveErr = q.Do(ctx, "move_to", func(ctx context.Context) (any, error) {
				time.Sleep(2 * time.Second)

				moved = ctx.Err() == nil

				return nil, nil
			})
		}()

		synctest.Wait()

		skippedDone := make(chan struct{})

		go func() {
			defer close(skippedDone)

			_, skipped = q.Do(ctx, "queued", func(context.Context) (any, error) {
				return nil, errMotorStall
			})
		}()

		synctest.Wait()
		cancel()

		<-done
		<-skippedDone

		require.NoError(t, moveErr)
		require.True(t, moved)
		require.ErrorIs(t, skipped, context.Canceled)
	})
}

// TestQueue_PanicBecomesHardwareError keeps the worker alive.
func TestQueue_PanicBecomesHardwareError(t *testing.T) {
	t.Parallel()

	q := New(t.Context(), "laser")
	defer q.Close()

	_, err := q.Do(t.Context(), "arm", func(context.Context) (any, error) {
		panic("vendor sdk crashed")
	})
	require.ErrorIs(t, err, domain.ErrHardware)

	value, err := q.Do(t.Context(), "ping", func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	require.Equal(t, 1, value)
}

// TestQueue_ErrorHandler receives failures of fire-and-forget jobs.
func TestQueue_ErrorHandler(t *testing.T) {
	t.Parallel()

	type failure struct {
		name string
		err  error
	}

	failures := make(chan failure, 1)
	q := New(t.Context(), "stage1", WithDepth(4), WithErrorHandler(func(_ context.Context, name string, err error) {
		failures <- failure{name: name, err: err}
	}))
	defer q.Close()

	require.NoError(t, q.Go(t.Context(), "home", func(context.Context) (any, error) {
		return nil, errMotorStall
	}))

	got := <-failures
	require.Equal(t, "home", got.name)
	require.ErrorIs(t, got.err, errMotorStall)
}

// TestQueue_Close rejects new work.
func TestQueue_Close(t *testing.T) {
	t.Parallel()

	q := New(t.Context(), "fw0")
	q.Close()
	q.Close()

	_, err := q.Do(t.Context(), "set", func(context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, domain.ErrCommunication)
	require.ErrorIs(t, q.Go(t.Context(), "set", nil), domain.ErrCommunication)
	require.Zero(t, q.Pending())
}
