package buffer

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

func frame(b byte) *domain.Frame {
	return &domain.Frame{Payload: []byte{b}}
}

// TestRing_DropOldestKeepsMostRecent verifies the consumer sees the newest K frames and one gap.
func TestRing_DropOldestKeepsMostRecent(t *testing.T) {
	t.Parallel()

	const (
		capacity = 4
		produced = 10
	)

	r := New(capacity, DropOldest)

	for i := range produced {
		seq, err := r.Put(frame(byte(i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), seq)
	}

	var (
		sequences []uint64
		gaps      []uint64
	)

	for {
		f, gap, ok := r.TryFetch()
		if !ok {
			break
		}

		sequences = append(sequences, f.Sequence)
		gaps = append(gaps, gap)
	}

	require.Equal(t, []uint64{7, 8, 9, 10}, sequences)
	require.Equal(t, []uint64{6, 0, 0, 0}, gaps)

	stats := r.Stats()
	require.Equal(t, uint64(produced), stats.Produced)
	require.Equal(t, uint64(produced-capacity), stats.Dropped)
	require.Zero(t, stats.Length)
	require.Equal(t, capacity, stats.Capacity)
	require.Equal(t, "drop_oldest", stats.Policy)
}

// TestRing_RejectNewest refuses frames when full and still shows the gap.
func TestRing_RejectNewest(t *testing.T) {
	t.Parallel()

	r := New(2, RejectNewest)

	_, err := r.Put(frame(1))
	require.NoError(t, err)
	_, err = r.Put(frame(2))
	require.NoError(t, err)

	seq, err := r.Put(frame(3))
	require.ErrorIs(t, err, ErrFull)
	require.Equal(t, uint64(3), seq)

	for want := uint64(1); want <= 2; want++ {
		f, gap, ok := r.TryFetch()
		require.True(t, ok)
		require.Equal(t, want, f.Sequence)
		require.Zero(t, gap)
	}

	_, err = r.Put(frame(4))
	require.NoError(t, err)

	f, gap, ok := r.TryFetch()
	require.True(t, ok)
	require.Equal(t, uint64(4), f.Sequence)
	require.Equal(t, uint64(1), gap)
	require.Equal(t, uint64(1), r.Stats().Rejected)
}

// TestRing_FetchWaitsForProducer blocks until a frame arrives.
func TestRing_FetchWaitsForProducer(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		r := New(0, DropOldest)

		go func() {
			time.Sleep(time.Second)

			_, _ = r.Put(frame(7))
		}()

		f, gap, err := r.FetchTimeout(t.Context(), 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, uint64(1), f.Sequence)
		require.Zero(t, gap)
		require.False(t, f.Timestamp.IsZero())
	})
}

// TestRing_FetchTimeout yields a Timeout error instead of blocking forever.
func TestRing_FetchTimeout(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		r := New(1, DropOldest)

		start := time.Now()
		_, _, err := r.FetchTimeout(t.Context(), 5*time.Second)
		require.ErrorIs(t, err, domain.ErrTimeout)
		require.Equal(t, 5*time.Second, time.Since(start))

		_, _, err = r.FetchTimeout(t.Context(), 0)
		require.ErrorIs(t, err, domain.ErrTimeout)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, _, err = r.Fetch(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

// TestRing_Reset counts discarded frames as dropped.
func TestRing_Reset(t *testing.T) {
	t.Parallel()

	r := New(3, DropOldest)
	_, _ = r.Put(frame(1))
	_, _ = r.Put(frame(2))

	r.Reset()
	require.Zero(t, r.Len())
	require.Equal(t, uint64(2), r.Stats().Dropped)

	_, _ = r.Put(frame(3))

	f, gap, ok := r.TryFetch()
	require.True(t, ok)
	require.Equal(t, uint64(3), f.Sequence)
	require.Equal(t, uint64(2), gap)
}

// TestParsePolicy accepts configuration names.
func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, DropOldest, p)

	p, err = ParsePolicy("Reject_Newest")
	require.NoError(t, err)
	require.Equal(t, RejectNewest, p)

	_, err = ParsePolicy("block")
	require.ErrorIs(t, err, errUnknownPolicy)
}
