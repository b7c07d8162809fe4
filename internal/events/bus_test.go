package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBrokerDown = errors.New("broker down")

type recordingSink struct {
	name    string
	mu      sync.Mutex
	events  []Event
	closed  bool
	gate    chan struct{}
	failErr error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(_ context.Context, e Event) error {
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)

	return s.failErr
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

func (s *recordingSink) snapshot() ([]Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Event(nil), s.events...), s.closed
}

// TestBus_DeliversInOrder fans out to every sink and drains on close.
func TestBus_DeliversInOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(t.Context(), 0)
	first := &recordingSink{name: "first"}
	second := &recordingSink{name: "second", failErr: errBrokerDown}

	bus.Attach(first)
	bus.Attach(second)

	for seq := uint64(1); seq <= 3; seq++ {
		bus.Publish(Event{Kind: KindFrameProduced, Device: "cam0", Sequence: seq})
	}

	require.NoError(t, bus.Close(t.Context()))

	for _, sink := range []*recordingSink{first, second} {
		got, closed := sink.snapshot()
		require.True(t, closed)
		require.Len(t, got, 3)
		require.Equal(t, uint64(3), got[2].Sequence)
		require.False(t, got[0].Time.IsZero())
	}

	bus.Publish(Event{Kind: KindFrameProduced})
	require.NoError(t, bus.Close(t.Context()))
}

// TestBus_SlowSinkDropsInsteadOfBlocking counts events that did not fit.
func TestBus_SlowSinkDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	bus := NewBus(t.Context(), 2)
	slow := &recordingSink{name: "slow", gate: make(chan struct{})}
	bus.Attach(slow)

	for range 10 {
		bus.Publish(Event{Kind: KindStateChanged, Device: "cam0"})
	}

	dropped := bus.Dropped()["slow"]
	require.GreaterOrEqual(t, dropped, uint64(7))

	close(slow.gate)
	require.NoError(t, bus.Close(t.Context()))

	got, _ := slow.snapshot()
	require.Equal(t, uint64(10), uint64(len(got))+dropped)
}

// TestEvent_Numeric converts setting values for telemetry.
func TestEvent_Numeric(t *testing.T) {
	t.Parallel()

	for value, want := range map[any]float64{int64(3): 3, 2.5: 2.5, true: 1, false: 0} {
		got, ok := Event{Value: value}.Numeric()
		require.True(t, ok)
		require.InDelta(t, want, got, 0)
	}

	_, ok := Event{Value: "2x2"}.Numeric()
	require.False(t, ok)
}
