package influxdb

import (
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/microscope/internal/events"
)

type memoryWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed bool
}

func (w *memoryWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.points = append(w.points, p)
}

func (w *memoryWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.flushed = true
}

func fieldValue(t *testing.T, p *write.Point, key string) any {
	t.Helper()

	for _, f := range p.FieldList() {
		if f.Key == key {
			return f.Value
		}
	}

	t.Fatalf("field %s not found", key)

	return nil
}

func tagValue(p *write.Point, key string) string {
	for _, tag := range p.TagList() {
		if tag.Key == key {
			return tag.Value
		}
	}

	return ""
}

// TestSink_WritesTelemetry converts events into points and skips the rest.
func TestSink_WritesTelemetry(t *testing.T) {
	t.Parallel()

	w := &memoryWriter{}
	s := &Sink{writer: w, server: "rig"}
	now := time.Now()

	for _, e := range []events.Event{
		{Time: now, Kind: events.KindSettingChanged, Device: "cam0", Setting: "exposure_ms", Value: 25.0},
		{Time: now, Kind: events.KindSettingChanged, Device: "cam0", Setting: "binning", Value: "2x2"},
		{Time: now, Kind: events.KindFrameProduced, Device: "cam0", Sequence: 9, Dropped: 2},
		{Time: now, Kind: events.KindStateChanged, Device: "cam0", From: "Armed", To: "Triggered"},
		{Time: now, Kind: events.KindSessionOpened, Session: "s1"},
	} {
		require.NoError(t, s.Handle(t.Context(), e))
	}

	require.NoError(t, s.Close(t.Context()))
	require.True(t, w.flushed)
	require.Len(t, w.points, 3)

	setting := w.points[0]
	require.Equal(t, "setting", setting.Name())
	require.Equal(t, "exposure_ms", tagValue(setting, "setting"))
	require.Equal(t, "rig", tagValue(setting, "server"))
	require.InDelta(t, 25.0, fieldValue(t, setting, "value"), 0)

	frames := w.points[1]
	require.Equal(t, "frames", frames.Name())
	require.Equal(t, "cam0", tagValue(frames, "device"))

	require.Equal(t, "trigger_state", w.points[2].Name())
	require.Equal(t, "Triggered", fieldValue(t, w.points[2], "to"))
}
