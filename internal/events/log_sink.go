package events

import (
	"context"

	"github.com/oshokin/microscope/internal/logger"
)

// LogSink writes events to the structured log.
type LogSink struct{}

// NewLogSink creates the log sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Name implements Sink.
func (*LogSink) Name() string {
	return "log"
}

// Handle implements Sink.
func (*LogSink) Handle(ctx context.Context, e Event) error {
	switch e.Kind {
	case KindHardwareError:
		logger.WarnKV(ctx, "Hardware error", "device", e.Device, "message", e.Message)
	case KindStateChanged:
		logger.DebugKV(ctx, "Trigger state changed", "device", e.Device, "from", e.From, "to", e.To)
	case KindSettingChanged:
		logger.InfoKV(ctx, "Setting changed", "device", e.Device, "setting", e.Setting, "value", e.Value, "session", e.Session)
	case KindFrameProduced:
		logger.DebugKV(ctx, "Frame produced", "device", e.Device, "sequence", e.Sequence, "dropped", e.Dropped)
	default:
		logger.DebugKV(ctx, "Event", "kind", e.Kind, "device", e.Device, "session", e.Session, "message", e.Message)
	}

	return nil
}

// Close implements Sink.
func (*LogSink) Close(context.Context) error {
	return nil
}
