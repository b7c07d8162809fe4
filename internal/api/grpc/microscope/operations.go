package microscope

import (
	"context"
	"maps"

	"github.com/fxamacker/cbor/v2"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/hub"
	"github.com/oshokin/microscope/internal/settings"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

// call is one routed device operation.
type call struct {
	// hub resolves cross-device state such as locks and history.
	hub *hub.Hub
	// device is the target device.
	device *hub.Device
	// session is the calling session id.
	session string
	// args is the encoded argument record.
	args cbor.RawMessage
}

// operation handles one named call and returns its result record.
type operation func(ctx context.Context, c *call) (any, error)

// operations routes operation names to handlers.
//
//nolint:gochecknoglobals // Immutable dispatch table.
var operations = map[string]operation{
	wire.OpListSettings:    listSettings,
	wire.OpDescribeSetting: describeSetting,
	wire.OpGetSetting:      getSetting,
	wire.OpGetAllSettings:  getAllSettings,
	wire.OpSetSetting:      setSetting,
	wire.OpUpdateSettings:  updateSettings,
	wire.OpCapabilities:    capabilities,
	wire.OpState:           state,
	wire.OpArm:             arm,
	wire.OpTrigger:         trigger,
	wire.OpAbort:           abort,
	wire.OpIsBusy:          isBusy,
	wire.OpFetchFrame:      fetchFrame,
	wire.OpConfigureROI:    configureROI,
	wire.OpMoveTo:          moveTo,
	wire.OpGetPosition:     getPosition,
	wire.OpIsMoving:        isMoving,
	wire.OpApplyPattern:    applyPattern,
	wire.OpQueuePatterns:   queuePatterns,
	wire.OpActuatorCount:   actuatorCount,
	wire.OpAcquire:         acquire,
	wire.OpRelease:         release,
	wire.OpBufferStats:     bufferStats,
	wire.OpHistory:         eventHistory,
}

// decodeArgs decodes the argument record of a call.
func decodeArgs[T any](c *call) (T, error) {
	var args T

	if err := wire.Decode(c.args, &args); err != nil {
		return args, domain.Errorf(domain.KindTypeMismatch, "malformed arguments: %v", err)
	}

	return args, nil
}

func listSettings(_ context.Context, c *call) (any, error) {
	list := c.device.ListSettings()
	out := make([]wire.SettingInfo, 0, len(list))

	for _, info := range list {
		out = append(out, toSettingInfo(info))
	}

	return wire.SettingsResult{Settings: out}, nil
}

func describeSetting(_ context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.SettingArgs](c)
	if err != nil {
		return nil, err
	}

	info, err := c.device.DescribeSetting(args.Name)
	if err != nil {
		return nil, err
	}

	return toSettingInfo(info), nil
}

func getSetting(_ context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.SettingArgs](c)
	if err != nil {
		return nil, err
	}

	value, err := c.device.GetSetting(args.Name)
	if err != nil {
		return nil, err
	}

	return wire.ValueResult{Value: value}, nil
}

func getAllSettings(_ context.Context, c *call) (any, error) {
	return wire.ValuesResult{Values: c.device.GetAllSettings()}, nil
}

func setSetting(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.SetSettingArgs](c)
	if err != nil {
		return nil, err
	}

	value, err := c.device.SetSetting(ctx, c.session, args.Name, args.Value)
	if err != nil {
		return nil, err
	}

	return wire.ValueResult{Value: value}, nil
}

func updateSettings(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.UpdateSettingsArgs](c)
	if err != nil {
		return nil, err
	}

	results, err := c.device.UpdateSettings(ctx, c.session, args.Values)

	out := wire.UpdateResult{Results: make([]wire.SettingResult, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, wire.SettingResult{Name: r.Name, Value: r.Value, Changed: r.Changed})
	}

	return out, err
}

func capabilities(_ context.Context, c *call) (any, error) {
	info := c.device.Info()

	return wire.CapabilitiesResult{Type: string(info.Type), Capabilities: info.Capabilities.Tags()}, nil
}

func state(_ context.Context, c *call) (any, error) {
	s, err := c.device.State()
	if err != nil {
		return nil, err
	}

	return wire.StateResult{State: s.String()}, nil
}

func arm(ctx context.Context, c *call) (any, error) {
	return nil, c.device.Arm(ctx, c.session)
}

func trigger(ctx context.Context, c *call) (any, error) {
	return nil, c.device.Trigger(ctx, c.session)
}

func abort(ctx context.Context, c *call) (any, error) {
	return nil, c.device.Abort(ctx, c.session)
}

func isBusy(ctx context.Context, c *call) (any, error) {
	busy, err := c.device.IsBusy(ctx)
	if err != nil {
		return nil, err
	}

	return wire.BoolResult{Value: busy}, nil
}

func fetchFrame(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.TimeoutArgs](c)
	if err != nil {
		return nil, err
	}

	frame, dropped, err := c.device.FetchFrame(ctx, c.session, args.Timeout())
	if err != nil {
		return nil, err
	}

	return wire.FrameResult{Frame: wire.FromFrame(frame), Dropped: dropped}, nil
}

func configureROI(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.ROIArgs](c)
	if err != nil {
		return nil, err
	}

	return nil, c.device.ConfigureROI(ctx, c.session, args.ROI)
}

func moveTo(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.PositionArgs](c)
	if err != nil {
		return nil, err
	}

	return nil, c.device.MoveTo(ctx, c.session, domain.Position(args.Position))
}

func getPosition(ctx context.Context, c *call) (any, error) {
	position, err := c.device.GetPosition(ctx)
	if err != nil {
		return nil, err
	}

	return wire.PositionResult{Position: maps.Clone(position)}, nil
}

func isMoving(ctx context.Context, c *call) (any, error) {
	moving, err := c.device.IsMoving(ctx)
	if err != nil {
		return nil, err
	}

	return wire.BoolResult{Value: moving}, nil
}

func applyPattern(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.PatternArgs](c)
	if err != nil {
		return nil, err
	}

	return nil, c.device.ApplyPattern(ctx, c.session, args.Pattern)
}

func queuePatterns(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.PatternsArgs](c)
	if err != nil {
		return nil, err
	}

	return nil, c.device.QueuePatterns(ctx, c.session, args.Patterns)
}

func actuatorCount(_ context.Context, c *call) (any, error) {
	n, err := c.device.ActuatorCount()
	if err != nil {
		return nil, err
	}

	return wire.CountResult{Count: n}, nil
}

func acquire(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.TimeoutArgs](c)
	if err != nil {
		return nil, err
	}

	return nil, c.hub.Acquire(ctx, c.session, c.device.ID(), args.Timeout())
}

func release(_ context.Context, c *call) (any, error) {
	return nil, c.hub.Release(c.session, c.device.ID())
}

func bufferStats(_ context.Context, c *call) (any, error) {
	stats, err := c.device.BufferStats()
	if err != nil {
		return nil, err
	}

	return wire.BufferStatsResult{Stats: stats}, nil
}

func eventHistory(ctx context.Context, c *call) (any, error) {
	args, err := decodeArgs[wire.HistoryArgs](c)
	if err != nil {
		return nil, err
	}

	entries, err := c.hub.History(ctx, c.device.ID(), args.Limit)
	if err != nil {
		return nil, err
	}

	out := wire.HistoryResult{Entries: make([]wire.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, wire.HistoryEntry{
			ID:       e.ID,
			Time:     e.Event.Time,
			Kind:     string(e.Event.Kind),
			Session:  e.Event.Session,
			From:     e.Event.From,
			To:       e.Event.To,
			Setting:  e.Event.Setting,
			Value:    e.Event.Value,
			Sequence: e.Event.Sequence,
			Message:  e.Event.Message,
		})
	}

	return out, nil
}

func toSettingInfo(info settings.Info) wire.SettingInfo {
	return wire.SettingInfo{
		Name:         info.Name,
		Type:         info.Type.String(),
		ReadOnly:     info.ReadOnly,
		RequiresIdle: info.RequiresIdle,
		Unit:         info.Unit,
		Description:  info.Description,
		Min:          info.Min,
		Max:          info.Max,
		Choices:      info.Choices,
		Length:       info.Length,
		MaxLength:    info.MaxLength,
		Value:        info.Value,
	}
}
