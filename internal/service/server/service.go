package server

import (
	"context"
	"fmt"
	"time"

	"github.com/oshokin/microscope/internal/buffer"
	"github.com/oshokin/microscope/internal/config"
	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
	"github.com/oshokin/microscope/internal/driver/gpio"
	"github.com/oshokin/microscope/internal/driver/serialport"
	"github.com/oshokin/microscope/internal/driver/simulated"
	"github.com/oshokin/microscope/internal/events"
	"github.com/oshokin/microscope/internal/hub"
	"github.com/oshokin/microscope/internal/infrastructure/influxdb"
	"github.com/oshokin/microscope/internal/infrastructure/mqtt"
	"github.com/oshokin/microscope/internal/logger"
	"github.com/oshokin/microscope/internal/repository/history"
	"github.com/oshokin/microscope/internal/repository/state"
)

// pruneInterval is how often the event journal drops expired rows.
const pruneInterval = time.Hour

// newCatalog registers every driver binding shipped with the server.
func newCatalog() (*driver.Catalog, error) {
	catalog := driver.NewCatalog()

	for _, register := range []func(*driver.Catalog) error{
		simulated.Register,
		serialport.Register,
		gpio.Register,
	} {
		if err := register(catalog); err != nil {
			return nil, err
		}
	}

	return catalog, nil
}

// buildDevices constructs the drivers of the inventory.
func buildDevices(inventory []config.Device) ([]hub.DeviceConfig, error) {
	catalog, err := newCatalog()
	if err != nil {
		return nil, fmt.Errorf("register drivers: %w", err)
	}

	specs := make([]driver.Spec, 0, len(inventory))
	for _, d := range inventory {
		typ, _ := domain.ParseType(d.Type)
		specs = append(specs, driver.Spec{
			ID:      d.ID,
			Driver:  d.Driver,
			Type:    typ,
			Options: driver.Options(d.Options),
		})
	}

	defs, err := catalog.BuildAll(specs)
	if err != nil {
		return nil, err
	}

	out := make([]hub.DeviceConfig, 0, len(defs))

	for i, def := range defs {
		policy, err := buffer.ParsePolicy(inventory[i].Buffer.Policy)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", def.ID, err)
		}

		out = append(out, hub.DeviceConfig{
			Definition:     def,
			BufferCapacity: inventory[i].Buffer.Capacity,
			BufferPolicy:   policy,
		})
	}

	return out, nil
}

// sinks holds the event bus with its optional consumers.
type sinks struct {
	// bus fans events out to every sink.
	bus *events.Bus
	// journal is the SQLite event journal, nil when disabled.
	journal *history.Journal
	// snapshots persists settings, nil when no state file is configured.
	snapshots state.Repository
	// cancel stops the journal pruner.
	cancel context.CancelFunc
}

// openSinks creates the event bus and attaches the configured sinks. An
// unreachable broker or telemetry server only disables that sink; the
// journal is local and must open.
func openSinks(ctx context.Context, settings *config.Config) (*sinks, error) {
	s := &sinks{
		bus:    events.NewBus(context.WithoutCancel(ctx), 0),
		cancel: func() {},
	}

	s.bus.Attach(events.NewLogSink())

	if settings.StateFile != "" {
		s.snapshots = state.NewFileRepository(settings.StateFile)
	}

	if m := settings.MQTT; m.Enabled {
		publisher, err := mqtt.Connect(ctx, mqtt.Config{
			Broker:      m.Broker,
			ClientID:    m.ClientID,
			Username:    m.Username,
			Password:    m.Password,
			TopicPrefix: m.TopicPrefix,
			QoS:         byte(m.QoS), //nolint:gosec // Validated to 0..2.
			Server:      settings.ServerName,
		})
		if err != nil {
			logger.Warnf(ctx, "MQTT sink disabled: %v", err)
		} else {
			s.bus.Attach(publisher)
		}
	}

	if i := settings.InfluxDB; i.Enabled {
		sink, err := influxdb.Connect(ctx, influxdb.Config{
			URL:           i.URL,
			Token:         i.Token,
			Org:           i.Org,
			Bucket:        i.Bucket,
			BatchSize:     i.BatchSize,
			FlushInterval: i.FlushInterval,
			Server:        settings.ServerName,
		})
		if err != nil {
			logger.Warnf(ctx, "InfluxDB sink disabled: %v", err)
		} else {
			s.bus.Attach(sink)
		}
	}

	if h := settings.History; h.Enabled {
		journal, err := history.Open(ctx, h.Path)
		if err != nil {
			_ = s.bus.Close(ctx)

			return nil, fmt.Errorf("open history journal: %w", err)
		}

		s.journal = journal
		s.bus.Attach(journal)

		if h.Retention > 0 {
			var pruneCtx context.Context

			pruneCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

			go journal.RunPruner(pruneCtx, h.Retention, pruneInterval)
		}
	}

	return s, nil
}

// history returns the journal as a history reader, nil when disabled.
func (s *sinks) history() hub.HistoryReader {
	if s.journal == nil {
		return nil
	}

	return s.journal
}

// close flushes and releases every sink.
func (s *sinks) close(ctx context.Context) {
	s.cancel()

	if err := s.bus.Close(ctx); err != nil {
		logger.Errorf(ctx, "Failed to close event sinks: %v", err)
	}
}
