package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oshokin/microscope/internal/buffer"
	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
	"github.com/oshokin/microscope/internal/events"
	"github.com/oshokin/microscope/internal/logger"
	"github.com/oshokin/microscope/internal/repository/history"
	"github.com/oshokin/microscope/internal/repository/state"
	"github.com/oshokin/microscope/internal/session"
)

// DefaultInitRetry is the delay between initialization attempts of a device
// whose hardware did not respond.
const DefaultInitRetry = 5 * time.Second

var (
	errNoDevices   = errors.New("no devices configured")
	errDuplicateID = errors.New("duplicate device id")
)

// HistoryReader serves the event journal.
type HistoryReader interface {
	History(ctx context.Context, deviceID string, limit int) ([]history.Entry, error)
}

// DeviceConfig is one device to serve.
type DeviceConfig struct {
	// Definition is the validated device with its driver.
	Definition driver.Definition
	// BufferCapacity is the frame buffer size; zero selects the default.
	BufferCapacity int
	// BufferPolicy is the behavior of a full frame buffer.
	BufferPolicy buffer.Policy
}

// Config holds the hub settings.
type Config struct {
	// Devices are the devices to serve, in listing order.
	Devices []DeviceConfig
	// LockTimeout is how long a control call waits for another session's lock.
	LockTimeout time.Duration
	// SessionTimeout is the inactivity limit of client sessions.
	SessionTimeout time.Duration
	// InitRetry is the delay between initialization attempts.
	InitRetry time.Duration
	// Bus receives device and session events; nil disables events.
	Bus *events.Bus
	// Snapshots persists committed settings; nil disables persistence.
	Snapshots state.Repository
	// History serves the event journal; nil disables history queries.
	History HistoryReader
}

// Hub serves a fixed set of devices to client sessions.
type Hub struct {
	// devices maps ids to runtimes.
	devices map[string]*Device
	// order holds device ids in configuration order.
	order []string
	// sessions tracks connected clients.
	sessions *session.Manager
	// bus receives events, may be nil.
	bus *events.Bus
	// snapshots persists settings, may be nil.
	snapshots state.Repository
	// restored is the snapshot loaded at startup.
	restored *state.Snapshot
	// saveMu serializes snapshot writes.
	saveMu sync.Mutex
	// history serves the event journal, may be nil.
	history HistoryReader
	// initRetry is the delay between initialization attempts.
	initRetry time.Duration
	// wg tracks background goroutines.
	wg sync.WaitGroup
	// cancel stops background goroutines.
	cancel context.CancelFunc
	// ctx carries the hub logger.
	ctx context.Context
}

// New builds the device runtimes. Drivers are not touched until Start.
func New(ctx context.Context, cfg Config) (*Hub, error) {
	if len(cfg.Devices) == 0 {
		return nil, errNoDevices
	}

	if cfg.InitRetry <= 0 {
		cfg.InitRetry = DefaultInitRetry
	}

	h := &Hub{
		devices:   make(map[string]*Device, len(cfg.Devices)),
		bus:       cfg.Bus,
		snapshots: cfg.Snapshots,
		history:   cfg.History,
		initRetry: cfg.InitRetry,
		ctx:       logger.WithName(ctx, "hub"),
	}

	h.sessions = session.NewManager(cfg.SessionTimeout, h.teardown)

	for _, dc := range cfg.Devices {
		id := dc.Definition.ID
		if _, exists := h.devices[id]; exists {
			return nil, fmt.Errorf("device %s: %w", id, errDuplicateID)
		}

		d, err := newDevice(ctx, dc, cfg.LockTimeout, h.publish)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", id, err)
		}

		d.onCommit = h.persist
		h.devices[id] = d
		h.order = append(h.order, id)
	}

	return h, nil
}

// Start loads the settings snapshot, initializes every device in the
// background and starts the session reaper.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	if h.snapshots != nil {
		snapshot, err := h.snapshots.Load(ctx)

		switch {
		case errors.Is(err, state.ErrNotFound):
			logger.Info(h.ctx, "No settings snapshot, starting from defaults")
		case err != nil:
			logger.Errorf(h.ctx, "Load settings snapshot: %v", err)
		default:
			h.restored = snapshot
			logger.InfoKV(h.ctx, "Settings snapshot loaded", "saved", snapshot.Timestamp)
		}
	}

	for _, id := range h.order {
		d := h.devices[id]

		h.wg.Go(func() {
			h.initialize(ctx, d)
		})
	}

	h.wg.Go(func() {
		h.sessions.Run(ctx)
	})
}

// initialize brings a device up, retrying until it succeeds or ctx is done.
func (h *Hub) initialize(ctx context.Context, d *Device) {
	ticker := time.NewTicker(h.initRetry)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		_, err := d.queue.Do(ctx, "initialize", func(ctx context.Context) (any, error) {
			return nil, h.bringUp(ctx, d)
		})
		if err == nil {
			d.ready.Store(true)
			d.errors.Reset()
			logger.InfoKV(d.ctx, "Device ready", "attempts", attempt)

			return
		}

		d.errors.Errorf(d.ctx, "Initialize device (attempt %d): %v", attempt, err)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// bringUp initializes the driver, re-pushes restored settings and reads
// back hardware-owned values. Runs on the device queue.
func (h *Hub) bringUp(ctx context.Context, d *Device) error {
	if initializer, ok := d.drv.(driver.Initializer); ok {
		if err := initializer.Initialize(ctx); err != nil {
			return err
		}
	}

	if h.restored != nil {
		if values, ok := h.restored.Values(d.id); ok {
			h.restore(ctx, d, values)
		}
	}

	return d.settings.Sync(ctx)
}

// restore re-applies snapshot values of writable settings the hardware
// does not report itself. Stale entries are logged and skipped.
func (h *Hub) restore(ctx context.Context, d *Device, values map[string]any) {
	for _, info := range d.settings.List() {
		value, ok := values[info.Name]
		if !ok || info.ReadOnly {
			continue
		}

		if desc, _ := d.settings.Lookup(info.Name); desc.Read != nil {
			continue
		}

		if err := d.settings.Restore(ctx, info.Name, value); err != nil {
			logger.WarnKV(d.ctx, "Skip restored setting", "setting", info.Name, "error", err)
		}
	}
}

// Close shuts the hub down: sessions are closed, acquisitions aborted,
// queues drained, hardware made safe and released, and the final settings
// snapshot written.
func (h *Hub) Close(ctx context.Context) error {
	h.sessions.CloseAll(ctx)

	if h.cancel != nil {
		h.cancel()
	}

	for _, id := range h.order {
		d := h.devices[id]

		if d.machine != nil && d.machine.State() != domain.StateIdle {
			if err := d.abort(ctx); err != nil {
				logger.WarnKV(d.ctx, "Abort at shutdown", "error", err)
			}
		}

		d.queue.CancelCurrent()
		d.queue.Close()
	}

	h.wg.Wait()

	var errs []error

	for _, id := range h.order {
		d := h.devices[id]

		if safer, ok := d.drv.(driver.Safer); ok && d.ready.Load() {
			if err := safer.MakeSafe(ctx); err != nil {
				errs = append(errs, fmt.Errorf("make device %s safe: %w", id, err))
			}
		}

		if shutdowner, ok := d.drv.(driver.Shutdowner); ok {
			if err := shutdowner.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shut down device %s: %w", id, err))
			}
		}
	}

	if err := h.save(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Devices returns every device summary in configuration order.
func (h *Hub) Devices() []Info {
	out := make([]Info, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.devices[id].Info())
	}

	return out
}

// Device returns a device runtime.
func (h *Hub) Device(id string) (*Device, error) {
	d, ok := h.devices[id]
	if !ok {
		return nil, domain.Errorf(domain.KindUnknownDevice, "no device %q", id)
	}

	return d, nil
}

// Sessions returns the session manager.
func (h *Hub) Sessions() *session.Manager {
	return h.sessions
}

// OpenSession registers a client.
func (h *Hub) OpenSession(ctx context.Context, identity *domain.ClientIdentity) *session.Session {
	s := h.sessions.Open(ctx, identity)

	h.publish(events.Event{
		Kind:    events.KindSessionOpened,
		Session: s.ID,
		Message: s.Identity.String(),
	})

	return s
}

// CloseSession ends a client session and releases what it held.
func (h *Hub) CloseSession(ctx context.Context, sessionID, reason string) {
	h.sessions.Close(ctx, sessionID, reason)
}

// Acquire gives the session exclusive control of a device until Release.
func (h *Hub) Acquire(ctx context.Context, sessionID, deviceID string, timeout time.Duration) error {
	s, d, err := h.resolve(sessionID, deviceID)
	if err != nil {
		return err
	}

	if err := d.lock.Acquire(ctx, sessionID, timeout); err != nil {
		return err
	}

	// The session may have closed while waiting; its teardown could have
	// already run, so nothing else would free the lock.
	if _, ok := h.sessions.Get(sessionID); !ok {
		d.lock.Drop(sessionID)

		return domain.Errorf(domain.KindCommunicationError, "session %s closed while acquiring %s", sessionID, deviceID)
	}

	s.Hold(deviceID)
	h.publish(events.Event{Kind: events.KindLockChanged, Device: deviceID, Session: sessionID, Message: "acquired"})

	return nil
}

// Release gives up an explicit hold.
func (h *Hub) Release(sessionID, deviceID string) error {
	s, d, err := h.resolve(sessionID, deviceID)
	if err != nil {
		return err
	}

	if err := d.lock.Release(sessionID); err != nil {
		return err
	}

	s.Unhold(deviceID)
	h.publish(events.Event{Kind: events.KindLockChanged, Device: deviceID, Session: sessionID, Message: "released"})

	return nil
}

// History returns the most recent journal entries of a device.
func (h *Hub) History(ctx context.Context, deviceID string, limit int) ([]history.Entry, error) {
	if _, err := h.Device(deviceID); err != nil {
		return nil, err
	}

	if h.history == nil {
		return nil, domain.Errorf(domain.KindUnsupportedOperation, "event history is disabled")
	}

	return h.history.History(ctx, deviceID, limit)
}

// resolve looks up a live session and a device.
func (h *Hub) resolve(sessionID, deviceID string) (*session.Session, *Device, error) {
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return nil, nil, domain.Errorf(domain.KindCommunicationError, "session %s is closed", sessionID)
	}

	d, err := h.Device(deviceID)
	if err != nil {
		return nil, nil, err
	}

	return s, d, nil
}

// teardown releases everything a closed session owned. An acquisition the
// session armed is aborted; an operation it has in flight keeps its hold
// until it returns.
func (h *Hub) teardown(ctx context.Context, s *session.Session) {
	for _, id := range h.order {
		d := h.devices[id]

		if d.lock.Drop(s.ID) {
			h.publish(events.Event{Kind: events.KindLockChanged, Device: id, Session: s.ID, Message: "released"})
		}

		if d.machine == nil || d.machine.ArmedBy() != s.ID {
			continue
		}

		if err := d.abort(ctx); err != nil && !errors.Is(err, domain.ErrInvalidState) {
			logger.WarnKV(d.ctx, "Abort for closed session", "session", s.ID, "error", err)
		}
	}

	h.publish(events.Event{Kind: events.KindSessionClosed, Session: s.ID, Message: s.Identity.String()})
}

// publish stamps and forwards an event.
func (h *Hub) publish(e events.Event) {
	if h.bus == nil {
		return
	}

	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.bus.Publish(e)
}

// persist writes the snapshot after a committed settings change.
func (h *Hub) persist(ctx context.Context) {
	if err := h.save(context.WithoutCancel(ctx)); err != nil {
		logger.Errorf(h.ctx, "Save settings snapshot: %v", err)
	}
}

// save writes every initialized device's committed values. Devices that
// never came up keep the values restored at startup.
func (h *Hub) save(ctx context.Context) error {
	if h.snapshots == nil {
		return nil
	}

	h.saveMu.Lock()
	defer h.saveMu.Unlock()

	snapshot := state.NewSnapshot()
	if h.restored != nil {
		snapshot = h.restored.Clone()
	}

	snapshot.Timestamp = time.Now().UTC()

	for _, id := range h.order {
		d := h.devices[id]
		if d.ready.Load() {
			snapshot.Set(id, d.settings.Values())
		}
	}

	if err := h.snapshots.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("save settings snapshot: %w", err)
	}

	return nil
}

// DeviceIDs returns the served device ids in configuration order.
func (h *Hub) DeviceIDs() []string {
	return slices.Clone(h.order)
}
