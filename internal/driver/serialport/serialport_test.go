package serialport

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/driver"
	"github.com/oshokin/microscope/internal/settings"
)

// fakeInstrument answers complete commands through respond. An empty
// receive buffer reads as a timeout.
type fakeInstrument struct {
	respond  func(command string) string
	pending  strings.Builder
	out      bytes.Buffer
	commands []string
	closed   bool
	mu       sync.Mutex
}

func (f *fakeInstrument) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.out.Len() == 0 {
		return 0, nil
	}

	return f.out.Read(p)
}

func (f *fakeInstrument) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, b := range p {
		if b != '\r' {
			f.pending.WriteByte(b)

			continue
		}

		command := f.pending.String()
		f.pending.Reset()
		f.commands = append(f.commands, command)
		f.out.WriteString(f.respond(command))
	}

	return len(p), nil
}

func (f *fakeInstrument) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeInstrument) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.commands...)
}

func opener(f *fakeInstrument) OpenFunc {
	return func(string, int, time.Duration) (io.ReadWriteCloser, error) {
		return f, nil
	}
}

func newRegistry(t *testing.T, d driver.Driver) *settings.Registry {
	t.Helper()

	r := settings.New()
	for _, desc := range d.Settings() {
		require.NoError(t, r.Declare(desc))
	}

	return r
}

// thorlabs simulates an FW102C: it echoes, answers queries and prompts.
func thorlabs() *fakeInstrument {
	position := 1

	f := &fakeInstrument{}
	f.respond = func(command string) string {
		switch {
		case command == "pos?":
			return "pos?\r" + string(rune('0'+position)) + "\r>"
		case strings.HasPrefix(command, "pos="):
			position = int(command[4] - '0')

			return command + "\r>"
		default:
			return "Command error\r>"
		}
	}

	return f
}

// TestRegister exposes every serial driver under its device type.
func TestRegister(t *testing.T) {
	t.Parallel()

	catalog := driver.NewCatalog()
	require.NoError(t, Register(catalog))

	defs, err := catalog.BuildAll([]driver.Spec{
		{ID: "fw0", Driver: FW102CDriver, Type: domain.TypeFilterWheel, Options: driver.Options{"port": "/dev/ttyUSB0"}},
		{ID: "fw1", Driver: FW212CDriver, Type: domain.TypeFilterWheel, Options: driver.Options{"port": "/dev/ttyUSB1"}},
		{ID: "l561", Driver: CoboltDriver, Type: domain.TypeLightSource, Options: driver.Options{"port": "COM3"}},
	})
	require.NoError(t, err)
	require.Equal(t, FW212CSlots, defs[1].Driver.(driver.FilterWheel).SlotCount())

	_, err = catalog.Build(driver.Spec{ID: "fw2", Driver: FW102CDriver, Type: domain.TypeFilterWheel})
	require.ErrorIs(t, err, errNoPortName)
}

// TestThorlabsWheel_Position moves the wheel and reads it back.
func TestThorlabsWheel_Position(t *testing.T) {
	t.Parallel()

	f := thorlabs()

	wheel, err := NewThorlabsWheel(PortConfig{Name: "fake"}, FW102CSlots, opener(f))
	require.NoError(t, err)

	r := newRegistry(t, wheel)
	ctx := t.Context()

	_, err = r.Set(ctx, "position", 3)
	require.ErrorIs(t, err, errNotConnected)

	require.NoError(t, wheel.Initialize(ctx))

	_, err = r.Set(ctx, "position", 4)
	require.NoError(t, err)

	_, err = r.Set(ctx, "position", 7)
	require.ErrorIs(t, err, domain.ErrOutOfRange)

	require.NoError(t, r.Sync(ctx))

	position, err := r.Get("position")
	require.NoError(t, err)
	require.Equal(t, int64(4), position)
	require.Equal(t, []string{"pos=4", "pos?"}, f.sent())

	require.NoError(t, wheel.Shutdown(ctx))
	require.True(t, f.closed)
}

// TestThorlabsWheel_Unresponsive gives up after repeated silence.
func TestThorlabsWheel_Unresponsive(t *testing.T) {
	t.Parallel()

	f := &fakeInstrument{respond: func(string) string { return "" }}

	wheel, err := NewThorlabsWheel(PortConfig{Name: "fake"}, FW102CSlots, opener(f))
	require.NoError(t, err)
	require.NoError(t, wheel.Initialize(t.Context()))

	r := newRegistry(t, wheel)

	_, err = r.Set(t.Context(), "position", 2)
	require.ErrorIs(t, err, errNoResponse)
	require.ErrorIs(t, err, domain.ErrHardware)

	value, err := r.Get("position")
	require.NoError(t, err)
	require.Equal(t, int64(1), value)
}

// TestCoboltLaser drives power and emission and parses readings.
func TestCoboltLaser(t *testing.T) {
	t.Parallel()

	var (
		setPoint = "0.0000"
		on       = "0"
		glitched bool
	)

	f := &fakeInstrument{}
	f.respond = func(command string) string {
		switch {
		case command == "sn?":
			return "4711\r\n"
		case command == "p?":
			return setPoint + "\r\n"
		case command == "l?":
			return on + "\r\n"
		case command == "pa?":
			if !glitched {
				glitched = true

				return "1\r\n"
			}

			return "0.0150\r\n"
		case command == "f?":
			return "0\r\n"
		case command == "hrs?":
			return "12.5\r\n"
		case strings.HasPrefix(command, "@cobasp "):
			setPoint = strings.TrimPrefix(command, "@cobasp ")

			return "OK\r\n"
		case command == "l1":
			on = "1"

			return "OK\r\n"
		case command == "l0":
			on = "0"

			return "OK\r\n"
		default:
			return "OK\r\n"
		}
	}

	laser, err := NewCoboltLaser(PortConfig{Name: "fake"}, 561, 50, opener(f))
	require.NoError(t, err)
	require.InDelta(t, 561.0, laser.Wavelength(), 0)

	ctx := t.Context()
	require.NoError(t, laser.Initialize(ctx))
	require.Equal(t, []string{"sn?", "@cobas 0", "@cobasdr 0", "@cob1"}, f.sent())

	r := newRegistry(t, laser)

	_, err = r.Update(ctx, map[string]any{"power_mw": 20.0, "emission": true})
	require.NoError(t, err)
	require.Equal(t, "0.0200", setPoint)
	require.Equal(t, "1", on)

	require.NoError(t, r.Sync(ctx))

	values := r.Values()
	require.InDelta(t, 20.0, values["power_mw"], 1e-9)
	require.Equal(t, true, values["emission"])
	require.InDelta(t, 15.0, values["power_reading_mw"], 1e-9)
	require.Equal(t, "fault=0 hours=12.5", values["status"])

	require.NoError(t, laser.MakeSafe(ctx))
	require.Equal(t, "0", on)

	require.NoError(t, laser.Shutdown(ctx))
	require.True(t, f.closed)
}
