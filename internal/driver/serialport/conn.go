package serialport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the rate both supported instrument families use.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds how long a single line read waits.
	DefaultReadTimeout = 500 * time.Millisecond
)

var (
	errNotConnected = errors.New("serial port is not open")
	errNoResponse   = errors.New("instrument did not respond")
	errNoPortName   = errors.New("serial port name is required")
)

// OpenFunc opens a port. A read on the returned port must give up after
// the timeout and report zero bytes rather than block forever.
type OpenFunc func(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial port with 8N1 framing.
func OpenSerial(name string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		return nil, errors.Join(fmt.Errorf("set read timeout on %s: %w", name, err), port.Close())
	}

	if err := port.ResetInputBuffer(); err != nil {
		return nil, errors.Join(fmt.Errorf("flush %s: %w", name, err), port.Close())
	}

	return port, nil
}

// PortConfig locates a serial instrument.
type PortConfig struct {
	// Name is the device path, e.g. /dev/ttyUSB0 or COM3.
	Name string
	// Baud is the line rate.
	Baud int
	// Timeout bounds a single line read.
	Timeout time.Duration
}

// conn is a lazily opened line-oriented connection. Commands are written
// with a trailing carriage return; responses end with eol.
type conn struct {
	// cfg locates the port.
	cfg PortConfig
	// open opens the port.
	open OpenFunc
	// eol terminates responses.
	eol byte
	// port is nil while disconnected.
	port io.ReadWriteCloser
	// mu serializes whole command exchanges.
	mu sync.Mutex
}

func newConn(cfg PortConfig, open OpenFunc, eol byte) (*conn, error) {
	if cfg.Name == "" {
		return nil, errNoPortName
	}

	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaudRate
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReadTimeout
	}

	if open == nil {
		open = OpenSerial
	}

	return &conn{cfg: cfg, open: open, eol: eol}, nil
}

// connect opens the port if it is not open yet.
func (c *conn) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return nil
	}

	port, err := c.open(c.cfg.Name, c.cfg.Baud, c.cfg.Timeout)
	if err != nil {
		return err
	}

	c.port = port

	return nil
}

// close releases the port.
func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}

	err := c.port.Close()
	c.port = nil

	return err
}

// exchange runs fn with exclusive use of the port.
func (c *conn) exchange(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return errNotConnected
	}

	return fn()
}

// writeLocked sends one command.
func (c *conn) writeLocked(command string) error {
	if _, err := io.WriteString(c.port, command+"\r"); err != nil {
		return fmt.Errorf("write %q to %s: %w", command, c.cfg.Name, err)
	}

	return nil
}

// readLineLocked reads up to eol. A read timeout ends the line early and
// returns what was received so far, which is how prompts without a
// terminator are seen.
func (c *conn) readLineLocked() (string, error) {
	var (
		line strings.Builder
		b    [1]byte
	)

	for {
		n, err := c.port.Read(b[:])
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("read from %s: %w", c.cfg.Name, err)
			}

			return strings.TrimSpace(line.String()), nil
		}

		if b[0] == c.eol {
			return strings.TrimSpace(line.String()), nil
		}

		line.WriteByte(b[0])
	}
}
