package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/microscope/internal/buffer"
	domain "github.com/oshokin/microscope/internal/domain/device"
)

// Config holds the settings shared by the microscope binaries.
type Config struct {
	// ServerAddress is the gRPC address the server listens on and clients dial.
	ServerAddress string `yaml:"server_addr"`
	// ServerName identifies this server in events and discovery; the hostname when empty.
	ServerName string `yaml:"server_name,omitempty"`
	// Timeout is the duration for network operations and RPC calls.
	Timeout time.Duration `yaml:"timeout"`
	// SessionTimeout is the inactivity interval after which a client session is torn down.
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// LockTimeout is how long a control call waits for a device held by another session.
	// Zero fails immediately with Busy.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
	// LogFormat is console or json.
	LogFormat string `yaml:"log_format,omitempty"`
	// StateFile is the optional YAML snapshot of committed setting values.
	StateFile string `yaml:"state_file,omitempty"`
	// Devices is the device inventory.
	Devices []Device `yaml:"devices,omitempty"`
	// MQTT configures the MQTT event sink.
	MQTT MQTT `yaml:"mqtt,omitempty"`
	// InfluxDB configures the telemetry sink.
	InfluxDB InfluxDB `yaml:"influxdb,omitempty"`
	// History configures the SQLite event journal.
	History History `yaml:"history,omitempty"`
	// Discovery configures mDNS advertisement.
	Discovery Discovery `yaml:"discovery,omitempty"`
}

// Device is one inventory entry.
type Device struct {
	// ID is the unique identifier clients address.
	ID string `yaml:"id"`
	// Driver is the catalog name of the binding.
	Driver string `yaml:"driver"`
	// Type is the device type tag.
	Type string `yaml:"type"`
	// Buffer configures the frame buffer of data-producing devices.
	Buffer Buffer `yaml:"buffer,omitempty"`
	// Options are the driver constructor arguments.
	Options map[string]any `yaml:"options,omitempty"`
}

// Buffer configures a frame ring.
type Buffer struct {
	// Capacity is the number of frames kept.
	Capacity int `yaml:"capacity,omitempty"`
	// Policy is drop_oldest or reject_newest.
	Policy string `yaml:"policy,omitempty"`
}

// MQTT configures the MQTT event sink.
type MQTT struct {
	// Enabled turns the sink on.
	Enabled bool `yaml:"enabled"`
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string `yaml:"broker,omitempty"`
	// ClientID identifies the connection.
	ClientID string `yaml:"client_id,omitempty"`
	// Username is optional.
	Username string `yaml:"username,omitempty"`
	// Password is optional.
	Password string `yaml:"password,omitempty"`
	// TopicPrefix is the topic root.
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
	// QoS is 0, 1 or 2.
	QoS int `yaml:"qos,omitempty"`
}

// InfluxDB configures the telemetry sink.
type InfluxDB struct {
	// Enabled turns the sink on.
	Enabled bool `yaml:"enabled"`
	// URL is the server address.
	URL string `yaml:"url,omitempty"`
	// Token is the API token.
	Token string `yaml:"token,omitempty"`
	// Org is the organization.
	Org string `yaml:"org,omitempty"`
	// Bucket receives the points.
	Bucket string `yaml:"bucket,omitempty"`
	// BatchSize is the number of points per request.
	BatchSize int `yaml:"batch_size,omitempty"`
	// FlushInterval bounds how long points wait before being sent.
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// History configures the SQLite event journal.
type History struct {
	// Enabled turns the journal on.
	Enabled bool `yaml:"enabled"`
	// Path is the database file.
	Path string `yaml:"path,omitempty"`
	// Retention is how long events are kept; zero keeps them forever.
	Retention time.Duration `yaml:"retention,omitempty"`
}

// Discovery configures mDNS advertisement.
type Discovery struct {
	// Enabled turns advertisement on.
	Enabled bool `yaml:"enabled"`
	// Instance is the advertised instance name; the server name when empty.
	Instance string `yaml:"instance,omitempty"`
	// Interfaces restricts advertisement to the named network interfaces.
	Interfaces []string `yaml:"interfaces,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "microscope-server.yaml"

	// DefaultHistoryFilename is the default SQLite journal file.
	DefaultHistoryFilename = "microscope-history.db"

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 5 * time.Second

	// DefaultSessionTimeout is the default session inactivity limit.
	DefaultSessionTimeout = 30 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// DefaultTopicPrefix is the default MQTT topic root.
	DefaultTopicPrefix = "microscope"

	maxQoS = 2
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errServerSocketRequired is returned when server address is missing.
	errServerSocketRequired = errors.New("server address must be provided")
	// errNegativeDuration is returned for negative timeouts.
	errNegativeDuration = errors.New("duration must not be negative")
	// errDeviceIDRequired is returned for inventory entries without id.
	errDeviceIDRequired = errors.New("device id must be provided")
	// errDuplicateDevice is returned when two devices share an id.
	errDuplicateDevice = errors.New("duplicate device id")
	// errDriverRequired is returned for inventory entries without driver.
	errDriverRequired = errors.New("device driver must be provided")
	// errUnknownDeviceType is returned for unknown type tags.
	errUnknownDeviceType = errors.New("unknown device type")
	// errNegativeCapacity is returned for negative buffer capacities.
	errNegativeCapacity = errors.New("buffer capacity must not be negative")
	// errUnknownLogFormat is returned for unknown log formats.
	errUnknownLogFormat = errors.New("log format must be console or json")
	// errSinkIncomplete is returned when an enabled sink misses a required field.
	errSinkIncomplete = errors.New("enabled sink is missing a required field")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes Settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and formatting
// and fills in defaults.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.ServerAddress == "" {
		return errServerSocketRequired
	}

	if _, err := net.ResolveTCPAddr("tcp", settings.ServerAddress); err != nil {
		return fmt.Errorf("invalid server socket: %w", err)
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.SessionTimeout <= 0 {
		settings.SessionTimeout = DefaultSessionTimeout
	}

	if settings.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout: %w", errNegativeDuration)
	}

	if settings.ServerName == "" {
		if hostname, err := os.Hostname(); err == nil {
			settings.ServerName = hostname
		}
	}

	switch strings.ToLower(settings.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: %q", errUnknownLogFormat, settings.LogFormat)
	}

	if err := validateDevices(settings.Devices); err != nil {
		return err
	}

	return validateSinks(settings)
}

func validateDevices(devices []Device) error {
	seen := make(map[string]struct{}, len(devices))

	for i, d := range devices {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("devices[%d]: %w", i, errDeviceIDRequired)
		}

		if _, ok := seen[d.ID]; ok {
			return fmt.Errorf("%w: %s", errDuplicateDevice, d.ID)
		}

		seen[d.ID] = struct{}{}

		if strings.TrimSpace(d.Driver) == "" {
			return fmt.Errorf("device %s: %w", d.ID, errDriverRequired)
		}

		if _, ok := domain.ParseType(d.Type); !ok {
			return fmt.Errorf("device %s: %w: %q", d.ID, errUnknownDeviceType, d.Type)
		}

		if d.Buffer.Capacity < 0 {
			return fmt.Errorf("device %s: %w", d.ID, errNegativeCapacity)
		}

		if _, err := buffer.ParsePolicy(d.Buffer.Policy); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
	}

	return nil
}

func validateSinks(settings *Config) error {
	if m := &settings.MQTT; m.Enabled {
		if _, err := url.ParseRequestURI(m.Broker); err != nil {
			return fmt.Errorf("mqtt broker: %w", err)
		}

		if m.QoS < 0 || m.QoS > maxQoS {
			return fmt.Errorf("mqtt qos %d: %w", m.QoS, errSinkIncomplete)
		}

		if m.TopicPrefix == "" {
			m.TopicPrefix = DefaultTopicPrefix
		}
	}

	if i := settings.InfluxDB; i.Enabled {
		if _, err := url.ParseRequestURI(i.URL); err != nil {
			return fmt.Errorf("influxdb url: %w", err)
		}

		if i.Org == "" || i.Bucket == "" {
			return fmt.Errorf("influxdb org and bucket: %w", errSinkIncomplete)
		}
	}

	if h := &settings.History; h.Enabled {
		if h.Path == "" {
			h.Path = DefaultHistoryFilename
		}

		if h.Retention < 0 {
			return fmt.Errorf("history retention: %w", errNegativeDuration)
		}
	}

	return nil
}

// DeviceByID returns the inventory entry with the given id.
func (c *Config) DeviceByID(id string) (Device, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}

	return Device{}, false
}
