package influxdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/oshokin/microscope/internal/events"
	"github.com/oshokin/microscope/internal/logger"
)

// Default settings for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = time.Second
)

var (
	// ErrConnectionFailed is returned when the server cannot be reached or is unhealthy.
	ErrConnectionFailed = errors.New("influxdb connection failed")
)

// Config holds InfluxDB settings.
type Config struct {
	// URL is the server address, e.g. http://localhost:8086.
	URL string
	// Token is the API token.
	Token string
	// Org is the organization name.
	Org string
	// Bucket receives the points.
	Bucket string
	// BatchSize is the number of points sent per request.
	BatchSize int
	// FlushInterval is the maximum time points wait before being sent.
	FlushInterval time.Duration
	// Server tags every point with the server name.
	Server string
}

// pointWriter is the part of api.WriteAPI the sink needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink is an events.Sink writing telemetry points.
type Sink struct {
	// client is the InfluxDB connection, nil in tests.
	client influxdb2.Client
	// writer is the non-blocking write API.
	writer pointWriter
	// server is the value of the "server" tag.
	server string
}

// Connect creates the client, verifies connectivity and starts the write API.
func Connect(ctx context.Context, cfg Config) (*Sink, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive.
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval.Milliseconds())),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()

		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}

	if !healthy {
		client.Close()

		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go logWriteErrors(ctx, writeAPI)

	logger.InfoKV(ctx, "Connected to InfluxDB", "url", cfg.URL, "bucket", cfg.Bucket)

	return &Sink{
		client: client,
		writer: writeAPI,
		server: cfg.Server,
	}, nil
}

func logWriteErrors(ctx context.Context, writeAPI api.WriteAPI) {
	filter := logger.NewRepeatFilter(3)

	for err := range writeAPI.Errors() {
		filter.Errorf(ctx, "InfluxDB write failed: %v", err)
	}
}

// Name implements events.Sink.
func (*Sink) Name() string {
	return "influxdb"
}

// Handle implements events.Sink.
func (s *Sink) Handle(_ context.Context, e events.Event) error {
	if point, ok := s.pointFor(e); ok {
		s.writer.WritePoint(point)
	}

	return nil
}

// Close flushes pending points and closes the client.
func (s *Sink) Close(context.Context) error {
	s.writer.Flush()

	if s.client != nil {
		s.client.Close()
	}

	return nil
}

// pointFor converts an event into a point. Events without telemetry value are skipped.
func (s *Sink) pointFor(e events.Event) (*write.Point, bool) {
	tags := map[string]string{
		"server": s.server,
		"device": e.Device,
	}

	var (
		measurement string
		fields      map[string]any
	)

	switch e.Kind {
	case events.KindStateChanged:
		measurement = "trigger_state"
		fields = map[string]any{"from": e.From, "to": e.To}
	case events.KindSettingChanged:
		value, ok := e.Numeric()
		if !ok {
			return nil, false
		}

		measurement = "setting"
		tags["setting"] = e.Setting
		fields = map[string]any{"value": value}
	case events.KindFrameProduced:
		measurement = "frames"
		fields = map[string]any{"sequence": e.Sequence, "dropped": e.Dropped}
	case events.KindHardwareError:
		measurement = "hardware_errors"
		fields = map[string]any{"count": 1, "message": e.Message}
	default:
		return nil, false
	}

	return write.NewPoint(measurement, tags, fields, e.Time), true
}
