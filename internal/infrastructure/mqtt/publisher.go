package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oshokin/microscope/internal/events"
	"github.com/oshokin/microscope/internal/logger"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for the initial connection.
	defaultConnectTimeout = 10 * time.Second
	// defaultPublishTimeout is the maximum time to wait for a publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second
	// defaultDisconnectQuiesce is the time in milliseconds left for pending work on disconnect.
	defaultDisconnectQuiesce = 500
	// defaultKeepAlive is the keepalive interval.
	defaultKeepAlive = 30 * time.Second
	// defaultPrefix is the topic root.
	defaultPrefix = "microscope"
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqtt connection failed")
	// ErrPublishTimeout is returned when the broker does not acknowledge in time.
	ErrPublishTimeout = errors.New("mqtt publish timed out")
	// ErrNotConnected is returned while the client is offline.
	ErrNotConnected = errors.New("mqtt not connected")
)

// Config holds broker settings.
type Config struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string
	// ClientID identifies the connection; the server name when empty.
	ClientID string
	// Username is optional.
	Username string
	// Password is optional.
	Password string
	// TopicPrefix is the topic root, "microscope" when empty.
	TopicPrefix string
	// QoS is the publish quality of service.
	QoS byte
	// Server names this server in topics.
	Server string
}

// client is the part of the paho client the publisher needs.
type client interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher is an events.Sink backed by an MQTT connection.
type Publisher struct {
	// client is the broker connection.
	client client
	// topics builds topic names.
	topics Topics
	// qos is the publish quality of service.
	qos byte
	// server is the server name reported in status payloads.
	server string
}

// statusPayload is published on the status topic.
type statusPayload struct {
	Status    string    `json:"status"`
	Server    string    `json:"server"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connect dials the broker and publishes the online status.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultPrefix
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "microscope-" + cfg.Server
	}

	topics := NewTopics(cfg.TopicPrefix, cfg.Server)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	will, err := json.Marshal(statusPayload{
		Status:    "offline",
		Server:    cfg.Server,
		Reason:    "unexpected_disconnect",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal will: %w", err)
	}

	opts.SetWill(topics.Status(), string(will), 1, true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warnf(ctx, "MQTT connection lost: %v", err)
	})

	c := pahomqtt.NewClient(opts)

	token := c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	p := newPublisher(c, topics, cfg.QoS, cfg.Server)
	if err := p.publishStatus("online", ""); err != nil {
		logger.Warnf(ctx, "Failed to publish online status: %v", err)
	}

	logger.InfoKV(ctx, "Connected to MQTT broker", "broker", cfg.Broker, "root", topics.root)

	return p, nil
}

func newPublisher(c client, topics Topics, qos byte, server string) *Publisher {
	return &Publisher{
		client: c,
		topics: topics,
		qos:    qos,
		server: server,
	}
}

// Name implements events.Sink.
func (*Publisher) Name() string {
	return "mqtt"
}

// Handle implements events.Sink.
func (p *Publisher) Handle(_ context.Context, e events.Event) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic, retained := p.topics.ForEvent(e)

	return p.publish(topic, retained, payload)
}

// Close publishes a graceful offline status and disconnects.
func (p *Publisher) Close(context.Context) error {
	if p.client.IsConnected() {
		_ = p.publishStatus("offline", "graceful_shutdown")
	}

	p.client.Disconnect(defaultDisconnectQuiesce)

	return nil
}

func (p *Publisher) publishStatus(status, reason string) error {
	payload, err := json.Marshal(statusPayload{
		Status:    status,
		Server:    p.server,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	return p.publish(p.topics.Status(), true, payload)
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	return nil
}
