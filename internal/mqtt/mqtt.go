// Package mqtt publishes automation events to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	maxQoS                = 2
	maxPayloadSize        = 1 << 20
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrInvalidQoS       = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic     = errors.New("mqtt: topic cannot be empty")
)

// brokerClient is the part of the paho client the Publisher uses.
type brokerClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Opts holds broker connection settings.
type Opts struct {
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Option configures the broker connection.
type Option func(*Opts)

func WithClientID(id string) Option {
	return func(o *Opts) { o.ClientID = id }
}

func WithCredentials(username, password string) Option {
	return func(o *Opts) { o.Username, o.Password = username, password }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ConnectTimeout = d }
}

// Publisher publishes payloads to a broker.
type Publisher struct {
	client brokerClient
}

// Connect dials broker (for example tcp://localhost:1883) and returns a
// Publisher that reconnects automatically.
func Connect(broker string, opts ...Option) (*Publisher, error) {
	cfg := Opts{ClientID: "flowpipe", ConnectTimeout: defaultConnectTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	co := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(defaultKeepAlive)
	if cfg.Username != "" {
		co.SetUsername(cfg.Username)
		co.SetPassword(cfg.Password)
	}
	co.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		slog.Warn("mqtt.Publisher: connection lost", "broker", broker, "error", err)
	})

	client := pahomqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	slog.Info("mqtt.Publisher: connected", "broker", broker, "clientID", cfg.ClientID)
	return &Publisher{client: client}, nil
}

// Publish sends payload to topic and waits for the broker acknowledgement
// required by qos, or for ctx to end.
func (p *Publisher) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !p.client.IsConnected() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	slog.Debug("mqtt.Publisher.Publish: published", "topic", topic, "qos", qos, "bytes", len(payload))
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish.
func (p *Publisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
