// Package mqtt reports location samples to the fleet backend over MQTT.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// ErrNotConnected is returned when a report is attempted without a broker connection
var ErrNotConnected = errors.New("mqtt: not connected to broker")

// Client publishes fleettrack telemetry to an MQTT broker
type Client struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config

	newClient func(*MQTT.ClientOptions) MQTT.Client

	mu          sync.Mutex
	lastPublish time.Time
}

// Config holds MQTT configuration
type Config struct {
	Broker         string        `json:"broker" yaml:"broker"`
	Port           int           `json:"port" yaml:"port"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	TopicPrefix    string        `json:"topic_prefix" yaml:"topic_prefix"`
	QoS            int           `json:"qos" yaml:"qos"`
	Retain         bool          `json:"retain" yaml:"retain"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"-"`
	PublishTimeout time.Duration `json:"publish_timeout" yaml:"-"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "fleettrackd",
		TopicPrefix:    "fleettrack",
		QoS:            1,
		Retain:         false,
		Enabled:        true,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 10 * time.Second,
	}
}

// LocationMessage is the JSON payload published for every accepted sample
type LocationMessage struct {
	SubjectID string `json:"subject_id"`
	tracking.LocationSample
	SentAt time.Time `json:"sent_at"`
}

// StatusMessage is published when a session starts or stops
type StatusMessage struct {
	SubjectID  string    `json:"subject_id"`
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 10 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		logger:    logger,
		config:    config,
		newClient: MQTT.NewClient,
	}
}

// Connect establishes the broker connection. The underlying client keeps
// retrying in the background if the broker is not reachable within ConnectTimeout.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = c.newClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		c.logger.Warn("MQTT broker not reachable yet, retrying in background", map[string]interface{}{
			"broker": c.config.Broker,
			"port":   c.config.Port,
		})
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("MQTT client connected", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})

	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	if c.client != nil {
		wasOpen := c.client.IsConnectionOpen()
		c.client.Disconnect(250)
		if wasOpen {
			c.logger.Info("MQTT client disconnected")
		}
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.logger.Error("MQTT connection lost", map[string]interface{}{
		"error": err.Error(),
	})
}

// ReportLocation publishes sample and waits for the broker to acknowledge it.
// It fails when disconnected, on timeout, or when the broker rejects the message.
func (c *Client) ReportLocation(ctx context.Context, subjectID string, sample tracking.LocationSample) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	msg := LocationMessage{SubjectID: subjectID, LocationSample: sample, SentAt: time.Now().UTC()}
	return c.publishJSON(ctx, c.LocationTopic(subjectID), msg)
}

// OnTrackingEvent publishes session status changes. It does not wait for acknowledgement.
func (c *Client) OnTrackingEvent(e tracking.Event) {
	var status string
	switch e.Type {
	case tracking.EventSessionStarted:
		status = "tracking"
	case tracking.EventSessionStopped:
		status = "stopped"
	default:
		return
	}
	if !c.IsConnected() {
		return
	}

	msg := StatusMessage{
		SubjectID:  e.SubjectID,
		SessionID:  e.SessionID,
		Status:     status,
		Reason:     string(e.StopReason),
		OccurredAt: e.Time.UTC(),
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn("Failed to encode MQTT status", "error", err)
		return
	}
	c.client.Publish(c.StatusTopic(e.SubjectID), byte(c.config.QoS), true, data)
}

// LocationTopic returns the topic samples for subjectID are published on
func (c *Client) LocationTopic(subjectID string) string {
	return fmt.Sprintf("%s/subjects/%s/location", c.config.TopicPrefix, subjectID)
}

// StatusTopic returns the retained status topic for subjectID
func (c *Client) StatusTopic(subjectID string) string {
	return fmt.Sprintf("%s/subjects/%s/status", c.config.TopicPrefix, subjectID)
}

// publishJSON publishes JSON payload to MQTT topic
func (c *Client) publishJSON(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)

	timer := time.NewTimer(c.config.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to topic %s: %w", topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("publish to topic %s: no acknowledgement after %s", topic, c.config.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()

	c.logger.Debug("MQTT message published", map[string]interface{}{
		"topic": topic,
		"size":  len(data),
	})

	return nil
}

// IsConnected returns whether the broker connection is up right now. paho runs
// the OnConnect handler in its own goroutine, so the handler is not a reliable signal.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// GetLastPublish returns the timestamp of the last acknowledged publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}
