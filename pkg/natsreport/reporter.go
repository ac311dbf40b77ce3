// Package natsreport reports location samples to the fleet backend over NATS.
package natsreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// ErrNotConnected is returned when the NATS connection is down or closed
var ErrNotConnected = errors.New("nats: not connected to server")

// Config holds NATS configuration
type Config struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Name          string        `yaml:"name"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Token         string        `yaml:"token"`
	ConnectWait   time.Duration `yaml:"-"`
	FlushTimeout  time.Duration `yaml:"-"`
}

// DefaultConfig returns default NATS configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "fleettrack",
		Name:          "fleettrackd",
		ConnectWait:   5 * time.Second,
		FlushTimeout:  5 * time.Second,
	}
}

// Message is the JSON payload published for every accepted sample
type Message struct {
	SubjectID string `json:"subject_id"`
	tracking.LocationSample
	SentAt time.Time `json:"sent_at"`
}

// Reporter publishes samples and flushes until the server has received them
type Reporter struct {
	conn   *nats.Conn
	config Config
	logger *logx.Logger
	closed chan struct{}
}

// Connect dials the NATS server and returns a ready reporter
func Connect(config Config, logger *logx.Logger) (*Reporter, error) {
	def := DefaultConfig()
	if config.URL == "" {
		config.URL = def.URL
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = def.SubjectPrefix
	}
	if config.ConnectWait <= 0 {
		config.ConnectWait = def.ConnectWait
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = def.FlushTimeout
	}

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.Timeout(config.ConnectWait),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection re-established", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}
	if config.Username != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", config.URL, err)
	}

	logger.Info("NATS reporter connected", "url", conn.ConnectedUrl(), "subject_prefix", config.SubjectPrefix)
	return &Reporter{conn: conn, config: config, logger: logger, closed: closed}, nil
}

// Subject returns the subject samples for subjectID are published on
func (r *Reporter) Subject(subjectID string) string {
	return fmt.Sprintf("%s.%s.location", r.config.SubjectPrefix, subjectID)
}

// ReportLocation publishes sample and waits for the server round trip
func (r *Reporter) ReportLocation(ctx context.Context, subjectID string, sample tracking.LocationSample) error {
	if !r.conn.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(Message{SubjectID: subjectID, LocationSample: sample, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	subject := r.Subject(subjectID)
	if err := r.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, r.config.FlushTimeout)
	defer cancel()
	if err := r.conn.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}

	r.logger.Debug("NATS message published", "subject", subject, "size", len(data))
	return nil
}

// Close drains pending messages and closes the connection
func (r *Reporter) Close() error {
	if r.conn.IsClosed() {
		return nil
	}
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}

	select {
	case <-r.closed:
	case <-time.After(r.config.FlushTimeout):
		r.conn.Close()
	}
	return nil
}
