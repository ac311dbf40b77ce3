// Package config loads the fleettrackd YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/markus-lassfolk/fleettrack/pkg/api"
	"github.com/markus-lassfolk/fleettrack/pkg/geocode"
	"github.com/markus-lassfolk/fleettrack/pkg/gps"
	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/mqtt"
	"github.com/markus-lassfolk/fleettrack/pkg/natsreport"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// Reporter transports
const (
	ReporterMQTT = "mqtt"
	ReporterNATS = "nats"
)

// DefaultPath is where fleettrackd looks for its configuration
const DefaultPath = "/etc/fleettrack/fleettrackd.yaml"

// Config is the fleettrackd configuration file
type Config struct {
	LogLevel      string `yaml:"log_level"`
	LogFilePath   string `yaml:"log_file_path"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	JournalPath   string `yaml:"journal_path"`
	Reporter      string `yaml:"reporter"`

	Tracking  Tracking  `yaml:"tracking"`
	MQTT      MQTT      `yaml:"mqtt"`
	NATS      NATS      `yaml:"nats"`
	Google    Google    `yaml:"google"`
	StatusAPI StatusAPI `yaml:"status_api"`
}

// StatusAPI configures the HTTP status server and the in-memory history it serves.
// An empty Listen disables the server.
type StatusAPI struct {
	Listen         string `yaml:"listen"`
	AuthKey        string `yaml:"auth_key"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	RetentionHours int    `yaml:"retention_hours"`
	MaxEvents      int    `yaml:"max_events"`
	TrailSize      int    `yaml:"trail_size"`
}

// Tracking configures the tracking session
type Tracking struct {
	SubjectID         string  `yaml:"subject_id"`
	IntervalMs        int     `yaml:"interval_ms"`
	MinAccuracyMeters float64 `yaml:"min_accuracy_meters"`
	AllowBackground   *bool   `yaml:"allow_background"`
	CallTimeoutMs     int     `yaml:"call_timeout_ms"`
}

// MQTT configures the MQTT reporter
type MQTT struct {
	Broker           string `yaml:"broker"`
	Port             int    `yaml:"port"`
	ClientID         string `yaml:"client_id"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	TopicPrefix      string `yaml:"topic_prefix"`
	QoS              *int   `yaml:"qos"`
	Retain           bool   `yaml:"retain"`
	PublishTimeoutMs int    `yaml:"publish_timeout_ms"`
}

// NATS configures the NATS reporter
type NATS struct {
	URL            string `yaml:"url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	Name           string `yaml:"name"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Token          string `yaml:"token"`
	FlushTimeoutMs int    `yaml:"flush_timeout_ms"`
}

// Google configures geolocation and reverse geocoding through Google Maps Platform
type Google struct {
	APIKey              string `yaml:"api_key"`
	BaseURL             string `yaml:"base_url"`
	GeolocationEnabled  *bool  `yaml:"geolocation_enabled"`
	ConsiderIP          *bool  `yaml:"consider_ip"`
	GeocodingEnabled    bool   `yaml:"geocoding_enabled"`
	Language            string `yaml:"language"`
	GeocodeCacheMinutes int    `yaml:"geocode_cache_minutes"`
	GeocodeCacheSize    int    `yaml:"geocode_cache_size"`
}

// Load reads and parses the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 7
	}
	if c.JournalPath == "" {
		c.JournalPath = "/var/lib/fleettrack/journal.db"
	}
	if c.Reporter == "" {
		c.Reporter = ReporterMQTT
	}
	c.Reporter = strings.ToLower(c.Reporter)

	if c.Tracking.IntervalMs == 0 {
		c.Tracking.IntervalMs = int(tracking.DefaultInterval / time.Millisecond)
	}
	if c.Tracking.MinAccuracyMeters == 0 {
		c.Tracking.MinAccuracyMeters = tracking.DefaultMinAccuracyMeters
	}
	if c.Tracking.CallTimeoutMs == 0 {
		c.Tracking.CallTimeoutMs = int(tracking.DefaultCallTimeout / time.Millisecond)
	}

	mdef := mqtt.DefaultConfig()
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = mdef.Broker
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = mdef.Port
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = mdef.ClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = mdef.TopicPrefix
	}
	if c.MQTT.QoS == nil {
		qos := mdef.QoS
		c.MQTT.QoS = &qos
	}
	if c.MQTT.PublishTimeoutMs == 0 {
		c.MQTT.PublishTimeoutMs = int(mdef.PublishTimeout / time.Millisecond)
	}

	ndef := natsreport.DefaultConfig()
	if c.NATS.URL == "" {
		c.NATS.URL = ndef.URL
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = ndef.SubjectPrefix
	}
	if c.NATS.Name == "" {
		c.NATS.Name = ndef.Name
	}
	if c.NATS.FlushTimeoutMs == 0 {
		c.NATS.FlushTimeoutMs = int(ndef.FlushTimeout / time.Millisecond)
	}

	if c.Google.GeocodeCacheMinutes == 0 {
		c.Google.GeocodeCacheMinutes = int(geocode.DefaultCacheTTL / time.Minute)
	}
	if c.Google.GeocodeCacheSize == 0 {
		c.Google.GeocodeCacheSize = geocode.DefaultCacheSize
	}

	if c.StatusAPI.RetentionHours == 0 {
		c.StatusAPI.RetentionHours = 24
	}
	if c.StatusAPI.MaxEvents == 0 {
		c.StatusAPI.MaxEvents = 1000
	}
	if c.StatusAPI.TrailSize == 0 {
		c.StatusAPI.TrailSize = 500
	}
}

// Validate reports every problem found in the configuration
func (c *Config) Validate() error {
	var errs []error

	if err := c.TrackingConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Reporter {
	case ReporterMQTT:
		if q := *c.MQTT.QoS; q < 0 || q > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", q))
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			errs = append(errs, fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port))
		}
	case ReporterNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown reporter %q, expected %q or %q", c.Reporter, ReporterMQTT, ReporterNATS))
	}
	if c.Google.APIKey == "" {
		errs = append(errs, errors.New("google.api_key is required for geolocation"))
	}
	if h := c.StatusAPI.RetentionHours; h < 1 || h > 168 {
		errs = append(errs, fmt.Errorf("status_api.retention_hours must be between 1 and 168, got %d", h))
	}
	if c.StatusAPI.MaxEvents < 0 || c.StatusAPI.TrailSize < 0 {
		errs = append(errs, errors.New("status_api.max_events and status_api.trail_size must not be negative"))
	}
	if (c.StatusAPI.CertFile == "") != (c.StatusAPI.KeyFile == "") {
		errs = append(errs, errors.New("status_api.cert_file and status_api.key_file must be set together"))
	}
	if c.LogMaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("log_max_age_days must not be negative, got %d", c.LogMaxAgeDays))
	}

	return errors.Join(errs...)
}

// GetLogLevel returns the configured logrus level
func (c *Config) GetLogLevel() logrus.Level {
	return logx.ParseLevel(c.LogLevel)
}

// TrackingConfig converts the tracking section into a session config
func (c *Config) TrackingConfig() tracking.Config {
	return tracking.Config{
		SubjectID:         c.Tracking.SubjectID,
		Interval:          time.Duration(c.Tracking.IntervalMs) * time.Millisecond,
		MinAccuracyMeters: c.Tracking.MinAccuracyMeters,
		AllowBackground:   c.Tracking.AllowBackground,
		CallTimeout:       time.Duration(c.Tracking.CallTimeoutMs) * time.Millisecond,
	}
}

// MQTTConfig converts the mqtt section into reporter settings
func (c *Config) MQTTConfig() *mqtt.Config {
	return &mqtt.Config{
		Broker:         c.MQTT.Broker,
		Port:           c.MQTT.Port,
		ClientID:       c.MQTT.ClientID,
		Username:       c.MQTT.Username,
		Password:       c.MQTT.Password,
		TopicPrefix:    c.MQTT.TopicPrefix,
		QoS:            *c.MQTT.QoS,
		Retain:         c.MQTT.Retain,
		Enabled:        c.Reporter == ReporterMQTT,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: time.Duration(c.MQTT.PublishTimeoutMs) * time.Millisecond,
	}
}

// NATSConfig converts the nats section into reporter settings
func (c *Config) NATSConfig() natsreport.Config {
	return natsreport.Config{
		URL:           c.NATS.URL,
		SubjectPrefix: c.NATS.SubjectPrefix,
		Name:          c.NATS.Name,
		Username:      c.NATS.Username,
		Password:      c.NATS.Password,
		Token:         c.NATS.Token,
		FlushTimeout:  time.Duration(c.NATS.FlushTimeoutMs) * time.Millisecond,
	}
}

// GoogleSourceConfig converts the google section into geolocation settings
func (c *Config) GoogleSourceConfig() gps.GoogleSourceConfig {
	return gps.GoogleSourceConfig{
		Enabled:    c.Google.GeolocationEnabled == nil || *c.Google.GeolocationEnabled,
		APIKey:     c.Google.APIKey,
		BaseURL:    c.Google.BaseURL,
		ConsiderIP: c.Google.ConsiderIP == nil || *c.Google.ConsiderIP,
		Timeout:    time.Duration(c.Tracking.CallTimeoutMs) * time.Millisecond,
	}
}

// GeocoderConfig converts the google section into reverse geocoding settings
func (c *Config) GeocoderConfig() geocode.GoogleConfig {
	return geocode.GoogleConfig{
		APIKey:   c.Google.APIKey,
		BaseURL:  c.Google.BaseURL,
		Language: c.Google.Language,
		Timeout:  time.Duration(c.Tracking.CallTimeoutMs) * time.Millisecond,
	}
}

// APIConfig converts the status_api section into server settings
func (c *Config) APIConfig() api.ServerConfig {
	return api.ServerConfig{
		Listen:   c.StatusAPI.Listen,
		AuthKey:  c.StatusAPI.AuthKey,
		CertFile: c.StatusAPI.CertFile,
		KeyFile:  c.StatusAPI.KeyFile,
	}
}

// GeocodeCacheTTL returns how long resolved addresses are reused
func (c *Config) GeocodeCacheTTL() time.Duration {
	return time.Duration(c.Google.GeocodeCacheMinutes) * time.Minute
}
