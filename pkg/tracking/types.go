package tracking

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	DefaultInterval          = 30 * time.Second
	DefaultMinAccuracyMeters = 100.0
	DefaultCallTimeout       = 20 * time.Second

	// MinReportDistanceMeters is the movement required before a new fix is reported
	MinReportDistanceMeters = 10.0

	// MaxConsecutiveFailures trips the failure breaker and ends the session
	MaxConsecutiveFailures = 5
)

// Config holds the parameters of one tracking session
type Config struct {
	SubjectID         string        `json:"subject_id"`
	Interval          time.Duration `json:"interval"`
	MinAccuracyMeters float64       `json:"min_accuracy_meters"`
	// AllowBackground keeps sampling while the app is backgrounded; nil means true
	AllowBackground *bool         `json:"allow_background,omitempty"`
	CallTimeout     time.Duration `json:"call_timeout"`
}

// DefaultConfig returns a config for subjectID with every default applied
func DefaultConfig(subjectID string) Config {
	return Config{
		SubjectID:         subjectID,
		Interval:          DefaultInterval,
		MinAccuracyMeters: DefaultMinAccuracyMeters,
		AllowBackground:   Bool(true),
		CallTimeout:       DefaultCallTimeout,
	}
}

// Bool returns a pointer to v
func Bool(v bool) *bool {
	return &v
}

// BackgroundAllowed reports whether ticks keep running while the app is backgrounded
func (c Config) BackgroundAllowed() bool {
	return c.AllowBackground == nil || *c.AllowBackground
}

func (c Config) withDefaults() Config {
	c.SubjectID = strings.TrimSpace(c.SubjectID)
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.MinAccuracyMeters == 0 {
		c.MinAccuracyMeters = DefaultMinAccuracyMeters
	}
	if c.AllowBackground == nil {
		c.AllowBackground = Bool(true)
	} else {
		c.AllowBackground = Bool(*c.AllowBackground)
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Validate checks a config after defaults have been applied
func (c Config) Validate() error {
	if strings.TrimSpace(c.SubjectID) == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidConfig)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidConfig, c.Interval)
	}
	if c.MinAccuracyMeters <= 0 || math.IsNaN(c.MinAccuracyMeters) || math.IsInf(c.MinAccuracyMeters, 0) {
		return fmt.Errorf("%w: min_accuracy_meters must be a positive number, got %v", ErrInvalidConfig, c.MinAccuracyMeters)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call_timeout must be positive, got %s", ErrInvalidConfig, c.CallTimeout)
	}
	return nil
}

// State is the lifecycle state of a session
type State int

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AppState is the visibility of the host application
type AppState int

const (
	AppForeground AppState = iota
	AppBackground
)

func (a AppState) String() string {
	if a == AppBackground {
		return "background"
	}
	return "foreground"
}

// Fix is a single position reading as delivered by a geolocation source
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64  // meters
	Speed     *float64 // km/h
	Heading   *float64 // degrees
	Altitude  *float64 // meters
	Timestamp time.Time
}

// LocationSample is the immutable value handed to the telemetry reporter
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Address    string    `json:"address,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewSample builds a sample from fix. A fix without a timestamp is stamped with now.
func NewSample(fix Fix, address string, now time.Time) LocationSample {
	captured := fix.Timestamp
	if captured.IsZero() {
		captured = now
	}
	return LocationSample{
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Accuracy:   fix.Accuracy,
		Speed:      copyFloat(fix.Speed),
		Heading:    copyFloat(fix.Heading),
		Altitude:   copyFloat(fix.Altitude),
		Address:    address,
		CapturedAt: captured,
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
