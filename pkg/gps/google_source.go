package gps

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// GoogleSourceConfig configures the Google Geolocation API source
type GoogleSourceConfig struct {
	Enabled    bool          `json:"enabled"`
	APIKey     string        `json:"api_key"`
	BaseURL    string        `json:"base_url,omitempty"`
	ConsiderIP bool          `json:"consider_ip"`
	Timeout    time.Duration `json:"timeout"`
}

// GoogleSource obtains fixes from the Google Geolocation API
type GoogleSource struct {
	client     *maps.Client
	logger     *logx.Logger
	enabled    bool
	considerIP bool

	mu     sync.Mutex
	health SourceHealth
}

// NewGoogleSource creates a Google Geolocation API source
func NewGoogleSource(config GoogleSourceConfig, logger *logx.Logger) (*GoogleSource, error) {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	opts := []maps.ClientOption{
		maps.WithAPIKey(config.APIKey),
		maps.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
	}
	if config.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(config.BaseURL))
	}

	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create google maps client: %w", err)
	}

	return &GoogleSource{
		client:     client,
		logger:     logger,
		enabled:    config.Enabled,
		considerIP: config.ConsiderIP,
	}, nil
}

// GetName returns the source name
func (gs *GoogleSource) GetName() string {
	return "google"
}

// RequestPermission grants access when the source is enabled in configuration
func (gs *GoogleSource) RequestPermission(ctx context.Context) bool {
	if !gs.enabled {
		gs.logger.LogDebugVerbose("google_location_permission", map[string]interface{}{
			"granted": false,
			"reason":  "google_geolocation_disabled",
		})
		return false
	}
	return true
}

// CurrentFix asks the Geolocation API for the device position
func (gs *GoogleSource) CurrentFix(ctx context.Context, desiredAccuracy float64) (*tracking.Fix, error) {
	if !gs.enabled {
		return nil, tracking.NewLocationError(tracking.LocationPermissionDenied, errors.New("google geolocation disabled"))
	}

	start := time.Now()
	result, err := gs.client.Geolocate(ctx, &maps.GeolocationRequest{ConsiderIP: gs.considerIP})
	if err != nil {
		gs.recordError(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, tracking.NewLocationError(tracking.LocationTimeout, err)
		}
		return nil, tracking.NewLocationError(tracking.LocationUnavailable, fmt.Errorf("google geolocate: %w", err))
	}

	latency := time.Since(start)
	gs.mu.Lock()
	gs.health.recordSuccess(latency, time.Now())
	gs.mu.Unlock()

	gs.logger.LogDebugVerbose("google_location_fix", map[string]interface{}{
		"latitude":         result.Location.Lat,
		"longitude":        result.Location.Lng,
		"accuracy":         result.Accuracy,
		"desired_accuracy": desiredAccuracy,
		"latency_ms":       latency.Milliseconds(),
	})

	return &tracking.Fix{
		Latitude:  result.Location.Lat,
		Longitude: result.Location.Lng,
		Accuracy:  result.Accuracy,
		Timestamp: time.Now(),
	}, nil
}

// GetHealthStatus returns the current health status
func (gs *GoogleSource) GetHealthStatus() SourceHealth {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.health
}

func (gs *GoogleSource) recordError(err error) {
	gs.mu.Lock()
	gs.health.recordError(err)
	gs.mu.Unlock()
	gs.logger.Warn("Google geolocation request failed", "error", err)
}
