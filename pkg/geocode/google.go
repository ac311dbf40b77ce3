// Package geocode resolves coordinates into street addresses for location samples.
package geocode

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
)

// GoogleConfig configures the Google reverse geocoder
type GoogleConfig struct {
	APIKey   string        `json:"api_key"`
	BaseURL  string        `json:"base_url,omitempty"`
	Language string        `json:"language,omitempty"`
	Timeout  time.Duration `json:"timeout"`
}

// GoogleGeocoder resolves addresses with the Google Geocoding API
type GoogleGeocoder struct {
	client   *maps.Client
	language string
	logger   *logx.Logger
}

// NewGoogleGeocoder creates a reverse geocoder backed by the Geocoding API
func NewGoogleGeocoder(config GoogleConfig, logger *logx.Logger) (*GoogleGeocoder, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
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

	return &GoogleGeocoder{client: client, language: config.Language, logger: logger}, nil
}

// Resolve returns the first formatted address for the coordinate, or "" when nothing matched
func (g *GoogleGeocoder) Resolve(ctx context.Context, lat, lng float64) (string, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: lat, Lng: lng},
		Language: g.language,
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode %.6f,%.6f: %w", lat, lng, err)
	}

	for _, r := range results {
		if r.FormattedAddress != "" {
			g.logger.LogDebugVerbose("reverse_geocode", map[string]interface{}{
				"latitude":  lat,
				"longitude": lng,
				"address":   r.FormattedAddress,
				"results":   len(results),
			})
			return r.FormattedAddress, nil
		}
	}
	return "", nil
}
