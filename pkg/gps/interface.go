// Package gps provides geolocation sources for the tracking scheduler.
package gps

import (
	"time"

	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// Source is a named geolocation source that can take part in priority fallback
type Source interface {
	tracking.GeolocationSource

	// GetName returns the source name used in logs and health reports
	GetName() string
}

// SourceHealth tracks the recent behaviour of a source
type SourceHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error"`
	SuccessRate  float64   `json:"success_rate"`
	AvgLatency   float64   `json:"avg_latency_ms"`
	ErrorCount   int       `json:"error_count"`
	SuccessCount int       `json:"success_count"`
}

func (h *SourceHealth) recordSuccess(latency time.Duration, now time.Time) {
	h.Available = true
	h.LastSuccess = now
	h.SuccessCount++
	ms := float64(latency.Microseconds()) / 1000
	if h.SuccessCount == 1 {
		h.AvgLatency = ms
	} else {
		h.AvgLatency = (h.AvgLatency + ms) / 2
	}
	h.updateRate()
}

func (h *SourceHealth) recordError(err error) {
	h.ErrorCount++
	h.LastError = err.Error()
	h.updateRate()
}

func (h *SourceHealth) updateRate() {
	total := h.SuccessCount + h.ErrorCount
	if total > 0 {
		h.SuccessRate = float64(h.SuccessCount) / float64(total)
	}
}
