// Package metrics exposes tracking pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

const namespace = "fleettrack"

// Collector turns tracking events into Prometheus metrics. It implements tracking.Observer.
type Collector struct {
	registry *prometheus.Registry

	reports             prometheus.Counter
	skips               *prometheus.CounterVec
	reportFailures      prometheus.Counter
	fixFailures         prometheus.Counter
	sessionsStopped     *prometheus.CounterVec
	activeSessions      prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	reportDuration      prometheus.Histogram
}

// NewCollector registers the tracking metrics on a dedicated registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Location samples accepted by the backend.",
		}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skips_total",
			Help:      "Cycles that ended without a report, by reason.",
		}, []string{"reason"}),
		reportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_failures_total",
			Help:      "Location reports rejected or not delivered.",
		}),
		fixFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fix_failures_total",
			Help:      "Geolocation requests that produced no fix.",
		}),
		sessionsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Tracking sessions stopped, by reason.",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Tracking sessions currently active.",
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Report failures in a row for the most recent session.",
		}),
		reportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_duration_seconds",
			Help:      "Time from cycle start to the backend's answer.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
	}

	c.registry.MustRegister(
		c.reports,
		c.skips,
		c.reportFailures,
		c.fixFailures,
		c.sessionsStopped,
		c.activeSessions,
		c.consecutiveFailures,
		c.reportDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry holding the tracking metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) OnTrackingEvent(e tracking.Event) {
	switch e.Type {
	case tracking.EventSessionStarted:
		c.activeSessions.Inc()
		c.consecutiveFailures.Set(0)
	case tracking.EventSampleReported:
		c.reports.Inc()
		c.reportDuration.Observe(e.Duration.Seconds())
		c.consecutiveFailures.Set(0)
	case tracking.EventSampleSkipped:
		c.skips.WithLabelValues(string(e.SkipReason)).Inc()
	case tracking.EventFixFailed:
		c.fixFailures.Inc()
	case tracking.EventReportFailed:
		c.reportFailures.Inc()
		c.reportDuration.Observe(e.Duration.Seconds())
		c.consecutiveFailures.Set(float64(e.ConsecutiveFailures))
	case tracking.EventSessionStopped:
		c.activeSessions.Dec()
		c.sessionsStopped.WithLabelValues(string(e.StopReason)).Inc()
	}
}
