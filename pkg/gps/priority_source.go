package gps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// PrioritySource tries its sources in order and returns the first fix produced.
// Only sources that granted permission are queried.
type PrioritySource struct {
	sources []Source
	logger  *logx.Logger

	mu      sync.Mutex
	granted map[string]bool
	health  map[string]*SourceHealth
}

// NewPrioritySource creates a fallback chain; sources earlier in the list win
func NewPrioritySource(logger *logx.Logger, sources ...Source) *PrioritySource {
	health := make(map[string]*SourceHealth, len(sources))
	for _, s := range sources {
		health[s.GetName()] = &SourceHealth{}
	}
	return &PrioritySource{
		sources: sources,
		logger:  logger,
		granted: make(map[string]bool, len(sources)),
		health:  health,
	}
}

func (ps *PrioritySource) GetName() string {
	return "priority"
}

// RequestPermission asks every source and grants if at least one does
func (ps *PrioritySource) RequestPermission(ctx context.Context) bool {
	anyGranted := false
	for _, s := range ps.sources {
		ok := s.RequestPermission(ctx)
		ps.mu.Lock()
		ps.granted[s.GetName()] = ok
		ps.health[s.GetName()].Available = ok
		ps.mu.Unlock()
		if ok {
			anyGranted = true
		}
	}

	ps.logger.Info("Location permission checked", "granted", anyGranted, "sources", len(ps.sources))
	return anyGranted
}

// CurrentFix walks the sources by priority
func (ps *PrioritySource) CurrentFix(ctx context.Context, desiredAccuracy float64) (*tracking.Fix, error) {
	var errs []error
	tried := 0

	for _, s := range ps.sources {
		name := s.GetName()
		if !ps.isGranted(name) {
			continue
		}
		tried++

		start := time.Now()
		fix, err := s.CurrentFix(ctx, desiredAccuracy)
		if err == nil && fix == nil {
			err = tracking.ErrNoFix
		}
		if err != nil {
			ps.recordError(name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			ps.logger.Debug("Location source failed, trying next", "source", name, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		ps.recordSuccess(name, time.Since(start))
		return fix, nil
	}

	if tried == 0 {
		return nil, tracking.NewLocationError(tracking.LocationPermissionDenied, errors.New("no location source granted"))
	}
	if ctx.Err() != nil {
		return nil, tracking.NewLocationError(tracking.LocationTimeout, errors.Join(errs...))
	}
	return nil, tracking.NewLocationError(tracking.LocationUnavailable, errors.Join(errs...))
}

// GetSourceHealthStatus returns health of all sources
func (ps *PrioritySource) GetSourceHealthStatus() map[string]SourceHealth {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make(map[string]SourceHealth, len(ps.health))
	for name, h := range ps.health {
		out[name] = *h
	}
	return out
}

func (ps *PrioritySource) isGranted(name string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.granted[name]
}

func (ps *PrioritySource) recordSuccess(name string, latency time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.health[name].recordSuccess(latency, time.Now())
}

func (ps *PrioritySource) recordError(name string, err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.health[name].recordError(err)
}
