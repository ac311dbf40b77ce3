// Package tracking samples a subject's position on a timer for the length of a work
// shift, filters low quality and redundant fixes, and reports the rest to the backend.
//
// A Scheduler owns at most one active Session. Cycles within a session are serialized:
// a tick that arrives while the previous cycle is still waiting on the network is
// skipped, so reports reach the TelemetryReporter in capture order and never overlap.
// After MaxConsecutiveFailures failed reports in a row the session stops itself and
// surfaces ErrTooManyFailures through Session.Err, Session.Done and a terminal_failure event.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
)

// Options carries the optional collaborators of a Scheduler
type Options struct {
	Geocoder  ReverseGeocoder
	Lifecycle LifecycleMonitor
	Observers []Observer
	Logger    *logx.Logger
}

// Scheduler runs tracking sessions
type Scheduler struct {
	source    GeolocationSource
	reporter  TelemetryReporter
	geocoder  ReverseGeocoder
	lifecycle LifecycleMonitor
	observers []Observer
	logger    *logx.Logger

	now       func() time.Time
	newID     func() string
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu      sync.Mutex
	current *Session
}

// NewScheduler creates a scheduler sampling from source and reporting to reporter
func NewScheduler(source GeolocationSource, reporter TelemetryReporter, opts Options) (*Scheduler, error) {
	if source == nil {
		return nil, errors.New("tracking: geolocation source is required")
	}
	if reporter == nil {
		return nil, errors.New("tracking: telemetry reporter is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("info", "tracking")
	}

	return &Scheduler{
		source:    source,
		reporter:  reporter,
		geocoder:  opts.Geocoder,
		lifecycle: opts.Lifecycle,
		observers: append([]Observer(nil), opts.Observers...),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}, nil
}

// Current returns the active session, or nil
func (s *Scheduler) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Start requests location permission, replaces any active session with a new one,
// runs one sample-and-report cycle immediately and then one per cfg.Interval.
// On denial it returns ErrPermissionDenied and no session is created.
func (s *Scheduler) Start(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !s.source.RequestPermission(ctx) {
		s.logger.Warn("Location permission denied", "subject_id", cfg.SubjectID)
		return nil, fmt.Errorf("%w: subject %s", ErrPermissionDenied, cfg.SubjectID)
	}

	sess := newSession(s.newID(), cfg, s.now())
	sess.stopFn = func(reason StopReason, err error) { s.stopSession(sess, reason, err) }

	s.mu.Lock()
	prev := s.current
	replaced := false
	if prev != nil {
		stopped, deferred := prev.terminate(StopReplaced, nil, s.now())
		replaced = stopped && !deferred
	}
	sess.activate()
	s.current = sess
	s.mu.Unlock()

	if replaced {
		s.reportStopped(prev, StopReplaced, nil)
	}

	if s.lifecycle != nil {
		unsubscribe := s.lifecycle.Subscribe(func(state AppState) { s.onAppState(sess, state) })
		if !sess.setUnsubscribe(unsubscribe) {
			unsubscribe()
		}
	}

	s.logger.Info("Tracking session started",
		"session_id", sess.id,
		"subject_id", cfg.SubjectID,
		"interval", cfg.Interval.String(),
		"min_accuracy_meters", cfg.MinAccuracyMeters,
		"allow_background", cfg.BackgroundAllowed())
	s.emit(sess, Event{Type: EventSessionStarted, Trigger: TriggerStart})
	s.finishEmit(sess)

	if sess.beginCycle() == cycleStarted {
		s.sampleAndReport(sess, TriggerStart)
		sess.endCycle()
	}

	ticks, stopTicker := s.newTicker(cfg.Interval)
	go s.loop(sess, ticks, stopTicker)

	return sess, nil
}

// Stop ends the active session, if any. It is safe to call at any time.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()

	if sess != nil {
		s.stopSession(sess, StopManual, nil)
	}
}

func (s *Scheduler) stopSession(sess *Session, reason StopReason, err error) {
	stopped, deferred := sess.terminate(reason, err, s.now())
	if !stopped {
		return
	}

	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()

	// an event admitted before the stop is still being delivered; its
	// goroutine reports the stop once that delivery is done
	if !deferred {
		s.reportStopped(sess, reason, err)
	}
}

// finishEmit closes an admitted delivery and, if the session stopped meanwhile,
// delivers the stop events that were held back
func (s *Scheduler) finishEmit(sess *Session) {
	if !sess.endEmit() {
		return
	}
	snap := sess.Snapshot()
	s.reportStopped(sess, snap.StopReason, snap.Err)
	sess.stopDelivered()
}

func (s *Scheduler) reportStopped(sess *Session, reason StopReason, err error) {
	snap := sess.Snapshot()

	if reason == StopFailures {
		s.logger.Error("Tracking session stopped after repeated report failures",
			"session_id", sess.id,
			"subject_id", sess.cfg.SubjectID,
			"reported", snap.Stats.Reported,
			"report_failures", snap.Stats.ReportFailures,
			"error", err)
	} else {
		s.logger.Info("Tracking session stopped",
			"session_id", sess.id,
			"subject_id", sess.cfg.SubjectID,
			"reason", string(reason),
			"reported", snap.Stats.Reported)
	}

	s.emit(sess, Event{Type: EventSessionStopped, StopReason: reason, Err: err})
	if reason == StopFailures {
		s.emit(sess, Event{
			Type:                EventTerminalFailure,
			StopReason:          reason,
			ConsecutiveFailures: MaxConsecutiveFailures,
			Err:                 err,
		})
	}
}

func (s *Scheduler) loop(sess *Session, ticks <-chan time.Time, stopTicker func()) {
	defer stopTicker()

	for {
		select {
		case <-sess.Done():
			return
		case <-ticks:
			s.onTick(sess)
		}
	}
}

func (s *Scheduler) onTick(sess *Session) {
	if sess.suppressed() {
		if sess.countSkip() {
			s.emit(sess, Event{Type: EventSampleSkipped, Trigger: TriggerTimer, SkipReason: SkipBackground})
			s.finishEmit(sess)
		}
		return
	}
	s.dispatch(sess, TriggerTimer)
}

// dispatch claims the session's cycle slot synchronously, then runs the cycle in
// its own goroutine so the caller never waits on the network
func (s *Scheduler) dispatch(sess *Session, trigger Trigger) {
	switch sess.beginCycle() {
	case cycleStarted:
		go func() {
			defer sess.endCycle()
			s.sampleAndReport(sess, trigger)
		}()
	case cycleBusy:
		if !sess.countSkip() {
			return
		}
		s.logger.Debug("Previous cycle still in flight, skipping", "session_id", sess.id, "trigger", string(trigger))
		s.emit(sess, Event{Type: EventSampleSkipped, Trigger: trigger, SkipReason: SkipBusy})
		s.finishEmit(sess)
	}
}

func (s *Scheduler) onAppState(sess *Session, state AppState) {
	if sess.cfg.BackgroundAllowed() {
		s.logger.Debug("Ignoring app state change, background sampling allowed",
			"session_id", sess.id, "app_state", state.String())
		return
	}
	if !sess.IsActive() {
		return
	}

	if sess.setBackgrounded(state == AppBackground) {
		s.logger.Info("App state changed", "session_id", sess.id, "app_state", state.String())
	}
	if state == AppForeground {
		s.dispatch(sess, TriggerForeground)
	}
}

// sampleAndReport runs one cycle: geolocation, accuracy gate, distance filter,
// reverse geocoding and reporting. Every result is dropped once the session stops.
func (s *Scheduler) sampleAndReport(sess *Session, trigger Trigger) {
	cfg := sess.cfg
	started := s.now()

	fix, err := s.currentFix(cfg)
	if !sess.IsActive() {
		s.logger.Debug("Session stopped during geolocation, discarding fix", "session_id", sess.id)
		return
	}
	if err != nil {
		if !sess.countFixFailure() {
			return
		}
		s.logger.Warn("Failed to get location fix", "session_id", sess.id, "trigger", string(trigger), "error", err)
		s.emit(sess, Event{Type: EventFixFailed, Trigger: trigger, Err: err})
		s.finishEmit(sess)
		return
	}

	if reason, ok := screenFix(*fix, cfg.MinAccuracyMeters); !ok {
		if !sess.countSkip() {
			return
		}
		s.logger.LogDebugVerbose("fix_rejected", map[string]interface{}{
			"session_id":   sess.id,
			"reason":       string(reason),
			"accuracy":     fix.Accuracy,
			"max_accuracy": cfg.MinAccuracyMeters,
		})
		s.emit(sess, Event{Type: EventSampleSkipped, Trigger: trigger, SkipReason: reason})
		s.finishEmit(sess)
		return
	}

	report, distance := ShouldReport(sess.lastReportedSample(), *fix)
	if !report {
		if !sess.countSkip() {
			return
		}
		s.logger.LogDebugVerbose("fix_not_moved", map[string]interface{}{
			"session_id":      sess.id,
			"distance_meters": distance,
		})
		s.emit(sess, Event{Type: EventSampleSkipped, Trigger: trigger, SkipReason: SkipDistance, DistanceMeters: distance})
		s.finishEmit(sess)
		return
	}

	address := s.resolveAddress(sess, *fix)
	if !sess.IsActive() {
		s.logger.Debug("Session stopped during geocoding, discarding fix", "session_id", sess.id)
		return
	}

	sample := NewSample(*fix, address, s.now())
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	reportErr := s.reporter.ReportLocation(ctx, cfg.SubjectID, sample)
	cancel()
	elapsed := s.now().Sub(started)

	outcome := sess.recordReport(sample, reportErr)
	switch {
	case outcome.discarded:
		s.logger.Debug("Session stopped during reporting, discarding result", "session_id", sess.id)

	case reportErr == nil:
		s.logger.Debug("Location reported",
			"session_id", sess.id,
			"subject_id", cfg.SubjectID,
			"accuracy", sample.Accuracy,
			"distance_meters", distance,
			"duration", elapsed.String())
		s.emit(sess, Event{
			Type:           EventSampleReported,
			Trigger:        trigger,
			Sample:         &sample,
			DistanceMeters: distance,
			Duration:       elapsed,
		})
		s.finishEmit(sess)

	default:
		s.logger.Warn("Failed to report location",
			"session_id", sess.id,
			"subject_id", cfg.SubjectID,
			"consecutive_failures", outcome.failures,
			"max_failures", MaxConsecutiveFailures,
			"error", reportErr)
		s.emit(sess, Event{
			Type:                EventReportFailed,
			Trigger:             trigger,
			Sample:              &sample,
			ConsecutiveFailures: outcome.failures,
			Duration:            elapsed,
			Err:                 reportErr,
		})
		s.finishEmit(sess)

		if outcome.tripped {
			s.stopSession(sess, StopFailures,
				fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailures, outcome.failures, reportErr))
		}
	}
}

func (s *Scheduler) currentFix(cfg Config) (*Fix, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()

	fix, err := s.source.CurrentFix(ctx, cfg.MinAccuracyMeters)
	if err != nil {
		return nil, err
	}
	if fix == nil {
		return nil, ErrNoFix
	}
	return fix, nil
}

// resolveAddress is best effort; any failure yields a sample without an address
func (s *Scheduler) resolveAddress(sess *Session, fix Fix) string {
	if s.geocoder == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), sess.cfg.CallTimeout)
	defer cancel()

	address, err := s.geocoder.Resolve(ctx, fix.Latitude, fix.Longitude)
	if err != nil {
		s.logger.Debug("Reverse geocoding failed, reporting without address", "session_id", sess.id, "error", err)
		return ""
	}
	return address
}

func (s *Scheduler) emit(sess *Session, e Event) {
	if len(s.observers) == 0 {
		return
	}
	e.SessionID = sess.id
	e.SubjectID = sess.cfg.SubjectID
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	if e.Type != EventReportFailed && e.Type != EventTerminalFailure {
		e.ConsecutiveFailures = sess.consecutiveFailures()
	}
	for _, o := range s.observers {
		o.OnTrackingEvent(e)
	}
}
