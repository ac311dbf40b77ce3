// Package telem keeps recent tracking activity in RAM for the status API.
package telem

import (
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// EventRecord is the JSON form of a tracking event
type EventRecord struct {
	Type                string                   `json:"type"`
	SessionID           string                   `json:"session_id"`
	SubjectID           string                   `json:"subject_id"`
	Timestamp           time.Time                `json:"timestamp"`
	Trigger             string                   `json:"trigger,omitempty"`
	SkipReason          string                   `json:"skip_reason,omitempty"`
	DistanceMeters      float64                  `json:"distance_meters,omitempty"`
	ConsecutiveFailures int                      `json:"consecutive_failures,omitempty"`
	DurationMs          int64                    `json:"duration_ms,omitempty"`
	StopReason          string                   `json:"stop_reason,omitempty"`
	Error               string                   `json:"error,omitempty"`
	Sample              *tracking.LocationSample `json:"sample,omitempty"`
}

// Sample is a reported location kept for the subject's recent trail
type Sample struct {
	SubjectID  string                  `json:"subject_id"`
	SessionID  string                  `json:"session_id"`
	ReportedAt time.Time               `json:"reported_at"`
	Sample     tracking.LocationSample `json:"sample"`
}

// Store manages recent events and per-subject sample trails with ring buffers
type Store struct {
	mu sync.RWMutex

	retention     time.Duration
	trailCapacity int

	samples map[string]*RingBuffer[*Sample]
	events  *RingBuffer[*EventRecord]

	// Event callback for real-time forwarding
	eventCallback func(*EventRecord)
}

// NewStore creates a store keeping items for retentionHours, with at most
// maxEvents events and trailSize samples per subject
func NewStore(retentionHours, maxEvents, trailSize int) (*Store, error) {
	if retentionHours < 1 || retentionHours > 168 {
		return nil, fmt.Errorf("retention_hours must be between 1 and 168")
	}
	if maxEvents < 1 {
		return nil, fmt.Errorf("max_events must be positive")
	}
	if trailSize < 1 {
		return nil, fmt.Errorf("trail_size must be positive")
	}

	return &Store{
		retention:     time.Duration(retentionHours) * time.Hour,
		trailCapacity: trailSize,
		samples:       make(map[string]*RingBuffer[*Sample]),
		events:        NewRingBuffer(maxEvents, func(e *EventRecord) time.Time { return e.Timestamp }),
	}, nil
}

// OnTrackingEvent records e and, for reported samples, extends the subject's trail
func (s *Store) OnTrackingEvent(e tracking.Event) {
	rec := newEventRecord(e)
	s.events.Add(rec)

	if e.Type == tracking.EventSampleReported && e.Sample != nil {
		s.trail(e.SubjectID).Add(&Sample{
			SubjectID:  e.SubjectID,
			SessionID:  e.SessionID,
			ReportedAt: e.Time,
			Sample:     *e.Sample,
		})
	}

	s.mu.RLock()
	callback := s.eventCallback
	s.mu.RUnlock()
	if callback != nil {
		callback(rec)
	}
}

func newEventRecord(e tracking.Event) *EventRecord {
	rec := &EventRecord{
		Type:                string(e.Type),
		SessionID:           e.SessionID,
		SubjectID:           e.SubjectID,
		Timestamp:           e.Time,
		Trigger:             string(e.Trigger),
		SkipReason:          string(e.SkipReason),
		DistanceMeters:      e.DistanceMeters,
		ConsecutiveFailures: e.ConsecutiveFailures,
		DurationMs:          e.Duration.Milliseconds(),
		StopReason:          string(e.StopReason),
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	if e.Sample != nil {
		sample := *e.Sample
		rec.Sample = &sample
	}
	return rec
}

func (s *Store) trail(subjectID string) *RingBuffer[*Sample] {
	s.mu.Lock()
	defer s.mu.Unlock()

	rb, ok := s.samples[subjectID]
	if !ok {
		rb = NewRingBuffer(s.trailCapacity, func(smp *Sample) time.Time { return smp.ReportedAt })
		s.samples[subjectID] = rb
	}
	return rb
}

// SetEventCallback sets a callback invoked for every recorded event
func (s *Store) SetEventCallback(callback func(*EventRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = callback
}

// GetSamples returns the subject's samples reported after since, oldest first
func (s *Store) GetSamples(subjectID string, since time.Time) []*Sample {
	s.mu.RLock()
	rb, ok := s.samples[subjectID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.GetSince(since)
}

// GetEvents returns up to limit of the newest events after since, oldest first.
// A limit of zero or less returns all of them.
func (s *Store) GetEvents(since time.Time, limit int) []*EventRecord {
	events := s.events.GetSince(since)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// GetSubjects returns the subjects with a recorded trail
func (s *Store) GetSubjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjects := make([]string, 0, len(s.samples))
	for id := range s.samples {
		subjects = append(subjects, id)
	}
	return subjects
}

// Cleanup drops everything older than the retention window
func (s *Store) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.retention)
	removed := s.events.RemoveBefore(cutoff)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rb := range s.samples {
		removed += rb.RemoveBefore(cutoff)
		if rb.Size() == 0 {
			delete(s.samples, id)
		}
	}
	return removed
}
