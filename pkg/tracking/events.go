package tracking

import "time"

// EventType names something that happened in a tracking session
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventSampleReported  EventType = "sample_reported"
	EventSampleSkipped   EventType = "sample_skipped"
	EventFixFailed       EventType = "fix_failed"
	EventReportFailed    EventType = "report_failed"
	EventSessionStopped  EventType = "session_stopped"
	EventTerminalFailure EventType = "terminal_failure"
)

// StopReason records why a session reached StateStopped
type StopReason string

const (
	StopManual   StopReason = "manual"
	StopReplaced StopReason = "replaced"
	StopFailures StopReason = "failures"
)

// Trigger records what started a sample-and-report cycle
type Trigger string

const (
	TriggerStart      Trigger = "start"
	TriggerTimer      Trigger = "timer"
	TriggerForeground Trigger = "foreground"
)

// Event is delivered to observers. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	SessionID string
	SubjectID string
	Time      time.Time
	Trigger   Trigger

	Sample              *LocationSample
	SkipReason          SkipReason
	DistanceMeters      float64
	ConsecutiveFailures int
	Duration            time.Duration

	StopReason StopReason
	Err        error
}

// Observer receives session events synchronously, possibly from several goroutines.
// Implementations must be safe for concurrent use and should return quickly.
type Observer interface {
	OnTrackingEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) OnTrackingEvent(e Event) {
	f(e)
}
