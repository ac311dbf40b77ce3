package tracking

import (
	"sync"
	"time"
)

// Session is the handle for one tracking run of one subject. It is created by
// Scheduler.Start and reaches StateStopped exactly once; a stopped session cannot resume.
type Session struct {
	id        string
	cfg       Config
	startedAt time.Time
	done      chan struct{}
	stopFn    func(StopReason, error)

	mu           sync.Mutex
	idle         *sync.Cond
	state        State
	running      bool
	backgrounded bool
	lastReported *LocationSample
	breaker      *FailureBreaker
	unsubscribe  func()
	stoppedAt    time.Time
	stopReason   StopReason
	err          error
	stats        SessionStats

	// emitting counts event deliveries admitted while active and not yet finished.
	// A stop arriving meanwhile sets stopPending and its events go out after them.
	emitting    int
	stopPending bool
}

// SessionStats counts cycle outcomes over the life of a session
type SessionStats struct {
	Cycles         int `json:"cycles"`
	Reported       int `json:"reported"`
	Skipped        int `json:"skipped"`
	FixFailures    int `json:"fix_failures"`
	ReportFailures int `json:"report_failures"`
}

// Snapshot is a point-in-time copy of session state
type Snapshot struct {
	ID                  string          `json:"id"`
	SubjectID           string          `json:"subject_id"`
	State               State           `json:"state"`
	Config              Config          `json:"config"`
	StartedAt           time.Time       `json:"started_at"`
	StoppedAt           *time.Time      `json:"stopped_at,omitempty"`
	StopReason          StopReason      `json:"stop_reason,omitempty"`
	Err                 error           `json:"-"`
	LastReported        *LocationSample `json:"last_reported,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Backgrounded        bool            `json:"backgrounded"`
	Stats               SessionStats    `json:"stats"`
}

type cycleGate int

const (
	cycleStarted cycleGate = iota
	cycleBusy
	cycleClosed
)

type reportOutcome struct {
	discarded bool
	failures  int
	tripped   bool
}

func newSession(id string, cfg Config, now time.Time) *Session {
	s := &Session{
		id:        id,
		cfg:       cfg,
		startedAt: now,
		done:      make(chan struct{}),
		state:     StateIdle,
		breaker:   NewFailureBreaker(MaxConsecutiveFailures),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

func (s *Session) ID() string        { return s.id }
func (s *Session) SubjectID() string { return s.cfg.SubjectID }
func (s *Session) Config() Config    { return s.cfg }

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether the session is still sampling
func (s *Session) IsActive() bool {
	return s.State() == StateActive
}

// Done is closed when the session stops for any reason
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal failure that stopped the session, or nil
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the session. Calling it more than once is safe.
func (s *Session) Stop() {
	if s.stopFn != nil {
		s.stopFn(StopManual, nil)
		return
	}
	s.terminate(StopManual, nil, time.Now())
}

// Wait blocks until no cycle is in flight and every event, the stop events
// included, has been delivered to observers. Results of a cycle that completes
// after Stop are discarded, so Wait is mostly useful for orderly shutdown.
func (s *Session) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running || s.emitting > 0 || s.stopPending {
		s.idle.Wait()
	}
}

// Snapshot returns a copy of the session state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:                  s.id,
		SubjectID:           s.cfg.SubjectID,
		State:               s.state,
		Config:              s.cfg,
		StartedAt:           s.startedAt,
		StopReason:          s.stopReason,
		Err:                 s.err,
		ConsecutiveFailures: s.breaker.Failures(),
		Backgrounded:        s.backgrounded,
		Stats:               s.stats,
	}
	if !s.stoppedAt.IsZero() {
		stoppedAt := s.stoppedAt
		snap.StoppedAt = &stoppedAt
	}
	if s.lastReported != nil {
		last := *s.lastReported
		snap.LastReported = &last
	}
	return snap
}

func (s *Session) activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	s.state = StateActive
	// held for the session_started event
	s.emitting = 1
	return true
}

// setUnsubscribe stores the lifecycle unsubscribe handle; false means the session
// already stopped and the caller must unsubscribe itself
func (s *Session) setUnsubscribe(unsubscribe func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return false
	}
	s.unsubscribe = unsubscribe
	return true
}

func (s *Session) beginCycle() cycleGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return cycleClosed
	}
	if s.running {
		return cycleBusy
	}
	s.running = true
	s.stats.Cycles++
	return cycleStarted
}

func (s *Session) endCycle() {
	s.mu.Lock()
	s.running = false
	s.idle.Broadcast()
	s.mu.Unlock()
}

// setBackgrounded records app visibility and reports whether it changed
func (s *Session) setBackgrounded(background bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.backgrounded != background
	s.backgrounded = background
	return changed
}

func (s *Session) suppressed() bool {
	if s.cfg.BackgroundAllowed() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backgrounded
}

func (s *Session) lastReportedSample() *LocationSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReported == nil {
		return nil
	}
	last := *s.lastReported
	return &last
}

func (s *Session) consecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker.Failures()
}

// countSkip and countFixFailure only count while active so discarded cycles leave
// no trace. A true result admits one event delivery that must be closed with endEmit.
func (s *Session) countSkip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.stats.Skipped++
	s.emitting++
	return true
}

func (s *Session) countFixFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.stats.FixFailures++
	s.emitting++
	return true
}

// endEmit closes one admitted delivery. It returns true when the session stopped
// while deliveries were open and this was the last one; the caller then delivers
// the stop events and calls stopDelivered.
func (s *Session) endEmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitting--
	if s.emitting == 0 && s.stopPending {
		return true
	}
	s.idle.Broadcast()
	return false
}

func (s *Session) stopDelivered() {
	s.mu.Lock()
	s.stopPending = false
	s.idle.Broadcast()
	s.mu.Unlock()
}

// recordReport applies a report result to the session, discarding it once stopped.
// An accepted result admits one event delivery.
func (s *Session) recordReport(sample LocationSample, err error) reportOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return reportOutcome{discarded: true}
	}
	s.emitting++

	if err == nil {
		s.breaker.RecordSuccess()
		s.lastReported = &sample
		s.stats.Reported++
		return reportOutcome{}
	}

	s.stats.ReportFailures++
	tripped := s.breaker.RecordFailure()
	return reportOutcome{failures: s.breaker.Failures(), tripped: tripped}
}

// terminate moves the session to StateStopped. stopped is false if it already was.
// deferred means event deliveries are still open and the last of them must
// report the stop.
func (s *Session) terminate(reason StopReason, err error, now time.Time) (stopped, deferred bool) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return false, false
	}
	s.state = StateStopped
	s.stoppedAt = now
	s.stopReason = reason
	s.err = err
	s.lastReported = nil
	s.breaker.Reset()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.stopPending = s.emitting > 0
	deferred = s.stopPending
	close(s.done)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return true, deferred
}
