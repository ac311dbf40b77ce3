// Package lifecycle tracks whether the host application is in the foreground and
// fans transitions out to subscribers such as the tracking scheduler.
package lifecycle

import (
	"sync"

	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// Monitor is an in-process tracking.LifecycleMonitor. The platform glue calls Set
// whenever the app changes visibility.
type Monitor struct {
	mu     sync.Mutex
	state  tracking.AppState
	nextID int
	subs   map[int]func(tracking.AppState)
}

// NewMonitor creates a monitor starting in the given state
func NewMonitor(initial tracking.AppState) *Monitor {
	return &Monitor{
		state: initial,
		subs:  make(map[int]func(tracking.AppState)),
	}
}

// Subscribe registers callback for future transitions
func (m *Monitor) Subscribe(callback func(tracking.AppState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = callback

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Set records a new state and notifies subscribers if it differs from the current one.
// Callbacks run on the caller's goroutine, outside the monitor's lock.
func (m *Monitor) Set(state tracking.AppState) bool {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return false
	}
	m.state = state
	callbacks := make([]func(tracking.AppState), 0, len(m.subs))
	for _, cb := range m.subs {
		callbacks = append(callbacks, cb)
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(state)
	}
	return true
}

func (m *Monitor) State() tracking.AppState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribers returns the number of registered callbacks
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}
