package tracking

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
)

// stopOnLog runs stop when a log line with message is written. The scheduler logs
// "Location reported" after the result was accepted and before its event goes out.
type stopOnLog struct {
	message string
	stop    func()
	once    sync.Once
}

func (h *stopOnLog) Levels() []logrus.Level { return logrus.AllLevels }

func (h *stopOnLog) Fire(e *logrus.Entry) error {
	if e.Message == h.message {
		h.once.Do(h.stop)
	}
	return nil
}

type stopOnEvent struct {
	typ  EventType
	stop func()
	once sync.Once
}

func (o *stopOnEvent) OnTrackingEvent(e Event) {
	if e.Type == o.typ {
		o.once.Do(o.stop)
	}
}

func TestStopAfterAcceptedReportIsDeliveredLast(t *testing.T) {
	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.DebugLevel)

	var scheduler *Scheduler
	base.AddHook(&stopOnLog{message: "Location reported", stop: func() { scheduler.Stop() }})

	events := &eventRecorder{}
	scheduler, err := NewScheduler(newFakeSource(fixAt(1, 1, 10)), &fakeReporter{}, Options{
		Observers: []Observer{events},
		Logger:    logx.FromLogrus(base, "tracking"),
	})
	require.NoError(t, err)

	sess, err := scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	<-sess.Done()
	sess.Wait()

	assert.Equal(t, []EventType{EventSessionStarted, EventSampleReported, EventSessionStopped}, events.types())
	stopped := events.ofType(EventSessionStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StopManual, stopped[0].StopReason)

	snap := sess.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 1, snap.Stats.Reported)
	assert.Nil(t, scheduler.Current())
}

func TestStopFromObserverIsDeliveredAfterCurrentEvent(t *testing.T) {
	h := newHarness(nil, fixAt(1, 1, 10))
	stopper := &stopOnEvent{typ: EventSampleReported, stop: func() { h.scheduler.Stop() }}
	h.scheduler.observers = []Observer{stopper, h.events}

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	sess.Wait()

	assert.Equal(t, []EventType{EventSessionStarted, EventSampleReported, EventSessionStopped}, h.events.types())
	assert.Equal(t, StateStopped, sess.State())
}

func TestStopFromTerminalFailureObserverDoesNotDeadlock(t *testing.T) {
	h := newHarness(nil, fixAt(1, 1, 10))
	stopper := &stopOnEvent{typ: EventTerminalFailure, stop: func() { h.scheduler.Stop() }}
	h.scheduler.observers = []Observer{stopper, h.events}
	h.reporter.failNext(MaxConsecutiveFailures)

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	for i := 1; i < MaxConsecutiveFailures; i++ {
		h.tick(sess)
	}

	<-sess.Done()
	sess.Wait()
	assert.ErrorIs(t, sess.Err(), ErrTooManyFailures)
	assert.Len(t, h.events.ofType(EventSessionStopped), 1)
	assert.Len(t, h.events.ofType(EventTerminalFailure), 1)
}

func TestSnapshotOmitsStoppedAtWhileActive(t *testing.T) {
	h := newHarness(nil, fixAt(1, 1, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)

	data, err := json.Marshal(sess.Snapshot())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stopped_at")

	sess.Stop()
	snap := sess.Snapshot()
	require.NotNil(t, snap.StoppedAt)
	data, err = json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stopped_at"`)
}
