package tracking

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerRequiresCollaborators(t *testing.T) {
	_, err := NewScheduler(nil, &fakeReporter{}, Options{})
	assert.Error(t, err)

	_, err = NewScheduler(newFakeSource(), nil, Options{})
	assert.Error(t, err)

	s, err := NewScheduler(newFakeSource(), &fakeReporter{}, Options{})
	require.NoError(t, err)
	assert.Nil(t, s.Current())
}

func TestStartReportsFirstSampleImmediately(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	assert.Equal(t, StateActive, sess.State())
	assert.Equal(t, "42", sess.SubjectID())
	assert.NotEmpty(t, sess.ID())
	assert.Same(t, sess, h.scheduler.Current())

	require.Equal(t, 1, h.reporter.calls())
	assert.Equal(t, "42", h.reporter.subjects[0])
	assert.Equal(t, 1.0, h.reporter.last().Latitude)

	snap := sess.Snapshot()
	require.NotNil(t, snap.LastReported)
	assert.Equal(t, 1.0, snap.LastReported.Longitude)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 1, snap.Stats.Reported)
	assert.Len(t, h.events.ofType(EventSessionStarted), 1)
	assert.Len(t, h.events.ofType(EventSampleReported), 1)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	h := newHarness(nil, fixAt(1, 1, 10))

	_, err := h.scheduler.Start(context.Background(), Config{SubjectID: "  "})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testConfig("42")
	cfg.Interval = -time.Second
	_, err = h.scheduler.Start(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	assert.Nil(t, h.scheduler.Current())
	assert.Equal(t, 0, h.reporter.calls())
}

func TestStartPermissionDenied(t *testing.T) {
	h := newHarness(nil, fixAt(1, 1, 10))
	h.source.permission = false

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Nil(t, sess)
	assert.Nil(t, h.scheduler.Current())
	assert.Equal(t, 0, h.reporter.calls())
	assert.Equal(t, 0, h.monitor.subscribers())
	assert.Empty(t, h.events.ofType(EventSessionStarted))
}

func TestStationaryFixIsNotReportedAgain(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	before := sess.Snapshot().LastReported
	h.tick(sess)

	assert.Equal(t, 1, h.reporter.calls())
	assert.Equal(t, before, sess.Snapshot().LastReported)
	assert.Equal(t, 1, h.events.skips(SkipDistance))
}

func TestMovementBeyondThresholdIsReported(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	// about 5.6 m, suppressed
	h.source.set(fixAt(1.00005, 1.0, 10))
	h.tick(sess)
	assert.Equal(t, 1, h.reporter.calls())

	// about 11.1 m from the last reported fix
	h.source.set(fixAt(1.0001, 1.0, 10))
	h.tick(sess)
	require.Equal(t, 2, h.reporter.calls())
	assert.Equal(t, 1.0001, sess.Snapshot().LastReported.Latitude)

	reported := h.events.ofType(EventSampleReported)
	require.Len(t, reported, 2)
	assert.InDelta(t, 11.12, reported[1].DistanceMeters, 0.01)
}

func TestAccuracyGateSkipsWithoutTouchingFailures(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	h.reporter.failNext(1)

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()
	require.Equal(t, 1, sess.Snapshot().ConsecutiveFailures)

	h.source.set(fixAt(2.0, 2.0, 150))
	h.tick(sess)

	assert.Equal(t, 1, h.reporter.calls())
	assert.Equal(t, 1, sess.Snapshot().ConsecutiveFailures)
	assert.Equal(t, 1, h.events.skips(SkipAccuracy))
	assert.Equal(t, StateActive, sess.State())
}

func TestAccuracyAtToleranceIsAccepted(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 100))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	assert.Equal(t, 1, h.reporter.calls())
}

func TestInvalidFixIsSkipped(t *testing.T) {
	h := newHarness(nil, fixAt(91, 1.0, 5))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	h.source.set(fixAt(1, 1, -3))
	h.tick(sess)

	assert.Equal(t, 0, h.reporter.calls())
	assert.Equal(t, 2, h.events.skips(SkipInvalidFix))
}

func TestGeolocationFailureIsNotAReportFailure(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	h.source.fail(NewLocationError(LocationTimeout, context.DeadlineExceeded))

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	assert.Equal(t, 0, h.reporter.calls())
	assert.Equal(t, 0, sess.Snapshot().ConsecutiveFailures)
	assert.Equal(t, 1, sess.Snapshot().Stats.FixFailures)

	failed := h.events.ofType(EventFixFailed)
	require.Len(t, failed, 1)
	var locErr *LocationError
	require.True(t, errors.As(failed[0].Err, &locErr))
	assert.Equal(t, LocationTimeout, locErr.Code)

	h.tick(sess)
	assert.Equal(t, 1, h.reporter.calls())
}

func TestBreakerTripsAfterFiveConsecutiveFailures(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	h.reporter.failNext(5)

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)

	for i := 2; i <= 4; i++ {
		h.tick(sess)
		assert.Equal(t, i, sess.Snapshot().ConsecutiveFailures)
		assert.Equal(t, StateActive, sess.State())
	}

	h.tick(sess)

	assert.Equal(t, StateStopped, sess.State())
	assert.Equal(t, 5, h.reporter.calls())
	assert.ErrorIs(t, sess.Err(), ErrTooManyFailures)
	assert.ErrorIs(t, sess.Err(), errReport)
	assert.Nil(t, h.scheduler.Current())
	assert.Equal(t, 0, h.monitor.subscribers())

	select {
	case <-sess.Done():
	default:
		t.Fatal("Done not closed after breaker tripped")
	}

	terminal := h.events.ofType(EventTerminalFailure)
	require.Len(t, terminal, 1)
	assert.Equal(t, MaxConsecutiveFailures, terminal[0].ConsecutiveFailures)
	assert.ErrorIs(t, terminal[0].Err, ErrTooManyFailures)

	stopped := h.events.ofType(EventSessionStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, StopFailures, stopped[0].StopReason)

	snap := sess.Snapshot()
	assert.Nil(t, snap.LastReported)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 5, snap.Stats.ReportFailures)

	h.tick(sess)
	assert.Equal(t, 5, h.reporter.calls())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	h.reporter.failNext(4)

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	for i := 0; i < 3; i++ {
		h.tick(sess)
	}
	assert.Equal(t, 4, sess.Snapshot().ConsecutiveFailures)

	h.tick(sess)

	snap := sess.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, StateActive, snap.State)
	assert.NotNil(t, snap.LastReported)
	assert.Empty(t, h.events.ofType(EventTerminalFailure))
}

func TestTicksAreSkippedWhileCycleInFlight(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	entered, release := h.reporter.block()
	h.source.set(fixAt(1.001, 1.0, 10), fixAt(1.002, 1.0, 10))

	h.scheduler.onTick(sess)
	<-entered

	h.scheduler.onTick(sess)
	h.scheduler.onTick(sess)
	assert.Equal(t, 2, h.events.skips(SkipBusy))

	close(release)
	sess.Wait()

	assert.Equal(t, 2, h.reporter.calls())
	assert.Equal(t, 1, h.reporter.maxInFlight)
	assert.Equal(t, 1.001, sess.Snapshot().LastReported.Latitude)
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)

	entered, release := h.reporter.block()
	h.reporter.failNext(1)
	h.source.set(fixAt(1.01, 1.0, 10))

	h.scheduler.onTick(sess)
	<-entered
	h.scheduler.Stop()
	close(release)
	sess.Wait()

	snap := sess.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, StopManual, snap.StopReason)
	assert.NoError(t, snap.Err)
	assert.Nil(t, snap.LastReported)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 0, snap.Stats.ReportFailures)
	assert.Empty(t, h.events.ofType(EventReportFailed))
	assert.Len(t, h.events.ofType(EventSampleReported), 1)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))

	h.scheduler.Stop()

	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	require.Equal(t, 1, h.monitor.subscribers())

	sess.Stop()
	sess.Stop()
	h.scheduler.Stop()

	assert.Equal(t, StateStopped, sess.State())
	assert.Equal(t, 0, h.monitor.subscribers())
	assert.Len(t, h.events.ofType(EventSessionStopped), 1)
	assert.Nil(t, h.scheduler.Current())
}

func TestStartReplacesActiveSession(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))

	first, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	second, err := h.scheduler.Start(context.Background(), testConfig("43"))
	require.NoError(t, err)
	defer second.Stop()

	assert.Equal(t, StateStopped, first.State())
	assert.Equal(t, StopReplaced, first.Snapshot().StopReason)
	assert.Equal(t, StateActive, second.State())
	assert.Same(t, second, h.scheduler.Current())
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, 1, h.monitor.subscribers())

	// the new session has no baseline, so the same coordinates are reported again
	assert.Equal(t, 2, h.reporter.calls())
	assert.Equal(t, "43", h.reporter.subjects[1])
}

func TestGeocoderAddressIsAttached(t *testing.T) {
	h := newHarness(&fakeGeocoder{address: "Storgatan 1, Stockholm"}, fixAt(1.0, 1.0, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	assert.Equal(t, "Storgatan 1, Stockholm", h.reporter.last().Address)
}

func TestGeocoderFailureIsAbsorbed(t *testing.T) {
	h := newHarness(&fakeGeocoder{err: errors.New("quota exceeded")}, fixAt(1.0, 1.0, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	require.Equal(t, 1, h.reporter.calls())
	assert.Empty(t, h.reporter.last().Address)
	assert.Equal(t, 0, sess.Snapshot().ConsecutiveFailures)
}

func TestBackgroundSuppressesTicksWhenNotAllowed(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	cfg := testConfig("42")
	cfg.AllowBackground = Bool(false)

	sess, err := h.scheduler.Start(context.Background(), cfg)
	require.NoError(t, err)
	defer sess.Stop()

	h.monitor.publish(AppBackground)
	assert.True(t, sess.Snapshot().Backgrounded)

	h.source.set(fixAt(1.01, 1.0, 10))
	h.tick(sess)
	h.tick(sess)
	assert.Equal(t, 1, h.reporter.calls())
	assert.Equal(t, 2, h.events.skips(SkipBackground))

	h.monitor.publish(AppForeground)
	sess.Wait()
	assert.Equal(t, 2, h.reporter.calls())
	assert.False(t, sess.Snapshot().Backgrounded)

	reported := h.events.ofType(EventSampleReported)
	require.Len(t, reported, 2)
	assert.Equal(t, TriggerForeground, reported[1].Trigger)

	h.source.set(fixAt(1.02, 1.0, 10))
	h.tick(sess)
	assert.Equal(t, 3, h.reporter.calls())
}

func TestBackgroundIgnoredWhenAllowed(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)
	defer sess.Stop()

	h.monitor.publish(AppBackground)
	assert.False(t, sess.Snapshot().Backgrounded)

	h.source.set(fixAt(1.01, 1.0, 10))
	h.tick(sess)
	assert.Equal(t, 2, h.reporter.calls())
	assert.Equal(t, 0, h.events.skips(SkipBackground))
}

func TestTimerLoopDrivesCycles(t *testing.T) {
	h := newHarness(nil, fixAt(1.0, 1.0, 10))
	sess, err := h.scheduler.Start(context.Background(), testConfig("42"))
	require.NoError(t, err)

	h.source.set(fixAt(1.01, 1.0, 10))
	h.ticks <- time.Now()

	assert.Eventually(t, func() bool { return h.reporter.calls() == 2 }, time.Second, 5*time.Millisecond)

	sess.Stop()
	sess.Wait()
	select {
	case h.ticks <- time.Now():
		t.Fatal("loop still receiving ticks after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealTickerFires(t *testing.T) {
	source := newFakeSource(fixAt(1.0, 1.0, 10), fixAt(1.01, 1.0, 10), fixAt(1.02, 1.0, 10))
	reporter := &fakeReporter{}
	scheduler, err := NewScheduler(source, reporter, Options{
		Logger: logx.NewLoggerWithOutput("info", "tracking", io.Discard),
	})
	require.NoError(t, err)

	cfg := testConfig("42")
	cfg.Interval = 10 * time.Millisecond
	sess, err := scheduler.Start(context.Background(), cfg)
	require.NoError(t, err)
	defer sess.Stop()

	assert.Eventually(t, func() bool { return reporter.calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestIndependentSchedulers(t *testing.T) {
	a := newHarness(nil, fixAt(1.0, 1.0, 10))
	b := newHarness(nil, fixAt(2.0, 2.0, 10))

	sa, err := a.scheduler.Start(context.Background(), testConfig("a"))
	require.NoError(t, err)
	defer sa.Stop()
	sb, err := b.scheduler.Start(context.Background(), testConfig("b"))
	require.NoError(t, err)
	defer sb.Stop()

	assert.Equal(t, StateActive, sa.State())
	assert.Equal(t, StateActive, sb.State())
}
