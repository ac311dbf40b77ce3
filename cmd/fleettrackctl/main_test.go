package main

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fleettrack/pkg/journal"
	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

func seededJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), logx.NewLoggerWithOutput("error", "test", io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	sample := tracking.LocationSample{Latitude: 59.3293, Longitude: 18.0686, Accuracy: 12, Address: "Drottninggatan 1", CapturedAt: start}
	j.OnTrackingEvent(tracking.Event{Type: tracking.EventSessionStarted, SessionID: "s1", SubjectID: "42", Time: start})
	j.OnTrackingEvent(tracking.Event{Type: tracking.EventSampleReported, SessionID: "s1", SubjectID: "42", Time: start, Sample: &sample})
	j.OnTrackingEvent(tracking.Event{Type: tracking.EventSessionStopped, SessionID: "s1", SubjectID: "42", Time: start.Add(time.Hour), StopReason: tracking.StopManual})
	return j
}

func withFormat(t *testing.T, format string) {
	t.Helper()
	prev := *outputFormat
	*outputFormat = format
	t.Cleanup(func() { *outputFormat = prev })
}

func TestHandleSessionsStandard(t *testing.T) {
	withFormat(t, "standard")
	var out bytes.Buffer
	require.NoError(t, handleSessions(seededJournal(t), "42", &out))
	assert.Contains(t, out.String(), "s1  subject=42")
	assert.Contains(t, out.String(), "status=manual")
	assert.Contains(t, out.String(), "reported=1")
}

func TestHandleSessionsCSV(t *testing.T) {
	withFormat(t, "csv")
	var out bytes.Buffer
	require.NoError(t, handleSessions(seededJournal(t), "", &out))
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.True(t, bytes.HasPrefix(lines[1], []byte("s1,42,")))
}

func TestHandleSessionsEmpty(t *testing.T) {
	withFormat(t, "standard")
	var out bytes.Buffer
	require.NoError(t, handleSessions(seededJournal(t), "nobody", &out))
	assert.Equal(t, "No sessions recorded\n", out.String())
}

func TestHandleLastSampleJSON(t *testing.T) {
	withFormat(t, "json")
	var out bytes.Buffer
	require.NoError(t, handleLastSample(seededJournal(t), "42", &out))

	var rec journal.SampleRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "Drottninggatan 1", rec.Sample.Address)
}

func TestHandleLastSampleMissing(t *testing.T) {
	withFormat(t, "standard")
	err := handleLastSample(seededJournal(t), "7", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sample reported")
}

func TestHandleSessionNotFound(t *testing.T) {
	withFormat(t, "standard")
	err := handleSession(seededJournal(t), "missing", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
