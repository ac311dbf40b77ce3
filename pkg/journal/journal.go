// Package journal keeps a local record of tracking sessions in a bbolt database.
//
// The journal is an audit trail for the device: one record per session with its
// outcome and counters, plus the last sample accepted by the backend for each
// subject. Nothing stored here is ever re-sent.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// Bucket names for bbolt database
const (
	SessionsBucket   = "sessions"
	LastSampleBucket = "last_sample"
)

// StopInterrupted marks sessions that were still open when the process died
const StopInterrupted tracking.StopReason = "interrupted"

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("journal: record not found")

// SessionRecord is the persisted summary of one tracking session
type SessionRecord struct {
	ID             string              `json:"id"`
	SubjectID      string              `json:"subject_id"`
	StartedAt      time.Time           `json:"started_at"`
	StoppedAt      time.Time           `json:"stopped_at,omitempty"`
	StopReason     tracking.StopReason `json:"stop_reason,omitempty"`
	Error          string              `json:"error,omitempty"`
	Reported       int                 `json:"reported"`
	Skipped        int                 `json:"skipped"`
	FixFailures    int                 `json:"fix_failures"`
	ReportFailures int                 `json:"report_failures"`
	LastReportedAt time.Time           `json:"last_reported_at,omitempty"`
}

// Open reports whether the session has no recorded stop
func (r SessionRecord) Open() bool {
	return r.StoppedAt.IsZero()
}

// SampleRecord is the last sample the backend accepted for a subject
type SampleRecord struct {
	SubjectID  string                  `json:"subject_id"`
	SessionID  string                  `json:"session_id"`
	Sample     tracking.LocationSample `json:"sample"`
	ReportedAt time.Time               `json:"reported_at"`
}

// Journal persists session events. It implements tracking.Observer.
type Journal struct {
	db     *bolt.DB
	logger *logx.Logger

	mu      sync.Mutex
	pending map[string]*SessionRecord
	closed  map[string]struct{}
}

// Open opens or creates the journal database at path
func Open(path string, logger *logx.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	j := &Journal{db: db, logger: logger, pending: make(map[string]*SessionRecord), closed: make(map[string]struct{})}
	if err := j.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal buckets: %w", err)
	}

	logger.Info("Session journal opened", "path", path)
	return j, nil
}

// OpenReadOnly opens an existing journal without taking the write lock
func OpenReadOnly(path string, logger *logx.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	return &Journal{db: db, logger: logger, pending: make(map[string]*SessionRecord), closed: make(map[string]struct{})}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initializeBuckets() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{SessionsBucket, LastSampleBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// OnTrackingEvent updates the session record. Skips and fix failures are counted
// in memory and written with the next report or stop.
func (j *Journal) OnTrackingEvent(e tracking.Event) {
	if e.Type == tracking.EventTerminalFailure {
		return
	}

	j.mu.Lock()
	// a stopped record is final
	if _, done := j.closed[e.SessionID]; done {
		j.mu.Unlock()
		return
	}
	rec, ok := j.pending[e.SessionID]
	if !ok {
		rec = &SessionRecord{ID: e.SessionID, SubjectID: e.SubjectID, StartedAt: e.Time}
		j.pending[e.SessionID] = rec
	}

	var sample *SampleRecord
	persist := false
	switch e.Type {
	case tracking.EventSessionStarted:
		rec.StartedAt = e.Time
		persist = true
	case tracking.EventSampleSkipped:
		rec.Skipped++
	case tracking.EventFixFailed:
		rec.FixFailures++
	case tracking.EventReportFailed:
		rec.ReportFailures++
		persist = true
	case tracking.EventSampleReported:
		rec.Reported++
		rec.LastReportedAt = e.Time
		if e.Sample != nil {
			sample = &SampleRecord{SubjectID: e.SubjectID, SessionID: e.SessionID, Sample: *e.Sample, ReportedAt: e.Time}
		}
		persist = true
	case tracking.EventSessionStopped:
		rec.StoppedAt = e.Time
		rec.StopReason = e.StopReason
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
		delete(j.pending, e.SessionID)
		j.closed[e.SessionID] = struct{}{}
		persist = true
	}
	snapshot := *rec
	j.mu.Unlock()

	if !persist {
		return
	}
	if err := j.write(snapshot, sample); err != nil {
		j.logger.Warn("Failed to write session journal", "session_id", e.SessionID, "event", string(e.Type), "error", err)
	}
}

func (j *Journal) write(rec SessionRecord, sample *SampleRecord) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal session record: %w", err)
		}
		if err := tx.Bucket([]byte(SessionsBucket)).Put([]byte(rec.ID), data); err != nil {
			return err
		}

		if sample == nil {
			return nil
		}
		data, err = json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("failed to marshal sample record: %w", err)
		}
		return tx.Bucket([]byte(LastSampleBucket)).Put([]byte(sample.SubjectID), data)
	})
}

// Session returns the record for session id
func (j *Journal) Session(id string) (SessionRecord, error) {
	var rec SessionRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(SessionsBucket))
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Sessions returns the records of subjectID, newest first. An empty subjectID lists all.
func (j *Journal) Sessions(subjectID string) ([]SessionRecord, error) {
	var records []SessionRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(SessionsBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if subjectID == "" || rec.SubjectID == subjectID {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	sort.Slice(records, func(a, b int) bool {
		return records[a].StartedAt.After(records[b].StartedAt)
	})
	return records, nil
}

// LastSample returns the last sample accepted for subjectID
func (j *Journal) LastSample(subjectID string) (SampleRecord, error) {
	var rec SampleRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(LastSampleBucket))
		if bucket == nil {
			return ErrNotFound
		}
		data := bucket.Get([]byte(subjectID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// CloseInterrupted marks every open session record as stopped at now with
// reason interrupted. It returns the number of records closed.
func (j *Journal) CloseInterrupted(now time.Time) (int, error) {
	closed := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(SessionsBucket))
		updates := make(map[string][]byte)

		err := bucket.ForEach(func(k, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Open() {
				return nil
			}
			rec.StoppedAt = now
			rec.StopReason = StopInterrupted
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids modifying a bucket while iterating it
		for k, data := range updates {
			if err := bucket.Put([]byte(k), data); err != nil {
				return err
			}
		}
		closed = len(updates)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to close interrupted sessions: %w", err)
	}

	if closed > 0 {
		j.logger.Warn("Closed sessions left open by a previous run", "count", closed)
	}
	return closed, nil
}
