package tracking

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/markus-lassfolk/fleettrack/pkg/logx"
)

var errReport = errors.New("backend returned 503")

type fakeSource struct {
	mu         sync.Mutex
	permission bool
	fixes      []Fix
	errs       []error
	calls      int
}

func newFakeSource(fixes ...Fix) *fakeSource {
	return &fakeSource{permission: true, fixes: fixes}
}

func (f *fakeSource) RequestPermission(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permission
}

// CurrentFix pops queued errors first, then fixes; the last fix repeats once the queue runs dry
func (f *fakeSource) CurrentFix(ctx context.Context, desiredAccuracy float64) (*Fix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if len(f.fixes) == 0 {
		return nil, NewLocationError(LocationUnavailable, nil)
	}
	fix := f.fixes[0]
	if len(f.fixes) > 1 {
		f.fixes = f.fixes[1:]
	}
	return &fix, nil
}

func (f *fakeSource) push(fixes ...Fix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixes = append(f.fixes, fixes...)
}

func (f *fakeSource) set(fixes ...Fix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixes = fixes
}

func (f *fakeSource) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

type fakeReporter struct {
	mu          sync.Mutex
	errs        []error
	samples     []LocationSample
	subjects    []string
	inFlight    int
	maxInFlight int
	entered     chan struct{}
	release     chan struct{}
}

func (f *fakeReporter) ReportLocation(ctx context.Context, subjectID string, sample LocationSample) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.samples = append(f.samples, sample)
	f.subjects = append(f.subjects, subjectID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeReporter) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.errs = append(f.errs, errReport)
	}
}

// block makes the next calls wait for release; entered receives one value per call
func (f *fakeReporter) block() (entered chan struct{}, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = make(chan struct{}, 8)
	f.release = make(chan struct{})
	return f.entered, f.release
}

func (f *fakeReporter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func (f *fakeReporter) last() LocationSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples[len(f.samples)-1]
}

type fakeGeocoder struct {
	address string
	err     error
}

func (f *fakeGeocoder) Resolve(ctx context.Context, lat, lng float64) (string, error) {
	return f.address, f.err
}

type fakeMonitor struct {
	mu   sync.Mutex
	next int
	subs map[int]func(AppState)
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{subs: make(map[int]func(AppState))}
}

func (m *fakeMonitor) Subscribe(callback func(AppState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = callback
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *fakeMonitor) publish(state AppState) {
	m.mu.Lock()
	subs := make([]func(AppState), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()
	for _, cb := range subs {
		cb(state)
	}
}

func (m *fakeMonitor) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnTrackingEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) skips(reason SkipReason) int {
	n := 0
	for _, e := range r.ofType(EventSampleSkipped) {
		if e.SkipReason == reason {
			n++
		}
	}
	return n
}

type harness struct {
	scheduler *Scheduler
	source    *fakeSource
	reporter  *fakeReporter
	monitor   *fakeMonitor
	events    *eventRecorder
	ticks     chan time.Time
}

// newHarness builds a scheduler whose timer only fires when the test sends on ticks
func newHarness(geocoder ReverseGeocoder, fixes ...Fix) *harness {
	h := &harness{
		source:   newFakeSource(fixes...),
		reporter: &fakeReporter{},
		monitor:  newFakeMonitor(),
		events:   &eventRecorder{},
		ticks:    make(chan time.Time),
	}

	scheduler, err := NewScheduler(h.source, h.reporter, Options{
		Geocoder:  geocoder,
		Lifecycle: h.monitor,
		Observers: []Observer{h.events},
		Logger:    logx.NewLoggerWithOutput("debug", "tracking", io.Discard),
	})
	if err != nil {
		panic(err)
	}
	scheduler.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return h.ticks, func() {}
	}
	h.scheduler = scheduler
	return h
}

// tick runs one timer tick and waits for the cycle it dispatched to finish
func (h *harness) tick(sess *Session) {
	h.scheduler.onTick(sess)
	sess.Wait()
}

func fixAt(lat, lng, accuracy float64) Fix {
	return Fix{Latitude: lat, Longitude: lng, Accuracy: accuracy, Timestamp: time.Now()}
}

func testConfig(subjectID string) Config {
	cfg := DefaultConfig(subjectID)
	cfg.Interval = time.Second
	return cfg
}
