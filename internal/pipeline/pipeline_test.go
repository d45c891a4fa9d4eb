package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lettinghenry/roadpulse-sub001/internal/detect"
	"github.com/lettinghenry/roadpulse-sub001/internal/monitoring"
	"github.com/lettinghenry/roadpulse-sub001/internal/repository"
	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
	"github.com/lettinghenry/roadpulse-sub001/internal/session"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

var t0 = time.Date(2026, 6, 1, 17, 0, 0, 0, time.UTC)

const tick = 20 * time.Millisecond

type countingSessions struct {
	mu      sync.Mutex
	starts  int
	updates int
}

func (s *countingSessions) StartSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return "session-1"
}

func (s *countingSessions) UpdateActivity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	return s.starts > 0
}

func (s *countingSessions) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// fakeSaver records saved events. With active false it behaves like a
// repository without a live session.
type fakeSaver struct {
	mu     sync.Mutex
	active bool
	err    error
	events []repository.AnomalyEvent
}

func (f *fakeSaver) SaveEventIfSessionActive(_ context.Context, ev repository.AnomalyEvent) (*repository.AnomalyEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if !f.active {
		return nil, nil
	}
	ev.ID = "ev"
	ev.SessionID = "session-1"
	f.events = append(f.events, ev)
	return &ev, nil
}

func (f *fakeSaver) Device() repository.DeviceInfo {
	return repository.DeviceInfo{Model: "bridge-v2", PlatformVersion: "1.4.0"}
}

func (f *fakeSaver) Events() []repository.AnomalyEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.AnomalyEvent(nil), f.events...)
}

type harness struct {
	p        *Pipeline
	clock    *timeutil.MockClock
	sessions *countingSessions
	saver    *fakeSaver
	reports  *monitoring.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	h := &harness{
		clock:    clock,
		sessions: &countingSessions{},
		saver:    &fakeSaver{active: true},
		reports:  &monitoring.Recorder{},
	}
	p, err := New(Config{
		Processor: sensor.NewProcessor(sensor.DefaultConfig(), clock, h.reports),
		Detector:  detect.NewDetector(detect.DefaultConfig()),
		Sessions:  h.sessions,
		Events:    h.saver,
		Clock:     clock,
	})
	require.NoError(t, err)
	h.p = p
	return h
}

var driving = &sensor.GPSFix{Lat: 52.52, Lon: 13.405, AccuracyM: 4, SpeedMPS: 10, Bearing: 90, HasBearing: true}

func raw(ts time.Time, dyn, gyro float64, gps *sensor.GPSFix) sensor.SensorSample {
	return sensor.SensorSample{
		Timestamp:     ts,
		Accel:         sensor.Vector3{Z: sensor.StandardGravity + dyn},
		AccelAccuracy: sensor.AccuracyHigh,
		Gyro:          sensor.Vector3{X: gyro},
		GyroAccuracy:  sensor.AccuracyHigh,
		GPS:           gps,
	}
}

// script builds a parked period long enough to calibrate, then driving with
// a single bump sample. It returns the samples and the bump time.
func script() ([]sensor.SensorSample, time.Time) {
	var out []sensor.SensorSample
	ts := t0
	for i := 0; i < 120; i++ {
		out = append(out, raw(ts, 0, 0, nil))
		ts = ts.Add(tick)
	}
	for i := 0; i < 20; i++ {
		out = append(out, raw(ts, 2.0, 0.2, driving))
		ts = ts.Add(tick)
	}
	bump := ts
	out = append(out, raw(ts, 6.0, 0.2, driving))
	ts = ts.Add(tick)
	for i := 0; i < 5; i++ {
		out = append(out, raw(ts, 2.0, 0.2, driving))
		ts = ts.Add(tick)
	}
	return out, bump
}

func moreDriving(from time.Time, n int) []sensor.SensorSample {
	var out []sensor.SensorSample
	for i := 1; i <= n; i++ {
		out = append(out, raw(from.Add(time.Duration(i)*tick), 2.0, 0.2, driving))
	}
	return out
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHandleSample_CalibratesThenDetectsAndSaves(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	samples, bump := script()

	var saved []repository.AnomalyEvent
	for _, s := range samples {
		got, err := h.p.HandleSample(ctx, s)
		require.NoError(t, err)
		saved = append(saved, got...)
	}
	assert.Empty(t, saved, "the merge window is still open")
	assert.Equal(t, uint64(1), h.p.Stats().Calibrations)
	assert.Positive(t, h.sessions.Starts(), "moving samples start the session")

	last := samples[len(samples)-1].Timestamp
	for _, s := range moreDriving(last, 40) {
		got, err := h.p.HandleSample(ctx, s)
		require.NoError(t, err)
		saved = append(saved, got...)
	}

	require.Len(t, saved, 1)
	ev := saved[0]
	assert.Equal(t, bump, ev.CreatedAt)
	assert.InDelta(t, 2.8, ev.PeakAccelMs2, 1e-6, "smoothed over five samples")
	assert.Equal(t, 1, ev.Severity)
	assert.Equal(t, int64(180), ev.ImpulseDurationMs, "five candidates 20ms apart, 100ms each")
	assert.InDelta(t, 52.52, ev.Lat, 1e-9)
	assert.InDelta(t, 36.0, ev.SpeedKmh, 1e-9)
	require.NotNil(t, ev.HeadingDeg)
	assert.Equal(t, 90.0, *ev.HeadingDeg)
	assert.Equal(t, "bridge-v2", ev.DeviceModel)
	assert.Equal(t, "session-1", ev.SessionID)

	st := h.p.Stats()
	assert.Equal(t, uint64(len(samples)+40), st.Samples)
	assert.Equal(t, uint64(1), st.Detected)
	assert.Equal(t, uint64(1), st.Saved)
}

func TestHandleSample_NoSessionSavesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.saver.active = false
	ctx := context.Background()
	samples, _ := script()
	for _, s := range samples {
		h.p.HandleSample(ctx, s)
	}
	saved, err := h.p.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.Empty(t, h.saver.Events())
	assert.Equal(t, uint64(1), h.p.Stats().Unsaved)
}

// liveSaver saves only while the manager holds a live session, stamping its
// id the way the repository does.
type liveSaver struct {
	fakeSaver
	sessions *session.Manager
}

func (l *liveSaver) SaveEventIfSessionActive(ctx context.Context, ev repository.AnomalyEvent) (*repository.AnomalyEvent, error) {
	id, ok := l.sessions.CurrentSessionID()
	if !ok {
		return nil, nil
	}
	saved, err := l.fakeSaver.SaveEventIfSessionActive(ctx, ev)
	if saved != nil {
		saved.SessionID = id
	}
	return saved, err
}

func TestHandleSample_CruisingKeepsSessionAlive(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(t0)
	sessions := session.NewManager(clock)
	saver := &liveSaver{fakeSaver: fakeSaver{active: true}, sessions: sessions}
	p, err := New(Config{
		Processor: sensor.NewProcessor(sensor.DefaultConfig(), clock, nil),
		Detector:  detect.NewDetector(detect.DefaultConfig()),
		Sessions:  sessions,
		Events:    saver,
		Clock:     clock,
	})
	require.NoError(t, err)

	ctx := context.Background()
	ts := t0
	var saved []repository.AnomalyEvent
	feed := func(s sensor.SensorSample) {
		got, err := p.HandleSample(ctx, s)
		require.NoError(t, err)
		saved = append(saved, got...)
		clock.Advance(tick)
		ts = ts.Add(tick)
	}

	for i := 0; i < 120; i++ {
		feed(raw(ts, 0, 0, nil))
	}
	for i := 0; i < 50; i++ {
		feed(raw(ts, 2.0, 0.2, driving))
	}
	id, ok := sessions.CurrentSessionID()
	require.True(t, ok, "moving samples start the session")

	// Six minutes of smooth driving at 36 km/h.
	for i := 0; i < int(6*time.Minute/tick); i++ {
		feed(raw(ts, 0, 0, driving))
	}
	got, ok := sessions.CurrentSessionID()
	require.True(t, ok, "session still live after cruising")
	assert.Equal(t, id, got)

	// A pothole felt only by the accelerometer.
	for i := 0; i < 3; i++ {
		feed(raw(ts, 6.0, 0, driving))
	}
	for i := 0; i < 40; i++ {
		feed(raw(ts, 0, 0, driving))
	}

	require.Len(t, saved, 1)
	assert.Equal(t, id, saved[0].SessionID)
	assert.Equal(t, uint64(0), p.Stats().Unsaved)
}

func TestHandleSample_ParkedDoesNotRefreshSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := t0
	for i := 0; i < 120; i++ {
		h.p.HandleSample(ctx, raw(ts, 0, 0, nil))
		ts = ts.Add(tick)
	}
	require.Equal(t, sensor.MotionStationary, h.p.processor.Motion().Value())

	h.sessions.mu.Lock()
	before := h.sessions.updates
	h.sessions.mu.Unlock()

	slow := &sensor.GPSFix{Lat: 52.52, Lon: 13.405, AccuracyM: 4, SpeedMPS: 0.5}
	for i := 0; i < 50; i++ {
		h.p.HandleSample(ctx, raw(ts, 0, 0, nil))
		h.p.HandleSample(ctx, raw(ts.Add(tick/2), 0, 0, slow))
		ts = ts.Add(tick)
	}
	h.sessions.mu.Lock()
	defer h.sessions.mu.Unlock()
	assert.Equal(t, before, h.sessions.updates, "stationary below detection speed")
	assert.Equal(t, 0, h.sessions.starts)
}

func TestFlush_ReportsSaveErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	boom := errors.New("disk is full")
	h.saver.err = boom
	ctx := context.Background()
	samples, _ := script()
	for _, s := range samples {
		h.p.HandleSample(ctx, s)
	}

	saved, err := h.p.Flush(ctx)
	assert.Empty(t, saved)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), h.p.Stats().SaveErrors)

	saved, err = h.p.Flush(ctx)
	assert.NoError(t, err, "nothing pending")
	assert.Nil(t, saved)
}

func TestRun_FlushesOnClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	samples, _ := script()
	ch := make(chan sensor.SensorSample, len(samples))
	for _, s := range samples {
		ch <- s
	}
	close(ch)

	require.NoError(t, h.p.Run(context.Background(), ch))
	assert.Len(t, h.saver.Events(), 1, "pending candidates saved on shutdown")
}

func TestRun_IdleStreamFlushesAndCancelStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ch := make(chan sensor.SensorSample)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx, ch) }()

	samples, _ := script()
	for _, s := range samples {
		ch <- s
	}

	require.Eventually(t, func() bool {
		h.clock.Advance(DefaultFlushInterval)
		return len(h.saver.Events()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Len(t, h.saver.Events(), 1)
}

func TestRun_DriftTickSchedulesRecalibration(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	ts := t0
	for i := 0; i < 120; i++ {
		h.p.HandleSample(ctx, raw(ts, 0, 0, nil))
		ts = ts.Add(tick)
	}
	require.True(t, h.p.processor.Calibration().Calibrated)

	// The mount sagged: still at rest but reading 0.4 m/s² high.
	ch := make(chan sensor.SensorSample)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.p.Run(runCtx, ch)
	for i := 0; i < 5; i++ {
		ch <- raw(ts, 0.4, 0, nil)
		ts = ts.Add(tick)
	}

	require.Eventually(t, func() bool {
		h.clock.Advance(DefaultDriftInterval)
		ch <- raw(ts, 0.4, 0, nil)
		ts = ts.Add(tick)
		return h.reports.Count(monitoring.CategoryDrift) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatsString(t *testing.T) {
	t.Parallel()

	s := Stats{Samples: 12345, Saved: 2}
	assert.Equal(t, "samples=12,345 calibrations=0 detected=0 saved=2 unsaved=0 errors=0", s.String())
}
