// Package pipeline drives raw sensor samples through processing, detection
// and persistence. A single goroutine owns the processor and the detector.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lettinghenry/roadpulse-sub001/internal/detect"
	"github.com/lettinghenry/roadpulse-sub001/internal/repository"
	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

const (
	DefaultDriftInterval = time.Minute
	// DefaultFlushInterval bounds how long a candidate can wait in the merge
	// window when the sample stream stalls.
	DefaultFlushInterval = time.Second
	shutdownSaveTimeout  = 5 * time.Second
)

// Sessions is the part of the session manager the pipeline drives.
type Sessions interface {
	StartSession() string
	UpdateActivity() bool
}

// EventSaver persists detected events for the live session.
type EventSaver interface {
	SaveEventIfSessionActive(ctx context.Context, ev repository.AnomalyEvent) (*repository.AnomalyEvent, error)
	Device() repository.DeviceInfo
}

// Config wires a Pipeline.
type Config struct {
	Processor *sensor.Processor
	Detector  *detect.Detector
	Sessions  Sessions
	Events    EventSaver
	// Clock is optional; if nil, uses the real clock.
	Clock         timeutil.Clock
	DriftInterval time.Duration
	FlushInterval time.Duration
}

// Stats counts pipeline activity.
type Stats struct {
	Samples      uint64
	Calibrations uint64
	Detected     uint64
	Saved        uint64
	Unsaved      uint64 // detected with no live session
	SaveErrors   uint64
}

func (s Stats) String() string {
	c := func(v uint64) string { return humanize.Comma(int64(v)) }
	return fmt.Sprintf("samples=%s calibrations=%s detected=%s saved=%s unsaved=%s errors=%s",
		c(s.Samples), c(s.Calibrations), c(s.Detected), c(s.Saved), c(s.Unsaved), c(s.SaveErrors))
}

// Pipeline connects the processor, detector, session manager and event
// repository.
type Pipeline struct {
	processor     *sensor.Processor
	detector      *detect.Detector
	sessions      Sessions
	events        EventSaver
	clock         timeutil.Clock
	driftInterval time.Duration
	flushInterval time.Duration

	samples      atomic.Uint64
	calibrations atomic.Uint64
	detected     atomic.Uint64
	saved        atomic.Uint64
	unsaved      atomic.Uint64
	saveErrors   atomic.Uint64
}

// New returns a Pipeline. Processor, Detector, Sessions and Events are
// required.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Processor == nil || cfg.Detector == nil || cfg.Sessions == nil || cfg.Events == nil {
		return nil, errors.New("pipeline: processor, detector, sessions and events are required")
	}
	p := &Pipeline{
		processor:     cfg.Processor,
		detector:      cfg.Detector,
		sessions:      cfg.Sessions,
		events:        cfg.Events,
		clock:         cfg.Clock,
		driftInterval: cfg.DriftInterval,
		flushInterval: cfg.FlushInterval,
	}
	if p.clock == nil {
		p.clock = timeutil.RealClock{}
	}
	if p.driftInterval <= 0 {
		p.driftInterval = DefaultDriftInterval
	}
	if p.flushInterval <= 0 {
		p.flushInterval = DefaultFlushInterval
	}
	return p, nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Samples:      p.samples.Load(),
		Calibrations: p.calibrations.Load(),
		Detected:     p.detected.Load(),
		Saved:        p.saved.Load(),
		Unsaved:      p.unsaved.Load(),
		SaveErrors:   p.saveErrors.Load(),
	}
}

// HandleSample runs one raw sample through the pipeline and returns the
// events it persisted. MOVING samples start or refresh the session; any other
// sample that is not stationary, or that carries a fix at detection speed,
// refreshes its activity. Storage failures are logged and counted; the
// returned error joins them so the caller may decide whether to continue.
func (p *Pipeline) HandleSample(ctx context.Context, raw sensor.SensorSample) ([]repository.AnomalyEvent, error) {
	p.samples.Add(1)
	s := p.processor.ProcessSample(raw)

	if p.processor.CalibrationReady() {
		if p.processor.Calibrate() {
			p.calibrations.Add(1)
			diagf("processor calibrated at %s", s.Timestamp.Format(time.RFC3339))
		}
	}

	switch {
	case s.Motion == sensor.MotionMoving:
		p.sessions.StartSession()
	case s.Motion != sensor.MotionStationary || p.driving(s):
		p.sessions.UpdateActivity()
	}

	return p.save(ctx, p.detector.Process(s))
}

// driving reports whether the attached fix puts the vehicle at detection
// speed. Steady cruising reads as stationary to the motion consensus.
func (p *Pipeline) driving(s sensor.ProcessedSample) bool {
	return s.GPS != nil && s.GPS.SpeedKmh() >= p.detector.MinSpeedKmh()
}

// Flush persists every candidate still waiting in the merge window.
func (p *Pipeline) Flush(ctx context.Context) ([]repository.AnomalyEvent, error) {
	return p.save(ctx, p.detector.Flush())
}

func (p *Pipeline) save(ctx context.Context, detected []detect.DetectedEvent) ([]repository.AnomalyEvent, error) {
	if len(detected) == 0 {
		return nil, nil
	}
	var (
		saved []repository.AnomalyEvent
		errs  []error
	)
	device := p.events.Device()
	for _, d := range detected {
		p.detected.Add(1)
		ev, err := p.events.SaveEventIfSessionActive(ctx, repository.FromDetected(d, device))
		switch {
		case err != nil:
			p.saveErrors.Add(1)
			opsf("saving event at %s: %v", d.Timestamp.Format(time.RFC3339Nano), err)
			errs = append(errs, err)
		case ev == nil:
			p.unsaved.Add(1)
		default:
			p.saved.Add(1)
			tracef("saved event %s severity %d peak %.2f", ev.ID, ev.Severity, ev.PeakAccelMs2)
			saved = append(saved, *ev)
		}
	}
	return saved, errors.Join(errs...)
}

// Run consumes samples until ctx is done or samples is closed. Drift checks
// run on a ticker while the processor is stationary; a second ticker flushes
// the merge window when no samples arrived since the previous tick. Pending
// candidates are flushed before Run returns.
func (p *Pipeline) Run(ctx context.Context, samples <-chan sensor.SensorSample) error {
	drift := p.clock.NewTicker(p.driftInterval)
	defer drift.Stop()
	flush := p.clock.NewTicker(p.flushInterval)
	defer flush.Stop()

	diagf("pipeline started: drift=%v flush=%v", p.driftInterval, p.flushInterval)
	defer func() { diagf("pipeline stopped: %s", p.Stats()) }()

	var seen bool
	for {
		select {
		case <-ctx.Done():
			p.shutdown(ctx)
			return ctx.Err()

		case raw, ok := <-samples:
			if !ok {
				p.shutdown(ctx)
				return nil
			}
			seen = true
			p.HandleSample(ctx, raw)

		case <-drift.C():
			if drifted, m := p.processor.DriftCheck(); drifted {
				diagf("drift: accel %.3f gyro %.4f, recalibrating", m.AccelDeviation, m.GyroDeviation)
			}

		case <-flush.C():
			if !seen && p.detector.Pending() > 0 {
				tracef("sample stream idle, flushing %d candidate(s)", p.detector.Pending())
				p.Flush(ctx)
			}
			seen = false
		}
	}
}

func (p *Pipeline) shutdown(ctx context.Context) {
	if p.detector.Pending() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownSaveTimeout)
	defer cancel()
	saved, err := p.Flush(ctx)
	if err != nil {
		opsf("flushing on shutdown: %v", err)
	}
	diagf("flushed %d event(s) on shutdown", len(saved))
}
