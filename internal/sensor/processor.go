// Package sensor turns raw accelerometer and gyroscope ticks into calibrated,
// smoothed samples classified by vehicle motion and device orientation. It
// also estimates sensor bias while the vehicle is stationary and watches for
// bias drift afterwards.
//
// A Processor is single-writer: ProcessSample, Calibrate and DriftCheck must
// be called from one goroutine. The Motion and Orientation subjects are safe
// to read from anywhere.
package sensor

import (
	"math"
	"time"

	"github.com/lettinghenry/roadpulse-sub001/internal/monitoring"
	"github.com/lettinghenry/roadpulse-sub001/internal/observe"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

// Config holds the thresholds used by the Processor.
type Config struct {
	// SmoothingWindow is the moving-average length per axis group.
	SmoothingWindow int
	// MinSmoothingSamples is how many samples must be buffered before the
	// average replaces the raw reading.
	MinSmoothingSamples int

	// Motion thresholds. Accel values are dynamic acceleration, ||a| - g|.
	AccelMotionThreshold     float64
	GyroMotionThreshold      float64
	AccelStationaryThreshold float64
	GyroStationaryThreshold  float64

	HandlingGyroThreshold float64
	HandlingLatch         time.Duration
	// DominanceRatio is the share of the total magnitude an axis must carry to
	// be taken as the gravity axis.
	DominanceRatio float64

	CalibrationSamples     int
	CalibrationMinAccuracy Accuracy
	CalibrationMaxAttempts int
	CalibrationBackoff     time.Duration
	MaxAccelOffset         float64
	MaxGyroOffset          float64
	AccelVarianceCeiling   float64
	GyroVarianceCeiling    float64

	DriftAccelTolerance float64
	DriftGyroTolerance  float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		SmoothingWindow:          5,
		MinSmoothingSamples:      3,
		AccelMotionThreshold:     1.5,
		GyroMotionThreshold:      0.1,
		AccelStationaryThreshold: 0.5,
		GyroStationaryThreshold:  0.05,
		HandlingGyroThreshold:    2.0,
		HandlingLatch:            3 * time.Second,
		DominanceRatio:           0.8,
		CalibrationSamples:       100,
		CalibrationMinAccuracy:   AccuracyMedium,
		CalibrationMaxAttempts:   5,
		CalibrationBackoff:       30 * time.Second,
		MaxAccelOffset:           5.0,
		MaxGyroOffset:            1.0,
		AccelVarianceCeiling:     0.05,
		GyroVarianceCeiling:      0.001,
		DriftAccelTolerance:      0.3,
		DriftGyroTolerance:       0.03,
	}
}

// Processor is the SensorDataProcessor.
type Processor struct {
	cfg      Config
	clock    timeutil.Clock
	reporter monitoring.Reporter

	accelBuf *CircularBuffer[Vector3]
	gyroBuf  *CircularBuffer[Vector3]

	motion        MotionState
	orientation   DeviceOrientation
	handlingUntil time.Time
	last          ProcessedSample

	cal calibration

	motionSubject      *observe.Subject[MotionState]
	orientationSubject *observe.Subject[DeviceOrientation]
}

// NewProcessor builds a Processor. A nil clock uses the real clock and a nil
// reporter discards failure reports.
func NewProcessor(cfg Config, clock timeutil.Clock, reporter monitoring.Reporter) *Processor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if reporter == nil {
		reporter = monitoring.Discard
	}
	if cfg.MinSmoothingSamples > cfg.SmoothingWindow {
		cfg.MinSmoothingSamples = cfg.SmoothingWindow
	}
	p := &Processor{
		cfg:                cfg,
		clock:              clock,
		reporter:           reporter,
		accelBuf:           NewCircularBuffer[Vector3](cfg.SmoothingWindow),
		gyroBuf:            NewCircularBuffer[Vector3](cfg.SmoothingWindow),
		motion:             MotionTransitioning,
		orientation:        OrientationUnknown,
		cal:                newCalibration(cfg.CalibrationSamples),
		motionSubject:      observe.NewSubject(MotionTransitioning),
		orientationSubject: observe.NewSubject(OrientationUnknown),
	}
	return p
}

// Motion exposes the latest motion state.
func (p *Processor) Motion() *observe.Subject[MotionState] { return p.motionSubject }

// Orientation exposes the latest device orientation.
func (p *Processor) Orientation() *observe.Subject[DeviceOrientation] {
	return p.orientationSubject
}

// Last returns the most recent processed sample.
func (p *Processor) Last() ProcessedSample { return p.last }

// ProcessSample calibrates, smooths and classifies one raw sample.
func (p *Processor) ProcessSample(raw SensorSample) ProcessedSample {
	accel, gyro := raw.Accel, raw.Gyro
	if p.cal.calibrated {
		accel = accel.Sub(p.cal.accelOffset)
		gyro = gyro.Sub(p.cal.gyroOffset)
	}

	p.accelBuf.Push(accel)
	p.gyroBuf.Push(gyro)
	if p.accelBuf.Len() >= p.cfg.MinSmoothingSamples {
		accel = meanVector(p.accelBuf)
		gyro = meanVector(p.gyroBuf)
	}

	dynAccel := math.Abs(accel.Magnitude() - StandardGravity)
	gyroMag := gyro.Magnitude()

	prevMotion := p.motion
	p.motion = p.classifyMotion(dynAccel, gyroMag)
	if p.motion != prevMotion {
		diagf("motion %s -> %s (dyn accel %.3f, gyro %.3f)", prevMotion, p.motion, dynAccel, gyroMag)
	}

	// The spike test uses the unsmoothed rate so a short flick is not
	// averaged away.
	if raw.Gyro.Sub(p.cal.gyroOffset).Magnitude() > p.cfg.HandlingGyroThreshold {
		p.handlingUntil = raw.Timestamp.Add(p.cfg.HandlingLatch)
		tracef("handling latched until %s", p.handlingUntil.Format(time.RFC3339Nano))
	}
	handling := raw.Timestamp.Before(p.handlingUntil)
	if !handling {
		if o, ok := p.classifyOrientation(accel); ok {
			if o != p.orientation {
				diagf("orientation %s -> %s", p.orientation, o)
			}
			p.orientation = o
		}
	}

	if p.needsCalibration() && p.qualifiesForCalibration(raw, dynAccel, gyroMag) {
		p.cal.window.Push(calibrationSample{accel: raw.Accel, gyro: raw.Gyro})
	}

	p.motionSubject.Set(p.motion)
	p.orientationSubject.Set(p.orientation)

	out := ProcessedSample{
		Timestamp:     raw.Timestamp,
		Accel:         accel,
		Gyro:          gyro,
		AccelAccuracy: raw.AccelAccuracy,
		GyroAccuracy:  raw.GyroAccuracy,
		GPS:           raw.GPS,
		Motion:        p.motion,
		Orientation:   p.orientation,
		Calibrated:    p.cal.calibrated,
		Handling:      handling,
	}
	p.last = out
	tracef("sample %s motion=%s orient=%s dyn=%.3f gyro=%.3f",
		raw.Timestamp.Format(time.RFC3339Nano), out.Motion, out.Orientation, dynAccel, gyroMag)
	return out
}

// classifyMotion applies dual-sensor consensus. Readings that satisfy no
// rule keep the previous state.
func (p *Processor) classifyMotion(dynAccel, gyroMag float64) MotionState {
	accelMoving := dynAccel > p.cfg.AccelMotionThreshold
	gyroMoving := gyroMag > p.cfg.GyroMotionThreshold
	switch {
	case accelMoving && gyroMoving:
		return MotionMoving
	case accelMoving || gyroMoving:
		return MotionTransitioning
	case dynAccel < p.cfg.AccelStationaryThreshold && gyroMag < p.cfg.GyroStationaryThreshold:
		return MotionStationary
	default:
		return p.motion
	}
}

// classifyOrientation picks the axis that carries most of the acceleration.
// ok is false when no axis dominates.
func (p *Processor) classifyOrientation(accel Vector3) (DeviceOrientation, bool) {
	mag := accel.Magnitude()
	if mag < StandardGravity/2 {
		return OrientationUnknown, false
	}
	limit := p.cfg.DominanceRatio * mag
	switch {
	case math.Abs(accel.Z) >= limit:
		return OrientationFlat, true
	case math.Abs(accel.Y) >= limit:
		return OrientationPortrait, true
	case math.Abs(accel.X) >= limit:
		return OrientationLandscape, true
	default:
		return OrientationUnknown, false
	}
}

// Reset discards all smoothing, classification and calibration state.
func (p *Processor) Reset() {
	p.accelBuf.Clear()
	p.gyroBuf.Clear()
	p.motion = MotionTransitioning
	p.orientation = OrientationUnknown
	p.handlingUntil = time.Time{}
	p.last = ProcessedSample{}
	p.cal = newCalibration(p.cfg.CalibrationSamples)
	p.motionSubject.Set(p.motion)
	p.orientationSubject.Set(p.orientation)
}
