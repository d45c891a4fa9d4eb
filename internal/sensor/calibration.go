package sensor

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lettinghenry/roadpulse-sub001/internal/monitoring"
)

// Issue is a bit set of calibration problems.
type Issue uint8

const (
	IssueNoisy Issue = 1 << iota
	IssueOutOfRange
	IssueDrift
	IssueExhausted
)

func (i Issue) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Issue
		name string
	}{
		{IssueNoisy, "noisy"},
		{IssueOutOfRange, "out-of-range"},
		{IssueDrift, "drift"},
		{IssueExhausted, "exhausted"},
	} {
		if i&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

type calibrationSample struct {
	accel Vector3
	gyro  Vector3
}

type calibration struct {
	accelOffset Vector3
	gyroOffset  Vector3
	calibrated  bool
	// pending is set when a calibrated processor has been asked to
	// recalibrate. The old offsets stay in use until new ones pass.
	pending      bool
	window       *CircularBuffer[calibrationSample]
	issues       Issue
	attempts     int
	backoffUntil time.Time
	lastFailure  string
}

func newCalibration(samples int) calibration {
	return calibration{window: NewCircularBuffer[calibrationSample](samples)}
}

// CalibrationState is a snapshot of the calibration bookkeeping.
type CalibrationState struct {
	AccelOffset  Vector3
	GyroOffset   Vector3
	Calibrated   bool
	Pending      bool
	Samples      int
	Issues       Issue
	Attempts     int
	BackoffUntil time.Time
	LastFailure  string
}

// Calibration returns the current calibration state.
func (p *Processor) Calibration() CalibrationState {
	return CalibrationState{
		AccelOffset:  p.cal.accelOffset,
		GyroOffset:   p.cal.gyroOffset,
		Calibrated:   p.cal.calibrated,
		Pending:      p.cal.pending,
		Samples:      p.cal.window.Len(),
		Issues:       p.cal.issues,
		Attempts:     p.cal.attempts,
		BackoffUntil: p.cal.backoffUntil,
		LastFailure:  p.cal.lastFailure,
	}
}

func (p *Processor) needsCalibration() bool {
	return !p.cal.calibrated || p.cal.pending
}

func (p *Processor) qualifiesForCalibration(raw SensorSample, dynAccel, gyroMag float64) bool {
	return p.motion == MotionStationary &&
		raw.AccelAccuracy >= p.cfg.CalibrationMinAccuracy &&
		raw.GyroAccuracy >= p.cfg.CalibrationMinAccuracy &&
		dynAccel < p.cfg.AccelStationaryThreshold &&
		gyroMag < p.cfg.GyroStationaryThreshold
}

// attemptAllowed reports whether the rate limits permit a calibration round
// now.
func (p *Processor) attemptAllowed() bool {
	if p.cal.attempts >= p.cfg.CalibrationMaxAttempts {
		return false
	}
	return !p.clock.Now().Before(p.cal.backoffUntil)
}

// CalibrationReady reports whether Calibrate would run a full attempt now.
func (p *Processor) CalibrationReady() bool {
	return p.needsCalibration() &&
		p.motion == MotionStationary &&
		p.cal.window.Full() &&
		p.attemptAllowed()
}

// RequestCalibration schedules a fresh calibration round and resets the
// attempt counter. Existing offsets remain in use until replaced.
func (p *Processor) RequestCalibration() {
	if p.cal.calibrated {
		p.cal.pending = true
	}
	p.cal.attempts = 0
	p.cal.issues &^= IssueExhausted
	p.cal.window.Clear()
	diagf("calibration requested")
}

// Calibrate estimates accelerometer and gyroscope bias from the buffered
// stationary samples. It returns true when the processor holds valid offsets
// afterwards. It never returns an error: too few samples, motion, backoff or
// an implausible result all leave the processor as it was and return false
// (or true if it was already calibrated and nothing was requested).
func (p *Processor) Calibrate() bool {
	if !p.needsCalibration() {
		return true
	}
	if p.motion != MotionStationary {
		return false
	}
	if !p.attemptAllowed() {
		return false
	}
	if p.cal.window.Len() < p.cfg.CalibrationSamples {
		return false
	}

	samples := p.cal.window.Values()
	accelMean, accelVar := axisStats(samples, func(s calibrationSample) Vector3 { return s.accel })
	gyroMean, gyroVar := axisStats(samples, func(s calibrationSample) Vector3 { return s.gyro })

	for i := 0; i < 3; i++ {
		if accelVar.Axis(i) > p.cfg.AccelVarianceCeiling || gyroVar.Axis(i) > p.cfg.GyroVarianceCeiling {
			p.failCalibration(IssueNoisy, fmt.Sprintf(
				"sample variance too high: accel %.4f/%.4f/%.4f gyro %.5f/%.5f/%.5f",
				accelVar.X, accelVar.Y, accelVar.Z, gyroVar.X, gyroVar.Y, gyroVar.Z))
			return false
		}
	}

	// The dominant axis of the mean carries gravity; only the residual on
	// that axis is bias.
	accelOffset := accelMean
	switch axis := accelMean.DominantAxis(); axis {
	case 0:
		accelOffset.X -= math.Copysign(StandardGravity, accelMean.X)
	case 1:
		accelOffset.Y -= math.Copysign(StandardGravity, accelMean.Y)
	default:
		accelOffset.Z -= math.Copysign(StandardGravity, accelMean.Z)
	}
	gyroOffset := gyroMean

	for i := 0; i < 3; i++ {
		if math.Abs(accelOffset.Axis(i)) > p.cfg.MaxAccelOffset || math.Abs(gyroOffset.Axis(i)) > p.cfg.MaxGyroOffset {
			p.failCalibration(IssueOutOfRange, fmt.Sprintf(
				"offsets out of range: accel %+.3f/%+.3f/%+.3f gyro %+.4f/%+.4f/%+.4f",
				accelOffset.X, accelOffset.Y, accelOffset.Z, gyroOffset.X, gyroOffset.Y, gyroOffset.Z))
			return false
		}
	}

	p.cal.accelOffset = accelOffset
	p.cal.gyroOffset = gyroOffset
	p.cal.calibrated = true
	p.cal.pending = false
	p.cal.issues = 0
	p.cal.attempts = 0
	p.cal.backoffUntil = time.Time{}
	p.cal.lastFailure = ""
	p.cal.window.Clear()
	// Buffered readings were corrected with the previous offsets.
	p.accelBuf.Clear()
	p.gyroBuf.Clear()

	diagf("calibrated from %d samples: accel offset %+.3f/%+.3f/%+.3f gyro offset %+.4f/%+.4f/%+.4f",
		len(samples), accelOffset.X, accelOffset.Y, accelOffset.Z, gyroOffset.X, gyroOffset.Y, gyroOffset.Z)
	return true
}

func (p *Processor) failCalibration(issue Issue, reason string) {
	p.cal.attempts++
	p.cal.issues |= issue
	p.cal.lastFailure = reason
	p.cal.backoffUntil = p.clock.Now().Add(p.cfg.CalibrationBackoff)
	p.cal.window.Clear()
	if p.cal.attempts >= p.cfg.CalibrationMaxAttempts {
		p.cal.issues |= IssueExhausted
	}

	opsf("calibration attempt %d/%d failed: %s; next attempt after %s",
		p.cal.attempts, p.cfg.CalibrationMaxAttempts, reason, p.cal.backoffUntil.Format(time.RFC3339))
	p.reporter.Report(monitoring.NewReport(monitoring.CategoryCalibration,
		fmt.Sprintf("attempt %d/%d: %s", p.cal.attempts, p.cfg.CalibrationMaxAttempts, reason), nil))
}

// axisStats returns the per-axis mean and unbiased variance of the vectors
// selected from samples.
func axisStats(samples []calibrationSample, pick func(calibrationSample) Vector3) (mean, variance Vector3) {
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	zs := make([]float64, len(samples))
	for i, s := range samples {
		v := pick(s)
		xs[i], ys[i], zs[i] = v.X, v.Y, v.Z
	}
	mean.X, variance.X = stat.MeanVariance(xs, nil)
	mean.Y, variance.Y = stat.MeanVariance(ys, nil)
	mean.Z, variance.Z = stat.MeanVariance(zs, nil)
	return mean, variance
}
