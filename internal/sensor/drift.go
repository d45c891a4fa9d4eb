package sensor

import (
	"fmt"
	"math"

	"github.com/lettinghenry/roadpulse-sub001/internal/monitoring"
)

// DriftMetrics describes how far the calibrated output sits from the
// expected stationary signature.
type DriftMetrics struct {
	AccelDeviation float64 // ||a| - g| in m/s²
	GyroDeviation  float64 // |ω| in rad/s
}

// DriftCheck compares the smoothed, calibrated output with the signature of a
// device at rest (|a| = g, ω = 0). It only evaluates while the processor is
// calibrated and stationary. A deviation beyond tolerance flags IssueDrift
// and schedules a fresh calibration round; the current offsets stay in use
// until the new ones pass.
func (p *Processor) DriftCheck() (bool, DriftMetrics) {
	if !p.cal.calibrated || p.motion != MotionStationary || p.accelBuf.Len() < p.cfg.MinSmoothingSamples {
		return false, DriftMetrics{}
	}

	accel := meanVector(p.accelBuf)
	gyro := meanVector(p.gyroBuf)
	metrics := DriftMetrics{
		AccelDeviation: math.Abs(accel.Magnitude() - StandardGravity),
		GyroDeviation:  gyro.Magnitude(),
	}

	drifted := metrics.AccelDeviation > p.cfg.DriftAccelTolerance ||
		metrics.GyroDeviation > p.cfg.DriftGyroTolerance
	if !drifted {
		tracef("drift check ok: accel %.3f gyro %.4f", metrics.AccelDeviation, metrics.GyroDeviation)
		return false, metrics
	}

	p.cal.issues |= IssueDrift
	if !p.cal.pending {
		p.cal.pending = true
		p.cal.attempts = 0
		p.cal.issues &^= IssueExhausted
		p.cal.window.Clear()
	}
	msg := fmt.Sprintf("stationary output off by accel %.3f m/s², gyro %.4f rad/s", metrics.AccelDeviation, metrics.GyroDeviation)
	opsf("drift detected: %s; recalibration scheduled", msg)
	p.reporter.Report(monitoring.NewReport(monitoring.CategoryDrift, msg, nil))
	return true, metrics
}
