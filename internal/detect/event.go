package detect

import (
	"math"
	"time"

	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
)

// SensorQuality summarises how trustworthy the readings behind an event were.
type SensorQuality struct {
	AccelAccuracy sensor.Accuracy
	GyroAccuracy  sensor.Accuracy
	GPSAccuracyM  float64 // 0 when unknown
	Stability     float64 // 0 (device being handled) to 1 (rigidly mounted)
}

// Location is where an event happened.
type Location struct {
	Lat        float64
	Lon        float64
	AccuracyM  float64
	SpeedKmh   float64
	Heading    float64
	HasHeading bool
}

// DetectedEvent is a candidate or merged anomaly.
type DetectedEvent struct {
	Timestamp time.Time
	PeakAccel float64 // vertical dynamic acceleration, m/s²
	Duration  time.Duration
	Location  *Location
	Quality   SensorQuality
}

// End returns Timestamp + Duration.
func (e DetectedEvent) End() time.Time { return e.Timestamp.Add(e.Duration) }

// Severity maps a peak acceleration onto the 1 to 5 scale.
func Severity(peak float64) int {
	switch {
	case peak < 3.5:
		return 1
	case peak < 5.0:
		return 2
	case peak < 7.0:
		return 3
	case peak < 10.0:
		return 4
	default:
		return 5
	}
}

// Confidence scores sensor quality in [0, 1]: stability carries 40%,
// accelerometer accuracy 30% and GPS accuracy 30%.
func Confidence(q SensorQuality) float64 {
	accel := float64(q.AccelAccuracy) / float64(sensor.AccuracyHigh)
	c := 0.4*clamp01(q.Stability) + 0.3*clamp01(accel) + 0.3*gpsQuality(q.GPSAccuracyM)
	return clamp01(c)
}

// gpsQuality is 1 at 5 m or better, 0 at 50 m or worse, and 0.5 when the
// accuracy is unknown.
func gpsQuality(accuracyM float64) float64 {
	if accuracyM <= 0 {
		return 0.5
	}
	return clamp01(1 - (accuracyM-5)/45)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
