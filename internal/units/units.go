// Package units provides shared constants and conversions for speed units.
// Sensor and GPS sources report m/s or knots; detection thresholds and the
// persisted anomaly rows use km/h.
package units

import "math"

// Unit constants
const (
	MPS   = "mps"
	KMPH  = "kmph"
	KNOTS = "knots"
)

const (
	mpsPerKnot = 1852.0 / 3600.0
	kmphPerMPS = 3.6
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, KMPH, KNOTS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// KnotsToMPS converts a speed over ground in knots (NMEA RMC) to m/s.
func KnotsToMPS(knots float64) float64 {
	return knots * mpsPerKnot
}

// MPSToKMPH converts m/s to km/h.
func MPSToKMPH(mps float64) float64 {
	return mps * kmphPerMPS
}

// KMPHToMPS converts km/h to m/s.
func KMPHToMPS(kmph float64) float64 {
	return kmph / kmphPerMPS
}

// ConvertSpeed converts a speed from meters per second to the target units.
// Unknown units return the input unchanged.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case KMPH:
		return MPSToKMPH(speedMPS)
	case KNOTS:
		return speedMPS / mpsPerKnot
	default:
		return speedMPS
	}
}

// NormalizeHeading maps a bearing in degrees onto [0, 360).
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}
