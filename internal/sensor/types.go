package sensor

import (
	"math"
	"time"

	"github.com/lettinghenry/roadpulse-sub001/internal/units"
)

// StandardGravity is the expected magnitude of the accelerometer reading of a
// device at rest, in m/s².
const StandardGravity = 9.81

// Vector3 is a three-axis reading in device coordinates.
type Vector3 struct {
	X, Y, Z float64
}

func (v Vector3) Add(o Vector3) Vector3 { return Vector3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vector3) Sub(o Vector3) Vector3 { return Vector3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vector3) Scale(k float64) Vector3 {
	return Vector3{v.X * k, v.Y * k, v.Z * k}
}

// Magnitude returns the Euclidean norm.
func (v Vector3) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Axis returns component i (0=x, 1=y, 2=z).
func (v Vector3) Axis(i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// DominantAxis returns the index of the component with the largest absolute
// value.
func (v Vector3) DominantAxis() int {
	ax, ay, az := math.Abs(v.X), math.Abs(v.Y), math.Abs(v.Z)
	switch {
	case az >= ax && az >= ay:
		return 2
	case ay >= ax:
		return 1
	default:
		return 0
	}
}

// Accuracy is the platform's self-reported sensor accuracy, 0 (unreliable)
// through 3 (high).
type Accuracy int

const (
	AccuracyUnreliable Accuracy = iota
	AccuracyLow
	AccuracyMedium
	AccuracyHigh
)

// GPSFix is a position report attached to a sensor sample.
type GPSFix struct {
	Time      time.Time
	Lat       float64
	Lon       float64
	AccuracyM float64 // horizontal accuracy estimate in metres, 0 if unknown
	SpeedMPS  float64
	Bearing   float64 // degrees from true north
	// HasBearing is false when the source reported no course over ground.
	HasBearing bool
}

// SpeedKmh returns the ground speed in km/h.
func (f GPSFix) SpeedKmh() float64 { return units.MPSToKMPH(f.SpeedMPS) }

// SensorSample is one raw tick from the sensor source.
type SensorSample struct {
	Timestamp     time.Time
	Accel         Vector3 // m/s², gravity included
	AccelAccuracy Accuracy
	Gyro          Vector3 // rad/s
	GyroAccuracy  Accuracy
	GPS           *GPSFix
}

// MotionState is the vehicle motion classification.
type MotionState int

const (
	MotionStationary MotionState = iota
	MotionTransitioning
	MotionMoving
)

func (m MotionState) String() string {
	switch m {
	case MotionStationary:
		return "STATIONARY"
	case MotionTransitioning:
		return "TRANSITIONING"
	case MotionMoving:
		return "MOVING"
	default:
		return "MotionState(?)"
	}
}

// DeviceOrientation records which device axis carries gravity.
type DeviceOrientation int

const (
	OrientationUnknown   DeviceOrientation = iota
	OrientationFlat                        // z axis vertical
	OrientationPortrait                    // y axis vertical
	OrientationLandscape                   // x axis vertical
)

func (o DeviceOrientation) String() string {
	switch o {
	case OrientationFlat:
		return "FLAT"
	case OrientationPortrait:
		return "PORTRAIT"
	case OrientationLandscape:
		return "LANDSCAPE"
	default:
		return "UNKNOWN"
	}
}

// GravityAxis returns the vertical axis index for the orientation, or -1 when
// the orientation is unknown.
func (o DeviceOrientation) GravityAxis() int {
	switch o {
	case OrientationFlat:
		return 2
	case OrientationPortrait:
		return 1
	case OrientationLandscape:
		return 0
	default:
		return -1
	}
}

// ProcessedSample is a calibrated, smoothed and classified sample.
type ProcessedSample struct {
	Timestamp     time.Time
	Accel         Vector3
	Gyro          Vector3
	AccelAccuracy Accuracy
	GyroAccuracy  Accuracy
	GPS           *GPSFix
	Motion        MotionState
	Orientation   DeviceOrientation
	Calibrated    bool
	// Handling is true while the post-rotation-spike latch is active.
	Handling bool
}

// VerticalDynamic returns the absolute acceleration along the gravity axis
// with gravity removed. With an unknown orientation it falls back to the
// deviation of the total magnitude from gravity.
func (p ProcessedSample) VerticalDynamic() float64 {
	axis := p.Orientation.GravityAxis()
	if axis < 0 {
		return math.Abs(p.Accel.Magnitude() - StandardGravity)
	}
	return math.Abs(math.Abs(p.Accel.Axis(axis)) - StandardGravity)
}
