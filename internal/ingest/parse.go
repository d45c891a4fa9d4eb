package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lettinghenry/roadpulse-sub001/internal/sensor"
)

const (
	LineTypeIMU     = "imu"
	LineTypeNMEA    = "nmea"
	LineTypeUnknown = "unknown"
)

// ClassifyLine returns the kind of a raw line from the sensor bridge. It only
// looks at the framing; parsing may still reject the line.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "$") || strings.HasPrefix(line, "!"):
		return LineTypeNMEA
	case strings.HasPrefix(line, "{") && strings.Contains(line, `"ax"`):
		return LineTypeIMU
	default:
		return LineTypeUnknown
	}
}

// imuLine is the JSON object the bridge emits for every IMU tick.
type imuLine struct {
	T    *int64   `json:"t"` // unix ms
	AX   *float64 `json:"ax"`
	AY   *float64 `json:"ay"`
	AZ   *float64 `json:"az"`
	AAcc *int     `json:"aacc"`
	GX   *float64 `json:"gx"`
	GY   *float64 `json:"gy"`
	GZ   *float64 `json:"gz"`
	GAcc *int     `json:"gacc"`
}

// ParseIMU decodes one IMU line into a sample without a GPS fix.
func ParseIMU(line string) (sensor.SensorSample, error) {
	var raw imuLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return sensor.SensorSample{}, fmt.Errorf("decode imu line: %w", err)
	}
	if raw.T == nil || raw.AX == nil || raw.AY == nil || raw.AZ == nil ||
		raw.GX == nil || raw.GY == nil || raw.GZ == nil {
		return sensor.SensorSample{}, fmt.Errorf("imu line missing fields: %q", line)
	}

	accelAcc, err := accuracy(raw.AAcc)
	if err != nil {
		return sensor.SensorSample{}, fmt.Errorf("aacc: %w", err)
	}
	gyroAcc, err := accuracy(raw.GAcc)
	if err != nil {
		return sensor.SensorSample{}, fmt.Errorf("gacc: %w", err)
	}

	return sensor.SensorSample{
		Timestamp:     time.UnixMilli(*raw.T).UTC(),
		Accel:         sensor.Vector3{X: *raw.AX, Y: *raw.AY, Z: *raw.AZ},
		AccelAccuracy: accelAcc,
		Gyro:          sensor.Vector3{X: *raw.GX, Y: *raw.GY, Z: *raw.GZ},
		GyroAccuracy:  gyroAcc,
	}, nil
}

// accuracy maps the optional 0-3 accuracy field. A missing field is treated
// as high accuracy since older firmware does not send it.
func accuracy(v *int) (sensor.Accuracy, error) {
	if v == nil {
		return sensor.AccuracyHigh, nil
	}
	if *v < int(sensor.AccuracyUnreliable) || *v > int(sensor.AccuracyHigh) {
		return 0, fmt.Errorf("accuracy %d out of range 0-3", *v)
	}
	return sensor.Accuracy(*v), nil
}
