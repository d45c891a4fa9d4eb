// Package repository persists detected road anomalies under a row budget,
// gated on an active session.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lettinghenry/roadpulse-sub001/internal/detect"
)

// AnomalyEvent is the persisted form of a detected road anomaly.
type AnomalyEvent struct {
	ID                string
	CreatedAt         time.Time
	Lat               float64
	Lon               float64
	GPSAccuracyM      float64
	SpeedKmh          float64
	HeadingDeg        *float64
	PeakAccelMs2      float64
	ImpulseDurationMs int64
	Severity          int
	Confidence        float64
	DeviceModel       string
	PlatformVersion   string
	SessionID         string
	Synced            bool
}

// DeviceInfo identifies the device recording events.
type DeviceInfo struct {
	Model           string
	PlatformVersion string
}

// FromDetected converts a validated detector event into its persisted form.
// ID and SessionID are left for the repository to fill in.
func FromDetected(ev detect.DetectedEvent, device DeviceInfo) AnomalyEvent {
	a := AnomalyEvent{
		CreatedAt:         ev.Timestamp.UTC(),
		GPSAccuracyM:      ev.Quality.GPSAccuracyM,
		PeakAccelMs2:      ev.PeakAccel,
		ImpulseDurationMs: ev.Duration.Milliseconds(),
		Severity:          detect.Severity(ev.PeakAccel),
		Confidence:        detect.Confidence(ev.Quality),
		DeviceModel:       device.Model,
		PlatformVersion:   device.PlatformVersion,
	}
	if loc := ev.Location; loc != nil {
		a.Lat, a.Lon = loc.Lat, loc.Lon
		a.SpeedKmh = loc.SpeedKmh
		if loc.AccuracyM > 0 {
			a.GPSAccuracyM = loc.AccuracyM
		}
		if loc.HasHeading {
			h := loc.Heading
			a.HeadingDeg = &h
		}
	}
	return a
}

// ErrNotFound is returned by Store.Get for an unknown id.
var ErrNotFound = errors.New("event not found")

// Store is the durable event table. Deletions by age or count only ever
// touch synced rows.
type Store interface {
	Insert(ctx context.Context, ev AnomalyEvent) error
	Count(ctx context.Context) (int, error)
	// DeleteSyncedBefore removes synced rows created before cutoff.
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteOldestSynced removes up to limit synced rows, oldest first.
	DeleteOldestSynced(ctx context.Context, limit int) (int64, error)
	// MarkSynced flags the given rows as synced, skipping rows that already
	// are.
	MarkSynced(ctx context.Context, ids []string) (int64, error)
	ListUnsynced(ctx context.Context, limit int) ([]AnomalyEvent, error)
	Get(ctx context.Context, id string) (*AnomalyEvent, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SessionSource reports the live session, if any.
type SessionSource interface {
	CurrentSessionID() (string, bool)
}
