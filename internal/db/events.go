package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lettinghenry/roadpulse-sub001/internal/repository"
)

// EventStore implements repository.Store over the anomaly_events table.
type EventStore struct {
	db *DB
}

var _ repository.Store = (*EventStore)(nil)

// NewEventStore returns a store on a migrated database.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `id, created_at_ms, latitude, longitude, gps_accuracy_m, speed_kmh,
	heading_deg, peak_accel_ms2, impulse_duration_ms, severity, confidence,
	device_model, platform_version, session_id, synced`

func (s *EventStore) Insert(ctx context.Context, ev repository.AnomalyEvent) error {
	var heading sql.NullFloat64
	if ev.HeadingDeg != nil {
		heading = sql.NullFloat64{Float64: *ev.HeadingDeg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomaly_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CreatedAt.UnixMilli(), ev.Lat, ev.Lon, ev.GPSAccuracyM, ev.SpeedKmh,
		heading, ev.PeakAccelMs2, ev.ImpulseDurationMs, ev.Severity, ev.Confidence,
		ev.DeviceModel, ev.PlatformVersion, ev.SessionID, ev.Synced,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *EventStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anomaly_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *EventStore) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM anomaly_events WHERE synced = 1 AND created_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete synced events: %w", err)
	}
	return res.RowsAffected()
}

func (s *EventStore) DeleteOldestSynced(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM anomaly_events WHERE id IN (
			SELECT id FROM anomaly_events
			WHERE synced = 1
			ORDER BY created_at_ms ASC, id ASC
			LIMIT ?
		)`, limit)
	if err != nil {
		return 0, fmt.Errorf("evict synced events: %w", err)
	}
	return res.RowsAffected()
}

func (s *EventStore) MarkSynced(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark synced: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE anomaly_events SET synced = 1 WHERE id = ? AND synced = 0`)
	if err != nil {
		return 0, fmt.Errorf("prepare mark synced: %w", err)
	}
	defer stmt.Close()

	var total int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("mark %s synced: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark synced: %w", err)
	}
	return total, nil
}

// ListUnsynced returns unsynced events oldest first. A limit <= 0 returns
// all of them.
func (s *EventStore) ListUnsynced(ctx context.Context, limit int) ([]repository.AnomalyEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM anomaly_events
		WHERE synced = 0
		ORDER BY created_at_ms ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsynced events: %w", err)
	}
	defer rows.Close()

	var out []repository.AnomalyEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *EventStore) Get(ctx context.Context, id string) (*repository.AnomalyEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM anomaly_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *EventStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM anomaly_events WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SessionEventCounts returns the number of stored events per session id.
func (s *EventStore) SessionEventCounts(ctx context.Context, sessionIDs ...string) (map[string]int, error) {
	out := make(map[string]int, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
		out[id] = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*) FROM anomaly_events
		WHERE session_id IN (?`+strings.Repeat(", ?", len(sessionIDs)-1)+`)
		GROUP BY session_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("count session events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (repository.AnomalyEvent, error) {
	var (
		ev      repository.AnomalyEvent
		created int64
		heading sql.NullFloat64
	)
	err := row.Scan(&ev.ID, &created, &ev.Lat, &ev.Lon, &ev.GPSAccuracyM, &ev.SpeedKmh,
		&heading, &ev.PeakAccelMs2, &ev.ImpulseDurationMs, &ev.Severity, &ev.Confidence,
		&ev.DeviceModel, &ev.PlatformVersion, &ev.SessionID, &ev.Synced)
	if err != nil {
		return ev, err
	}
	ev.CreatedAt = time.UnixMilli(created).UTC()
	if heading.Valid {
		h := heading.Float64
		ev.HeadingDeg = &h
	}
	return ev, nil
}
