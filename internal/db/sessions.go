package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lettinghenry/roadpulse-sub001/internal/session"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID           string
	StartTime    time.Time
	LastActivity time.Time
	EndTime      *time.Time
	EndReason    string
}

// SessionStore records session boundaries. It implements session.Observer;
// write failures are logged since observers cannot return errors.
type SessionStore struct {
	db      *DB
	clock   timeutil.Clock
	timeout time.Duration
}

var _ session.Observer = (*SessionStore)(nil)

// NewSessionStore returns a SessionStore. A nil clock uses the real clock.
func NewSessionStore(db *DB, clock timeutil.Clock) *SessionStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SessionStore{db: db, clock: clock, timeout: 5 * time.Second}
}

func (s *SessionStore) SessionStarted(sess session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, started_at_ms, last_activity_ms) VALUES (?, ?, ?)`,
		sess.ID, sess.StartTime.UnixMilli(), sess.LastActivity.UnixMilli())
	if err != nil {
		log.Printf("[db] failed to record start of session %s: %v", sess.ID, err)
	}
}

func (s *SessionStore) SessionEnded(sess session.Session, reason session.EndReason) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_ms = ?, ended_at_ms = ?, end_reason = ? WHERE id = ?`,
		sess.LastActivity.UnixMilli(), s.clock.Now().UnixMilli(), string(reason), sess.ID)
	if err != nil {
		log.Printf("[db] failed to record end of session %s: %v", sess.ID, err)
	}
}

// RecentSessions returns up to limit sessions, newest first.
func (s *SessionStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at_ms, last_activity_ms, ended_at_ms, end_reason
		FROM sessions
		ORDER BY started_at_ms DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec           SessionRecord
			started, last int64
			ended         sql.NullInt64
			reason        sql.NullString
		)
		if err := rows.Scan(&rec.ID, &started, &last, &ended, &reason); err != nil {
			return nil, err
		}
		rec.StartTime = time.UnixMilli(started).UTC()
		rec.LastActivity = time.UnixMilli(last).UTC()
		if ended.Valid {
			t := time.UnixMilli(ended.Int64).UTC()
			rec.EndTime = &t
		}
		rec.EndReason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
