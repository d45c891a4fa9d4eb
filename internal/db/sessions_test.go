package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lettinghenry/roadpulse-sub001/internal/session"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

func TestSessionStore_RecordsBoundaries(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t)
	clock := timeutil.NewMockClock(base)
	store := NewSessionStore(db, clock)
	mgr := session.NewManager(clock, session.WithObserver(store))

	first := mgr.StartSession()
	clock.Advance(2 * time.Minute)
	mgr.UpdateActivity()
	clock.Advance(5 * time.Minute)

	second := mgr.StartSession()
	clock.Advance(time.Minute)
	mgr.EndSession()

	recs, err := store.RecentSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, second, recs[0].ID)
	assert.Equal(t, string(session.EndExplicit), recs[0].EndReason)
	require.NotNil(t, recs[0].EndTime)
	assert.Equal(t, base.Add(8*time.Minute), *recs[0].EndTime)

	assert.Equal(t, first, recs[1].ID)
	assert.Equal(t, base, recs[1].StartTime)
	assert.Equal(t, base.Add(2*time.Minute), recs[1].LastActivity)
	assert.Equal(t, string(session.EndTimeout), recs[1].EndReason)
	require.NotNil(t, recs[1].EndTime)
	assert.Equal(t, base.Add(7*time.Minute), *recs[1].EndTime)
}

func TestSessionStore_OpenSession(t *testing.T) {
	t.Parallel()

	db, _ := newTestStore(t)
	store := NewSessionStore(db, nil)
	store.SessionStarted(session.Session{ID: "s1", StartTime: base, LastActivity: base})
	store.SessionStarted(session.Session{ID: "s1", StartTime: base.Add(time.Hour), LastActivity: base.Add(time.Hour)})

	recs, err := store.RecentSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].EndTime)
	assert.Empty(t, recs[0].EndReason)
	assert.Equal(t, base, recs[0].StartTime, "duplicate start is ignored")
}
