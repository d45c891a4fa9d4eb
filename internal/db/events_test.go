package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lettinghenry/roadpulse-sub001/internal/repository"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

var base = time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*DB, *EventStore) {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, NewEventStore(db)
}

func testEvent(i int, synced bool) repository.AnomalyEvent {
	return repository.AnomalyEvent{
		ID:                fmt.Sprintf("ev-%04d", i),
		CreatedAt:         base.Add(time.Duration(i) * time.Second),
		Lat:               48.1 + float64(i)*1e-4,
		Lon:               11.5,
		GPSAccuracyM:      4.5,
		SpeedKmh:          38,
		PeakAccelMs2:      4.2,
		ImpulseDurationMs: 100,
		Severity:          2,
		Confidence:        0.8,
		DeviceModel:       "rpi4",
		PlatformVersion:   "linux 6.6",
		SessionID:         "session-a",
		Synced:            synced,
	}
}

func TestEventStore_RoundTrip(t *testing.T) {
	t.Parallel()

	_, store := newTestStore(t)
	ctx := context.Background()

	heading := 182.5
	want := testEvent(1, false)
	want.HeadingDeg = &heading
	want.CreatedAt = base.Add(1234 * time.Millisecond)
	require.NoError(t, store.Insert(ctx, want))

	got, err := store.Get(ctx, want.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	noHeading := testEvent(2, true)
	require.NoError(t, store.Insert(ctx, noHeading))
	got, err = store.Get(ctx, noHeading.ID)
	require.NoError(t, err)
	assert.Nil(t, got.HeadingDeg)
	assert.True(t, got.Synced)

	_, err = store.Get(ctx, "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.Error(t, store.Insert(ctx, want), "duplicate id")
}

func TestEventStore_SeverityConstraint(t *testing.T) {
	t.Parallel()

	_, store := newTestStore(t)
	ev := testEvent(1, false)
	ev.Severity = 0
	assert.Error(t, store.Insert(context.Background(), ev))
}

func TestEventStore_DeletesOnlySyncedRows(t *testing.T) {
	t.Parallel()

	_, store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Insert(ctx, testEvent(i, i%2 == 0)))
	}

	n, err := store.DeleteSyncedBefore(ctx, base.Add(5*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "ev-0000, ev-0002, ev-0004")

	n, err = store.DeleteOldestSynced(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = store.Get(ctx, "ev-0006")
	assert.ErrorIs(t, err, repository.ErrNotFound, "oldest remaining synced row goes first")

	n, err = store.DeleteOldestSynced(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count, "all unsynced rows remain")

	n, err = store.DeleteOldestSynced(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEventStore_MarkSyncedAndList(t *testing.T) {
	t.Parallel()

	_, store := newTestStore(t)
	ctx := context.Background()
	for i := 5; i >= 0; i-- {
		require.NoError(t, store.Insert(ctx, testEvent(i, false)))
	}

	n, err := store.MarkSynced(ctx, []string{"ev-0001", "ev-0003", "missing"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	n, err = store.MarkSynced(ctx, []string{"ev-0001"})
	require.NoError(t, err)
	assert.Zero(t, n, "already synced")

	list, err := store.ListUnsynced(ctx, 3)
	require.NoError(t, err)
	var ids []string
	for _, ev := range list {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"ev-0000", "ev-0002", "ev-0004"}, ids)

	all, err := store.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	ok, err := store.Delete(ctx, "ev-0004")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Delete(ctx, "ev-0004")
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err := store.SessionEventCounts(ctx, "session-a", "session-b")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"session-a": 5, "session-b": 0}, counts)
}

func TestRepositoryOverSQLite_Budget(t *testing.T) {
	t.Parallel()

	_, store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, store.Insert(ctx, testEvent(i, i%10 != 0)))
	}

	clock := timeutil.NewMockClock(base.Add(time.Hour))
	repo := repository.NewEventRepository(repository.Config{
		Store:     store,
		Clock:     clock,
		MaxEvents: 100,
	})

	ev := testEvent(1000, false)
	ev.ID = ""
	saved, err := repo.SaveEvent(ctx, ev)
	require.NoError(t, err)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 81, count, "80 retained plus the new row")

	unsynced, err := store.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unsynced, 11)
	assert.Equal(t, saved.ID, unsynced[len(unsynced)-1].ID)
}

func TestRepositoryOverSQLite_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "garbage.db")
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte('x')
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o644))

	_, err := OpenDB(path)
	require.Error(t, err)
	assert.Equal(t, repository.KindCorrupt, repository.Classify(err))
}
