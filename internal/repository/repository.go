package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/lettinghenry/roadpulse-sub001/internal/monitoring"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

const (
	DefaultMaxEvents      = 10000
	DefaultEvictionTarget = 0.8
	DefaultRetentionDays  = 30
	DefaultRetries        = 3
	DefaultRetryBackoff   = 100 * time.Millisecond
)

// Config contains configuration for an EventRepository.
type Config struct {
	Store    Store
	Sessions SessionSource
	// Clock drives createdAt stamps, retention cutoffs and retry backoff.
	// Defaults to the real clock.
	Clock    timeutil.Clock
	Reporter monitoring.Reporter
	Device   DeviceInfo

	MaxEvents int
	// EvictionTarget is the fraction of MaxEvents kept after eviction.
	EvictionTarget float64
	RetentionDays  int

	// Retries bounds the attempts made for a transient failure; the backoff
	// grows linearly with each attempt.
	Retries      int
	RetryBackoff time.Duration
}

// EventRepository is the session-gated, budgeted event store.
type EventRepository struct {
	store    Store
	sessions SessionSource
	clock    timeutil.Clock
	reporter monitoring.Reporter
	device   DeviceInfo

	maxEvents     int
	evictTo       int
	retentionDays int
	retries       int
	retryBackoff  time.Duration

	// saveMu serialises the count, cleanup and insert sequence of each save
	// against other saves and explicit cleanups.
	saveMu sync.Mutex
}

// NewEventRepository creates an EventRepository. Zero config values take
// the package defaults.
func NewEventRepository(cfg Config) *EventRepository {
	r := &EventRepository{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		clock:         cfg.Clock,
		reporter:      cfg.Reporter,
		device:        cfg.Device,
		maxEvents:     cfg.MaxEvents,
		retentionDays: cfg.RetentionDays,
		retries:       cfg.Retries,
		retryBackoff:  cfg.RetryBackoff,
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	if r.reporter == nil {
		r.reporter = monitoring.Discard
	}
	if r.maxEvents <= 0 {
		r.maxEvents = DefaultMaxEvents
	}
	target := cfg.EvictionTarget
	if target <= 0 || target >= 1 {
		target = DefaultEvictionTarget
	}
	r.evictTo = int(float64(r.maxEvents) * target)
	if r.retentionDays <= 0 {
		r.retentionDays = DefaultRetentionDays
	}
	if r.retries <= 0 {
		r.retries = DefaultRetries
	}
	if r.retryBackoff <= 0 {
		r.retryBackoff = DefaultRetryBackoff
	}
	return r
}

// Device returns the device identity stamped on converted events.
func (r *EventRepository) Device() DeviceInfo { return r.device }

// MaxEvents returns the row budget.
func (r *EventRepository) MaxEvents() int { return r.maxEvents }

// SaveEventIfSessionActive stamps the live session id onto ev and saves it.
// Without a live session it writes nothing and returns (nil, nil).
func (r *EventRepository) SaveEventIfSessionActive(ctx context.Context, ev AnomalyEvent) (*AnomalyEvent, error) {
	if r.sessions == nil {
		return nil, nil
	}
	id, ok := r.sessions.CurrentSessionID()
	if !ok {
		tracef("no active session, event at %s not saved", ev.CreatedAt.Format(time.RFC3339Nano))
		return nil, nil
	}
	ev.SessionID = id
	return r.SaveEvent(ctx, ev)
}

// SaveEvent inserts ev, first restoring the row budget if one more row
// would exceed it. The saved event is returned with its id and createdAt
// filled in.
func (r *EventRepository) SaveEvent(ctx context.Context, ev AnomalyEvent) (*AnomalyEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.clock.Now().UTC()
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if err := r.ensureCapacity(ctx); err != nil {
		return nil, err
	}
	err := r.withRetryLocked(ctx, "insert event", func(ctx context.Context) error {
		return r.store.Insert(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	diagf("saved event %s: severity %d peak %.2f m/s² session %s", ev.ID, ev.Severity, ev.PeakAccelMs2, ev.SessionID)
	return &ev, nil
}

// ensureCapacity makes room for one more row. Callers hold saveMu.
func (r *EventRepository) ensureCapacity(ctx context.Context) error {
	var count int
	err := r.withRetryLocked(ctx, "count events", func(ctx context.Context) error {
		var err error
		count, err = r.store.Count(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if count+1 <= r.maxEvents {
		return nil
	}

	opsf("event budget reached (%s of %s), cleaning up before insert",
		humanize.Comma(int64(count)), humanize.Comma(int64(r.maxEvents)))
	res, err := r.cleanup(ctx, r.retentionDays)
	if err != nil {
		return r.fail("cleanup before insert", Classify(err), 1, err)
	}
	if res.Remaining+1 > r.maxEvents {
		return r.fail("insert event", KindFull, 1, fmt.Errorf(
			"%s rows remain after cleanup, budget is %s: %w",
			humanize.Comma(int64(res.Remaining)), humanize.Comma(int64(r.maxEvents)), ErrStorageFull))
	}
	return nil
}

// CleanupResult summarises one cleanup pass.
type CleanupResult struct {
	RetentionDeleted int64
	Evicted          int64
	// Remaining is the row count after the pass, or -1 if it could not be
	// read.
	Remaining int
}

// CleanupOldEvents deletes synced rows older than retentionDays and, if the
// table is still at or over budget, evicts the oldest synced rows down to
// the eviction target. Unsynced rows are never removed. Failures are logged
// and reported, never returned.
func (r *EventRepository) CleanupOldEvents(ctx context.Context, retentionDays int) CleanupResult {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	res, err := r.cleanup(ctx, retentionDays)
	if err != nil {
		opsf("cleanup failed: %v", err)
		r.reporter.Report(monitoring.NewReport(monitoring.CategoryCleanup, "cleanup failed", err))
	}
	return res
}

// cleanup runs one pass. Callers hold saveMu.
func (r *EventRepository) cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	res := CleanupResult{Remaining: -1}
	if retentionDays <= 0 {
		retentionDays = r.retentionDays
	}

	cutoff := r.clock.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	deleted, err := r.store.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("delete synced events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	res.RetentionDeleted = deleted

	count, err := r.store.Count(ctx)
	if err != nil {
		return res, fmt.Errorf("count events: %w", err)
	}
	if count >= r.maxEvents {
		evicted, err := r.store.DeleteOldestSynced(ctx, count-r.evictTo)
		if err != nil {
			return res, fmt.Errorf("evict oldest synced events: %w", err)
		}
		res.Evicted = evicted
		count -= int(evicted)
		if count > r.evictTo {
			opsf("eviction stopped at %s rows: remaining rows are unsynced", humanize.Comma(int64(count)))
		}
	}
	res.Remaining = count

	if res.RetentionDeleted > 0 || res.Evicted > 0 {
		diagf("cleanup removed %s expired and %s evicted events, %s remain",
			humanize.Comma(res.RetentionDeleted), humanize.Comma(res.Evicted), humanize.Comma(int64(count)))
	}
	return res, nil
}

// MarkSynced flags events as uploaded, making them eligible for retention
// and eviction. It returns the number of rows changed.
func (r *EventRepository) MarkSynced(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := r.withRetry(ctx, "mark synced", func(ctx context.Context) error {
		var err error
		n, err = r.store.MarkSynced(ctx, ids)
		return err
	})
	return n, err
}

// UnsyncedEvents returns up to limit events not yet uploaded, oldest first.
func (r *EventRepository) UnsyncedEvents(ctx context.Context, limit int) ([]AnomalyEvent, error) {
	var out []AnomalyEvent
	err := r.withRetry(ctx, "list unsynced", func(ctx context.Context) error {
		var err error
		out, err = r.store.ListUnsynced(ctx, limit)
		return err
	})
	return out, err
}

// Event returns one event by id, or an error matching ErrNotFound.
func (r *EventRepository) Event(ctx context.Context, id string) (*AnomalyEvent, error) {
	var ev *AnomalyEvent
	err := r.withRetry(ctx, "get event", func(ctx context.Context) error {
		var err error
		ev, err = r.store.Get(ctx, id)
		return err
	})
	return ev, err
}

// DeleteEvent removes one event and reports whether it existed.
func (r *EventRepository) DeleteEvent(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.withRetry(ctx, "delete event", func(ctx context.Context) error {
		var err error
		ok, err = r.store.Delete(ctx, id)
		return err
	})
	return ok, err
}

// Count returns the number of stored events.
func (r *EventRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.withRetry(ctx, "count events", func(ctx context.Context) error {
		var err error
		n, err = r.store.Count(ctx)
		return err
	})
	return n, err
}

// withRetry runs fn under the storage retry policy: a full store gets one
// cleanup and another try, transient failures are retried up to r.retries
// attempts with linear backoff, anything else fails at once. ErrNotFound is
// returned unwrapped. The cleanup takes saveMu.
func (r *EventRepository) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return r.retry(ctx, op, false, fn)
}

// withRetryLocked is withRetry for callers already holding saveMu.
func (r *EventRepository) withRetryLocked(ctx context.Context, op string, fn func(context.Context) error) error {
	return r.retry(ctx, op, true, fn)
}

func (r *EventRepository) retry(ctx context.Context, op string, held bool, fn func(context.Context) error) error {
	attempts := 0
	transient := 0
	cleaned := false
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}

		kind := Classify(err)
		switch kind {
		case KindFull:
			if !cleaned {
				cleaned = true
				opsf("%s: store full, cleaning up and retrying: %v", op, err)
				if !held {
					r.saveMu.Lock()
				}
				_, cerr := r.cleanup(ctx, r.retentionDays)
				if !held {
					r.saveMu.Unlock()
				}
				if cerr != nil {
					opsf("%s: cleanup after full store failed: %v", op, cerr)
				}
				continue
			}
		case KindTransient:
			transient++
			if transient < r.retries && ctx.Err() == nil {
				wait := time.Duration(transient) * r.retryBackoff
				opsf("%s: transient failure (attempt %d/%d), retrying in %s: %v", op, transient, r.retries, wait, err)
				if werr := r.clock.SleepContext(ctx, wait); werr != nil {
					return r.fail(op, kind, attempts, errors.Join(err, werr))
				}
				continue
			}
		}
		return r.fail(op, kind, attempts, err)
	}
}

func (r *EventRepository) fail(op string, kind ErrorKind, attempts int, err error) error {
	serr := &StorageError{Kind: kind, Op: op, Attempts: attempts, Err: err}
	opsf("%v", serr)
	r.reporter.Report(monitoring.NewReport(kind.category(), op, err))
	return serr
}
