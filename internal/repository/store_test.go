package repository

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store. Errors queued in insertErrs are returned
// by successive Insert calls before any row is written.
type memStore struct {
	mu         sync.Mutex
	rows       []AnomalyEvent
	insertErrs []error
	countErr   error
	deleteErr  error
	inserts    int
}

func (s *memStore) Insert(_ context.Context, ev AnomalyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if len(s.insertErrs) > 0 {
		err := s.insertErrs[0]
		s.insertErrs = s.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	s.rows = append(s.rows, ev)
	return nil
}

func (s *memStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), s.countErr
}

func (s *memStore) DeleteSyncedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	var n int64
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.Synced && r.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return n, nil
}

func (s *memStore) DeleteOldestSynced(_ context.Context, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	var synced []AnomalyEvent
	for _, r := range s.rows {
		if r.Synced {
			synced = append(synced, r)
		}
	}
	sort.SliceStable(synced, func(i, j int) bool { return synced[i].CreatedAt.Before(synced[j].CreatedAt) })
	if limit > len(synced) {
		limit = len(synced)
	}
	drop := make(map[string]bool, limit)
	for _, r := range synced[:limit] {
		drop[r.ID] = true
	}
	kept := s.rows[:0]
	for _, r := range s.rows {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	s.rows = kept
	return int64(limit), nil
}

func (s *memStore) MarkSynced(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for i := range s.rows {
		if want[s.rows[i].ID] && !s.rows[i].Synced {
			s.rows[i].Synced = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListUnsynced(_ context.Context, limit int) ([]AnomalyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AnomalyEvent
	for _, r := range s.rows {
		if !r.Synced && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, id string) (*AnomalyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			ev := r
			return &ev, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if r.ID == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) snapshot() []AnomalyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AnomalyEvent(nil), s.rows...)
}

type fixedSession struct {
	id string
}

func (f fixedSession) CurrentSessionID() (string, bool) { return f.id, f.id != "" }
