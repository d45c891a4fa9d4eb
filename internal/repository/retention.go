package repository

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

// Cleaner is the part of EventRepository the retention worker drives.
type Cleaner interface {
	CleanupOldEvents(ctx context.Context, retentionDays int) CleanupResult
}

// RetentionWorkerConfig contains configuration for RetentionWorker.
type RetentionWorkerConfig struct {
	Repository Cleaner
	// Interval is how often to clean up (e.g., 1*time.Hour)
	Interval time.Duration
	// RetentionDays is passed to every cleanup pass.
	RetentionDays int
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
}

// RetentionWorker periodically removes expired synced events and keeps the
// table under budget.
type RetentionWorker struct {
	repo          Cleaner
	interval      time.Duration
	retentionDays int
	clock         timeutil.Clock

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRetentionWorker creates a RetentionWorker.
func NewRetentionWorker(cfg RetentionWorkerConfig) *RetentionWorker {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	days := cfg.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return &RetentionWorker{
		repo:          cfg.Repository,
		interval:      cfg.Interval,
		retentionDays: days,
		clock:         clock,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run performs one pass immediately and then one per interval. It blocks
// until the context is cancelled or Stop is called. Returns nil on clean
// shutdown.
func (w *RetentionWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	defer func() {
		close(doneCh)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if w.interval <= 0 || w.repo == nil {
		opsf("retention worker: interval is zero or no repository, not starting")
		return nil
	}

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	diagf("retention worker started: interval=%v retention=%dd", w.interval, w.retentionDays)
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			diagf("retention worker stopping due to context cancellation")
			return nil
		case <-stopCh:
			diagf("retention worker stopping due to Stop() call")
			return nil
		case <-ticker.C():
			w.RunOnce(ctx)
		}
	}
}

// Stop requests the worker to stop and waits for it. It is safe to call
// multiple times.
func (w *RetentionWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
}

// IsRunning returns whether the worker loop is active.
func (w *RetentionWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce performs a single cleanup pass.
func (w *RetentionWorker) RunOnce(ctx context.Context) CleanupResult {
	res := w.repo.CleanupOldEvents(ctx, w.retentionDays)
	if res.Remaining >= 0 {
		tracef("retention pass: %s expired, %s evicted, %s remain",
			humanize.Comma(res.RetentionDeleted), humanize.Comma(res.Evicted), humanize.Comma(int64(res.Remaining)))
	}
	return res
}
