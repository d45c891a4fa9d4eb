// Package session bounds detection activity to a single session id that
// expires after a period without activity.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lettinghenry/roadpulse-sub001/internal/monitoring"
	"github.com/lettinghenry/roadpulse-sub001/internal/timeutil"
)

// DefaultTimeout is the inactivity period after which a session ends.
const DefaultTimeout = 5 * time.Minute

// Session is the active session record.
type Session struct {
	ID           string
	StartTime    time.Time
	LastActivity time.Time
}

// EndReason says why a session ended.
type EndReason string

const (
	EndExplicit EndReason = "ended"
	// EndTimeout is reported when the scheduled timeout fired.
	EndTimeout EndReason = "timeout"
	// EndExpired is reported when a read noticed the session was stale
	// before the timeout fired.
	EndExpired EndReason = "expired"
)

// Observer is notified of session boundaries. Calls happen outside the
// manager's lock, in the goroutine that caused the change.
type Observer interface {
	SessionStarted(s Session)
	SessionEnded(s Session, reason EndReason)
}

// Manager is the SessionManager. All access to the session record goes
// through one mutex, which the timeout callback also takes.
type Manager struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	timeout  time.Duration
	current  *Session
	timer    timeutil.Timer
	observer Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver registers an observer for session boundaries.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager returns a Manager with no active session.
func NewManager(clock timeutil.Clock, opts ...Option) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	m := &Manager{clock: clock, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type notification struct {
	session Session
	started bool
	reason  EndReason
}

func (m *Manager) notify(events []notification) {
	if m.observer == nil {
		return
	}
	for _, ev := range events {
		if ev.started {
			m.observer.SessionStarted(ev.session)
		} else {
			m.observer.SessionEnded(ev.session, ev.reason)
		}
	}
}

// StartSession returns the live session id, refreshing its activity, or
// starts a new session if none is live.
func (m *Manager) StartSession() string {
	var events []notification
	defer func() { m.notify(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if ended, ok := m.expireLocked(now); ok {
		events = append(events, ended)
	}
	if m.current != nil {
		m.current.LastActivity = now
		m.scheduleLocked()
		return m.current.ID
	}

	m.current = &Session{ID: uuid.New().String(), StartTime: now, LastActivity: now}
	m.scheduleLocked()
	monitoring.Logf("session %s started", m.current.ID)
	events = append(events, notification{session: *m.current, started: true})
	return m.current.ID
}

// UpdateActivity refreshes the live session's activity time and pushes its
// timeout back. It reports false when no session is live.
func (m *Manager) UpdateActivity() bool {
	var events []notification
	defer func() { m.notify(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if ended, ok := m.expireLocked(now); ok {
		events = append(events, ended)
	}
	if m.current == nil {
		return false
	}
	m.current.LastActivity = now
	m.scheduleLocked()
	return true
}

// CurrentSessionID returns the live session id. A session whose inactivity
// has reached the timeout is cleared here even if its timer has not fired.
func (m *Manager) CurrentSessionID() (string, bool) {
	s, ok := m.Current()
	return s.ID, ok
}

// HasActiveSession reports whether a session is live.
func (m *Manager) HasActiveSession() bool {
	_, ok := m.Current()
	return ok
}

// Current returns a copy of the live session record.
func (m *Manager) Current() (Session, bool) {
	var events []notification
	defer func() { m.notify(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if ended, ok := m.expireLocked(m.clock.Now()); ok {
		events = append(events, ended)
	}
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// EndSession ends the live session, if any, and cancels its timeout.
func (m *Manager) EndSession() {
	var events []notification
	defer func() { m.notify(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	monitoring.Logf("session %s ended", m.current.ID)
	events = append(events, notification{session: *m.current, reason: EndExplicit})
	m.clearLocked()
}

// expireLocked clears the session if its inactivity has reached the timeout.
func (m *Manager) expireLocked(now time.Time) (notification, bool) {
	if m.current == nil || now.Sub(m.current.LastActivity) < m.timeout {
		return notification{}, false
	}
	monitoring.Logf("session %s expired after %s idle", m.current.ID, now.Sub(m.current.LastActivity).Round(time.Second))
	n := notification{session: *m.current, reason: EndExpired}
	m.clearLocked()
	return n, true
}

func (m *Manager) clearLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.current = nil
}

// scheduleLocked replaces the pending timeout with one measured from now.
func (m *Manager) scheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	id := m.current.ID
	m.timer = m.clock.AfterFunc(m.timeout, func() { m.onTimeout(id) })
}

// onTimeout runs on the timer goroutine. A stop that raced with the firing
// leaves a stale callback, so the session id and elapsed time are checked
// again under the lock before anything is cleared.
func (m *Manager) onTimeout(id string) {
	var events []notification
	defer func() { m.notify(events) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.ID != id {
		return
	}
	idle := m.clock.Since(m.current.LastActivity)
	if idle < m.timeout {
		return
	}
	monitoring.Logf("session %s timed out after %s idle", id, idle.Round(time.Second))
	events = append(events, notification{session: *m.current, reason: EndTimeout})
	m.current = nil
	m.timer = nil
}
