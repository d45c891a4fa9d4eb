// Package observe provides a latest-value broadcast subject. Subscribers
// never see history: a slow subscriber only ever finds the newest value in
// its channel.
package observe

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
)

// Subject holds a single current value and pushes changes to subscribers.
type Subject[T comparable] struct {
	mu          sync.Mutex
	value       T
	subscribers map[string]chan T
	closed      bool
}

// NewSubject returns a Subject whose current value is initial.
func NewSubject[T comparable](initial T) *Subject[T] {
	return &Subject[T]{
		value:       initial,
		subscribers: make(map[string]chan T),
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Value returns the current value.
func (s *Subject[T]) Value() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set stores v and publishes it if it differs from the current value.
// It reports whether the value changed.
func (s *Subject[T]) Set(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || v == s.value {
		return false
	}
	s.value = v
	for _, ch := range s.subscribers {
		offerLatest(ch, v)
	}
	return true
}

// offerLatest replaces whatever is buffered in ch with v. Only Set writes to
// subscriber channels and it holds the subject lock, so the second send
// cannot block.
func offerLatest[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Subscribe returns an ID and a channel that immediately holds the current
// value and thereafter the latest published one.
func (s *Subject[T]) Subscribe() (string, <-chan T) {
	id := randomID()
	ch := make(chan T, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	ch <- s.value
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (s *Subject[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Close closes every subscriber channel. Later Set calls are ignored.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}
