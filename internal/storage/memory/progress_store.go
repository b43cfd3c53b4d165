package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

type progressEntry struct {
	value     tracker.Progress
	expiresAt time.Time
}

// ProgressStore keeps progress records in a map with lazy TTL expiry.
type ProgressStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]progressEntry
	history map[string][]tracker.Progress
}

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		now:     time.Now,
		entries: make(map[string]progressEntry),
		history: make(map[string][]tracker.Progress),
	}
}

// Get returns the record for key, or nil when missing or expired.
func (s *ProgressStore) Get(_ context.Context, key string) (*tracker.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	v := e.value
	return &v, nil
}

// Set stores value under key. A non-positive ttl never expires.
func (s *ProgressStore) Set(_ context.Context, key string, value tracker.Progress, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := progressEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	s.history[key] = append(s.history[key], value)
	return nil
}

// Delete removes key.
func (s *ProgressStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// History returns every value written to key, oldest first.
func (s *ProgressStore) History(key string) []tracker.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tracker.Progress(nil), s.history[key]...)
}
