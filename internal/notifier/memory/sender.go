// Package memory contains an in-memory notification sender for tests and
// local development.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// Sender records notifications for inspection.
type Sender struct {
	mu   sync.RWMutex
	sent []tracker.Notification
	// Err, when set, is returned from every Send.
	Err error
}

// New returns a memory Sender.
func New() *Sender {
	return &Sender{}
}

// Send records the notification, or returns Err if one is configured.
func (s *Sender) Send(_ context.Context, n tracker.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (s *Sender) Sent() []tracker.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tracker.Notification, len(s.sent))
	copy(out, s.sent)
	return out
}
