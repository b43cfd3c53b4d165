package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/notewatch/internal/tracker"
)

// progressTracker owns the run's Progress value. Every mutation is persisted
// while the lock is held so the store never sees counters go backwards.
type progressTracker struct {
	mu     sync.Mutex
	p      tracker.Progress
	store  tracker.ProgressStore
	key    string
	ttl    time.Duration
	clock  tracker.Clock
	logger *zap.Logger
}

func (t *progressTracker) snapshot() tracker.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p
}

func (t *progressTracker) update(ctx context.Context, fn func(p *tracker.Progress)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.p)
	now := t.clock.Now()
	t.p.LastUpdate = &now
	return t.persistLocked(ctx)
}

func (t *progressTracker) start(ctx context.Context, runID string, login tracker.LoginState) error {
	return t.update(ctx, func(p *tracker.Progress) {
		now := t.clock.Now()
		*p = tracker.Progress{
			RunID:       runID,
			LoginState:  login,
			UpdateState: tracker.UpdateUpdating,
			StartedAt:   &now,
		}
	})
}

func (t *progressTracker) setTotal(ctx context.Context, total int) error {
	return t.update(ctx, func(p *tracker.Progress) { p.Total = total })
}

// record counts finished items. processed and failed are disjoint so that
// Done never exceeds Total.
func (t *progressTracker) record(ctx context.Context, processed, failed int) error {
	return t.update(ctx, func(p *tracker.Progress) {
		p.Processed += processed
		p.Failed += failed
	})
}

func (t *progressTracker) persistLocked(ctx context.Context) error {
	if err := t.store.Set(ctx, t.key, t.p, t.ttl); err != nil {
		if tracker.IsSystemic(err) {
			return err
		}
		t.logger.Warn("persist progress failed", zap.String("key", t.key), zap.Error(err))
	}
	return nil
}

// complete marks the run completed and removes the stored record.
func (t *progressTracker) complete(ctx context.Context) tracker.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.p.UpdateState = tracker.UpdateCompleted
	t.p.LastUpdate = &now
	if err := t.store.Delete(ctx, t.key); err != nil {
		t.logger.Warn("delete progress record failed", zap.String("key", t.key), zap.Error(err))
	}
	return t.p
}

// abort marks the run failed and leaves the record in place for inspection.
func (t *progressTracker) abort(ctx context.Context, cause error) tracker.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.p.UpdateState = tracker.UpdateFailed
	t.p.Error = cause.Error()
	t.p.LastUpdate = &now
	if err := t.store.Set(ctx, t.key, t.p, t.ttl); err != nil {
		t.logger.Warn("persist failed run", zap.String("key", t.key), zap.Error(err))
	}
	return t.p
}
