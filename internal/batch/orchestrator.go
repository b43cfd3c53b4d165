// Package batch refreshes the stored engagement metrics of every tracked
// note, one application at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/notewatch/internal/clock/system"
	"github.com/JakeFAU/notewatch/internal/metrics"
	"github.com/JakeFAU/notewatch/internal/notifier"
	"github.com/JakeFAU/notewatch/internal/retry"
	"github.com/JakeFAU/notewatch/internal/tracker"
)

// Searcher resolves an entity name to current metrics.
type Searcher interface {
	Lookup(ctx context.Context, query string) (tracker.MetricsSnapshot, error)
}

// SessionState reports the login state recorded alongside progress.
type SessionState interface {
	State() tracker.LoginState
}

// Config controls pacing, concurrency, and persistence of a run.
type Config struct {
	// Concurrency is the number of items of one entity updated at once.
	Concurrency  int
	EntityDelay  time.Duration
	ChunkDelay   time.Duration
	NotifyPolicy notifier.Policy
	ProgressKey  string
	ProgressTTL  time.Duration
	Retry        retry.Policy
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.EntityDelay < 0 {
		c.EntityDelay = 0
	}
	if c.ChunkDelay < 0 {
		c.ChunkDelay = 0
	}
	if c.NotifyPolicy == "" {
		c.NotifyPolicy = notifier.NotifyOnChange
	}
	if c.ProgressKey == "" {
		c.ProgressKey = "notewatch:update"
	}
	if c.ProgressTTL <= 0 {
		c.ProgressTTL = 24 * time.Hour
	}
	return c
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Searcher Searcher
	Data     tracker.DataStore
	Progress tracker.ProgressStore
	Sender   tracker.NotificationSender
	// Sessions is optional.
	Sessions SessionState
	Clock    tracker.Clock
	IDs      tracker.IDGenerator
	Logger   *zap.Logger
}

// Orchestrator runs at most one batch at a time.
type Orchestrator struct {
	cfg      Config
	searcher Searcher
	data     tracker.DataStore
	progress tracker.ProgressStore
	sender   tracker.NotificationSender
	sessions SessionState
	clock    tracker.Clock
	ids      tracker.IDGenerator
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error

	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	current *progressTracker
	last    *tracker.Progress
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Searcher == nil:
		return nil, errors.New("batch: searcher is required")
	case deps.Data == nil:
		return nil, errors.New("batch: data store is required")
	case deps.Progress == nil:
		return nil, errors.New("batch: progress store is required")
	case deps.Sender == nil:
		return nil, errors.New("batch: notification sender is required")
	case deps.Clock == nil:
		return nil, errors.New("batch: clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		searcher: deps.Searcher,
		data:     deps.Data,
		progress: deps.Progress,
		sender:   deps.Sender,
		sessions: deps.Sessions,
		clock:    deps.Clock,
		ids:      deps.IDs,
		logger:   logger.Named("batch"),
		sleep:    system.Sleep,
	}, nil
}

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Current returns the in-memory progress of the active run.
func (o *Orchestrator) Current() (tracker.Progress, bool) {
	o.mu.Lock()
	t := o.current
	o.mu.Unlock()
	if t == nil {
		return tracker.Progress{}, false
	}
	return t.snapshot(), true
}

// LastRun returns the final progress of the most recent finished run.
func (o *Orchestrator) LastRun() (tracker.Progress, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return tracker.Progress{}, false
	}
	return *o.last, true
}

// RunBatch executes one run synchronously. It returns
// tracker.ErrBatchInProgress without doing anything if a run is active.
func (o *Orchestrator) RunBatch(ctx context.Context) (tracker.Progress, error) {
	if !o.running.CompareAndSwap(false, true) {
		return tracker.Progress{}, tracker.ErrBatchInProgress
	}
	defer o.running.Store(false)
	return o.execute(ctx)
}

// Start launches a run in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return tracker.ErrBatchInProgress
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.running.Store(false)
		if _, err := o.execute(ctx); err != nil {
			o.logger.Debug("background run ended with error", zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until background runs started with Start return.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) execute(ctx context.Context) (tracker.Progress, error) {
	metrics.SetBatchActive(true)
	defer metrics.SetBatchActive(false)

	runID := ""
	if o.ids != nil {
		id, err := o.ids.NewID()
		if err != nil {
			o.logger.Warn("generate run id", zap.Error(err))
		}
		runID = id
	}
	login := tracker.LoginState("")
	if o.sessions != nil {
		login = o.sessions.State()
	}
	t := &progressTracker{
		store:  o.progress,
		key:    o.cfg.ProgressKey,
		ttl:    o.cfg.ProgressTTL,
		clock:  o.clock,
		logger: o.logger,
	}
	o.mu.Lock()
	o.current = t
	o.mu.Unlock()

	logger := o.logger.With(zap.String("run_id", runID))
	logger.Info("batch run started")

	err := t.start(ctx, runID, login)
	if err == nil {
		err = o.run(ctx, t, logger)
	}

	// The final write must land even when ctx was cancelled.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var final tracker.Progress
	if err != nil {
		final = t.abort(finalCtx, err)
		metrics.ObserveBatchRun("failed")
		logger.Error("batch run aborted",
			zap.Error(err),
			zap.Int("total", final.Total),
			zap.Int("processed", final.Processed),
			zap.Int("failed", final.Failed),
		)
	} else {
		final = t.complete(finalCtx)
		metrics.ObserveBatchRun("completed")
		logger.Info("batch run completed",
			zap.Int("total", final.Total),
			zap.Int("processed", final.Processed),
			zap.Int("failed", final.Failed),
		)
	}

	o.mu.Lock()
	o.current = nil
	o.last = &final
	o.mu.Unlock()
	return final, err
}

type group struct {
	entity tracker.Entity
	items  []tracker.TrackedItem
}

func (o *Orchestrator) run(ctx context.Context, t *progressTracker, logger *zap.Logger) error {
	entities, err := o.data.ListEntities(ctx)
	if err != nil {
		return asSystemic("list entities", err)
	}
	groups := make([]group, 0, len(entities))
	total := 0
	for _, e := range entities {
		items, err := o.data.ListItems(ctx, e.ID)
		if err != nil {
			return asSystemic("list items", err)
		}
		if len(items) == 0 {
			continue
		}
		groups = append(groups, group{entity: e, items: items})
		total += len(items)
	}
	if total == 0 {
		logger.Info("nothing to refresh")
		return nil
	}
	if err := t.setTotal(ctx, total); err != nil {
		return err
	}

	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.processEntity(ctx, t, g, logger); err != nil {
			return err
		}
		if i < len(groups)-1 {
			if err := o.sleep(ctx, o.cfg.EntityDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) processEntity(ctx context.Context, t *progressTracker, g group, logger *zap.Logger) error {
	logger = logger.With(zap.String("entity", g.entity.Name), zap.Int("items", len(g.items)))

	snap, err := retry.Value(ctx, o.lookupPolicy(logger), func(ctx context.Context) (tracker.MetricsSnapshot, error) {
		return o.searcher.Lookup(ctx, g.entity.Name)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tracker.IsSystemic(err) {
			return err
		}
		logger.Warn("entity lookup failed; counting its items as failed", zap.Error(err))
		metrics.ObserveItems("failed", len(g.items))
		return t.record(ctx, 0, len(g.items))
	}

	width := o.cfg.Concurrency
	for start := 0; start < len(g.items); start += width {
		end := min(start+width, len(g.items))
		eg, egCtx := errgroup.WithContext(ctx)
		for _, item := range g.items[start:end] {
			eg.Go(func() error {
				return o.processItem(egCtx, t, g.entity, item, snap, logger)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		if end < len(g.items) {
			if err := o.sleep(ctx, o.cfg.ChunkDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// processItem returns an error only when the run must abort.
func (o *Orchestrator) processItem(
	ctx context.Context,
	t *progressTracker,
	entity tracker.Entity,
	item tracker.TrackedItem,
	snap tracker.MetricsSnapshot,
	logger *zap.Logger,
) error {
	logger = logger.With(zap.String("item", item.ID))
	err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return o.data.UpdateItemMetrics(ctx, item.ID, snap.Metrics)
	})
	if err != nil {
		if tracker.IsSystemic(err) || ctx.Err() != nil {
			return err
		}
		logger.Warn("update item metrics failed", zap.Error(err))
		metrics.ObserveItems("failed", 1)
		return t.record(ctx, 0, 1)
	}

	if err := o.notify(ctx, entity, item, snap, logger); err != nil {
		return err
	}
	metrics.ObserveItems("processed", 1)
	return t.record(ctx, 1, 0)
}

// notify sends the owner notification for an updated item. Send failures are
// logged and swallowed; a vanished entity is systemic.
func (o *Orchestrator) notify(
	ctx context.Context,
	entity tracker.Entity,
	item tracker.TrackedItem,
	snap tracker.MetricsSnapshot,
	logger *zap.Logger,
) error {
	res := notifier.Diff(item.Metrics, snap.Metrics)
	action := notifier.Decide(res, o.cfg.NotifyPolicy)
	if action == notifier.ActionSkip {
		metrics.ObserveNotification(string(action), "skipped")
		return nil
	}

	owner, err := o.data.GetEntity(ctx, entity.ID)
	if err != nil {
		if tracker.IsSystemic(err) {
			return err
		}
		logger.Warn("resolve notification recipient failed", zap.Error(err))
		metrics.ObserveNotification(string(action), "error")
		return nil
	}
	if owner == nil {
		return tracker.Systemic("resolve notification recipient",
			fmt.Errorf("entity %s: %w", entity.ID, tracker.ErrNotFound))
	}

	n := tracker.Notification{
		RecipientRef: owner.OwnerID,
		EntityName:   owner.Name,
		Action:       string(action),
		ItemRef:      item.ExternalRef,
		Delta:        res.Deltas,
		Snapshot:     snap,
		SentAt:       o.clock.Now(),
	}
	if err := o.sender.Send(ctx, n); err != nil {
		logger.Warn("send notification failed", zap.String("action", n.Action), zap.Error(err))
		metrics.ObserveNotification(n.Action, "error")
		return nil
	}
	metrics.ObserveNotification(n.Action, "sent")
	return nil
}

// lookupPolicy retries transient lookup failures but never a search that
// simply found nothing or a session that needs a new login.
func (o *Orchestrator) lookupPolicy(logger *zap.Logger) retry.Policy {
	p := o.cfg.Retry
	base := p.IsRetryable
	if base == nil {
		base = retry.IsTransient
	}
	p.IsRetryable = func(err error) bool {
		switch {
		case errors.Is(err, tracker.ErrNotFound),
			errors.Is(err, tracker.ErrNotAuthenticated),
			tracker.IsValidation(err):
			return false
		}
		return base(err)
	}
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Info("retrying lookup", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
	return p
}

func asSystemic(op string, err error) error {
	if tracker.IsSystemic(err) {
		return err
	}
	return tracker.Systemic(op, err)
}
