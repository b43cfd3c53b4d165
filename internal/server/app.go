// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/notewatch/internal/api"
	"github.com/JakeFAU/notewatch/internal/batch"
	"github.com/JakeFAU/notewatch/internal/browser/headless"
	"github.com/JakeFAU/notewatch/internal/clock/system"
	"github.com/JakeFAU/notewatch/internal/config"
	"github.com/JakeFAU/notewatch/internal/crawler"
	"github.com/JakeFAU/notewatch/internal/id/uuid"
	"github.com/JakeFAU/notewatch/internal/logging"
	"github.com/JakeFAU/notewatch/internal/metrics"
	"github.com/JakeFAU/notewatch/internal/notifier"
	notifymemory "github.com/JakeFAU/notewatch/internal/notifier/memory"
	notifypubsub "github.com/JakeFAU/notewatch/internal/notifier/pubsub"
	"github.com/JakeFAU/notewatch/internal/session"
	gcsstorage "github.com/JakeFAU/notewatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/notewatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/notewatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/notewatch/internal/storage/postgres"
	redisstore "github.com/JakeFAU/notewatch/internal/storage/redis"
	"github.com/JakeFAU/notewatch/internal/tracker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	browser      tracker.Browser
	progress     tracker.ProgressStore
	data         tracker.DataStore
	sender       tracker.NotificationSender
	archive      tracker.BlobStore
	sessions     *session.Manager
	engine       *crawler.Engine
	orchestrator *batch.Orchestrator
	apiServer    *api.Server
	checks       []api.Check

	// runCtx parents batch runs; cancelled on shutdown.
	runCtx    context.Context
	runCancel context.CancelFunc

	closers []func(context.Context) error
}

// Build creates the application's dependencies, including a headless browser.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("progress_backend", cfg.Progress.Backend),
		zap.String("db_backend", cfg.DB.Backend),
		zap.String("notify_backend", cfg.Notify.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
	)

	locators := headless.DefaultLocators()
	for name, sel := range cfg.Browser.Locators {
		locators[tracker.Locator(name)] = sel
	}
	browser, err := headless.New(headless.Config{
		Headless:    cfg.Browser.Headless,
		UserAgent:   cfg.Browser.UserAgent,
		UserDataDir: cfg.Browser.UserDataDir,
		Locators:    locators,
		LoginMarker: cfg.Browser.LoginMarker,
		FindTimeout: cfg.Browser.FindTimeout,
	}, logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}
	app, err := assemble(ctx, cfg, logger, browser)
	if err != nil {
		browser.Close()
		return nil, err
	}
	app.closers = append(app.closers, func(context.Context) error {
		browser.Close()
		return nil
	})
	return app, nil
}

// assemble wires every component around browser. Backends are chosen from cfg.
func assemble(ctx context.Context, cfg *config.Config, logger *zap.Logger, browser tracker.Browser) (_ *App, err error) {
	app := &App{cfg: cfg, logger: logger, browser: browser}
	app.runCtx, app.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		if err != nil {
			app.runCancel()
			if app.sessions != nil {
				app.sessions.Close()
			}
			app.closeInfrastructure(context.Background())
		}
	}()

	steps := []func(context.Context) error{
		app.setupProgress,
		app.setupDatabase,
		app.setupNotifier,
		app.setupArchive,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}

	clock := system.New()
	app.sessions = session.New(browser, app.progress, clock, session.Config{
		LoginURL:      cfg.Browser.LoginURL,
		ProbeURL:      cfg.Browser.ProbeURL,
		PollInterval:  cfg.Session.PollInterval,
		LoginTimeout:  cfg.Session.LoginTimeout,
		SessionTTL:    cfg.Session.TTL,
		ActionTimeout: cfg.Session.ActionTimeout,
		StatusKey:     cfg.LoginKey(),
	}, logger.Named("session"))

	aggregation, err := crawler.ParseAggregation(cfg.Crawl.Aggregation)
	if err != nil {
		return nil, err
	}
	app.engine = crawler.NewEngine(app.sessions, app.archive, clock, crawler.Config{
		SearchURL:      cfg.Browser.SearchURL,
		ResponsePath:   cfg.Browser.SearchResponsePath,
		QueryParam:     cfg.Browser.QueryParam,
		ResponseWindow: cfg.Crawl.ResponseWindow,
		Throttle:       cfg.Crawl.Throttle,
		ActionTimeout:  cfg.Crawl.ActionTimeout,
		Aggregation:    aggregation,
		MinLenASCII:    cfg.Crawl.MinLenASCII,
		MinLenDense:    cfg.Crawl.MinLenDense,
		ArchivePrefix:  cfg.Archive.Prefix,
	}, logger)

	policy, err := notifier.ParsePolicy(cfg.Batch.NotifyPolicy)
	if err != nil {
		return nil, err
	}
	app.orchestrator, err = batch.New(batch.Deps{
		Searcher: app.engine,
		Data:     app.data,
		Progress: app.progress,
		Sender:   app.sender,
		Sessions: app.sessions,
		Clock:    clock,
		IDs:      uuid.New(),
		Logger:   logger,
	}, batch.Config{
		Concurrency:  cfg.Batch.Concurrency,
		EntityDelay:  cfg.Batch.EntityDelay,
		ChunkDelay:   cfg.Batch.ChunkDelay,
		NotifyPolicy: policy,
		ProgressKey:  cfg.UpdateKey(),
		ProgressTTL:  cfg.Batch.ProgressTTL,
		Retry:        cfg.RetryPolicy(),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Options{
		Sessions:       app.sessions,
		Batch:          app.orchestrator,
		Progress:       app.progress,
		ProgressKey:    cfg.UpdateKey(),
		RunContext:     app.runCtx,
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		Checks:         app.checks,
		Logger:         logger.Named("api"),
	})
	return app, nil
}

func (a *App) setupProgress(ctx context.Context) error {
	switch a.cfg.Progress.Backend {
	case "redis":
		store, err := redisstore.Connect(ctx, redisstore.Config{URL: a.cfg.Progress.RedisURL})
		if err != nil {
			return fmt.Errorf("redis progress store init failed: %w", err)
		}
		a.progress = store
		a.checks = append(a.checks, api.Check{Name: "redis", Fn: store.Ping})
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("using redis progress store")
	default:
		a.progress = memorystorage.NewProgressStore()
		a.logger.Info("using in-memory progress store")
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	switch a.cfg.DB.Backend {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres data store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		if a.cfg.DB.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres migrate failed: %w", err)
			}
			a.logger.Info("postgres schema applied")
		}
		a.data = store
		a.checks = append(a.checks, api.Check{Name: "postgres", Fn: store.Ping})
		a.logger.Info("using postgres data store")
	default:
		a.data = memorystorage.NewDataStore()
		a.logger.Warn("using in-memory data store; tracked notes do not survive restarts")
	}
	return nil
}

func (a *App) setupNotifier(ctx context.Context) error {
	switch a.cfg.Notify.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		sender, err := notifypubsub.NewFromClient(client, a.cfg.Notify.Topic)
		if err != nil {
			_ = client.Close()
			return err
		}
		a.sender = sender
		a.closers = append(a.closers, func(context.Context) error {
			sender.Stop()
			return client.Close()
		})
		a.logger.Info("Pub/Sub notifier initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
	default:
		a.sender = notifymemory.New()
		a.logger.Info("using in-memory notifier")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.archive = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("using GCS payload archive", zap.String("bucket", a.cfg.Archive.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		a.archive = store
		a.logger.Info("using local payload archive", zap.String("path", a.cfg.Archive.Dir))
	case "memory":
		a.archive = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory payload archive")
	default:
		a.logger.Info("payload archive disabled")
	}
	return nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signals := a.sessions.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.watchLogins(ctx, signals)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-done
	return a.Close(shutdownCtx)
}

// watchLogins starts a batch run each time the session becomes
// authenticated. A signal that arrives mid-run is dropped.
func (a *App) watchLogins(ctx context.Context, signals <-chan tracker.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-signals:
			if !a.cfg.Batch.RunOnLogin {
				continue
			}
			a.logger.Info("session authenticated; starting batch run", zap.Time("session_created", s.CreatedAt))
			if err := a.orchestrator.Start(a.runCtx); err != nil {
				if errors.Is(err, tracker.ErrBatchInProgress) {
					a.logger.Info("batch run already in progress; signal dropped")
					continue
				}
				a.logger.Error("start batch run failed", zap.Error(err))
			}
		}
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.runCancel()
	a.orchestrator.Wait()
	a.sessions.Close()
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
