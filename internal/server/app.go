// Package server builds the application's dependency graph from config and
// runs it either once (crawl, refresh) or as a long-lived service (serve).
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobpost-crawler/internal/api"
	"github.com/JakeFAU/jobpost-crawler/internal/classify"
	"github.com/JakeFAU/jobpost-crawler/internal/clock/system"
	"github.com/JakeFAU/jobpost-crawler/internal/config"
	"github.com/JakeFAU/jobpost-crawler/internal/cooldown"
	"github.com/JakeFAU/jobpost-crawler/internal/crawler"
	"github.com/JakeFAU/jobpost-crawler/internal/dedup"
	"github.com/JakeFAU/jobpost-crawler/internal/discovery"
	"github.com/JakeFAU/jobpost-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/jobpost-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/jobpost-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/jobpost-crawler/internal/hash/sha256"
	"github.com/JakeFAU/jobpost-crawler/internal/headless/detector"
	"github.com/JakeFAU/jobpost-crawler/internal/id/uuid"
	"github.com/JakeFAU/jobpost-crawler/internal/metrics"
	"github.com/JakeFAU/jobpost-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/jobpost-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/jobpost-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/jobpost-crawler/internal/scheduler"
	"github.com/JakeFAU/jobpost-crawler/internal/snapshot"
	"github.com/JakeFAU/jobpost-crawler/internal/source"
	gcsstorage "github.com/JakeFAU/jobpost-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/jobpost-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/jobpost-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/jobpost-crawler/internal/storage/postgres"
	"github.com/JakeFAU/jobpost-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    crawler.PostingStore
	dispatch *dispatcher.Dispatcher
	checks   map[string]api.Check
	closers  []func(context.Context) error
}

// Build creates the application's dependencies. Source entries that fail to
// compile are skipped with a warning; zero usable sources is an error.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger, checks: map[string]api.Check{}}

	strategies, warnings := source.CompileAll(cfg.Sources, logger.Named("source"))
	if len(strategies) == 0 {
		return nil, fmt.Errorf("build sources: %w", dispatcher.ErrNoSources)
	}

	built := false
	defer func() {
		if !built {
			app.Close(context.Background())
		}
	}()

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	tracker, err := app.setupCooldown(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	opts := []snapshot.Option{snapshot.WithLogger(logger.Named("snapshot"))}
	if archive != nil {
		opts = append(opts, snapshot.WithArchive(archive))
	}
	if publisher != nil {
		opts = append(opts, snapshot.WithPublisher(publisher, cfg.PubSub.Topic))
	}
	snapshots := snapshot.New(app.store, ids, clock, opts...)

	orchestrator, err := app.setupOrchestrator(snapshots, clock)
	if err != nil {
		return nil, err
	}

	app.dispatch, err = dispatcher.New(dispatcher.Options{
		Strategies:     strategies,
		SourceWarnings: warnings,
		Families:       cfg.Families,
		Discoverer:     app.setupDiscovery(),
		Runner:         orchestrator,
		Stale:          app.store,
		Cooldown:       tracker,
		Blocklist:      source.NewBlocklist(cfg.Discovery.BlockedDomains),
		Clock:          clock,
		IDs:            ids,
	}, dispatcher.Config{
		Geography:    cfg.Discovery.Geography,
		Recency:      cfg.Recency(),
		MaxResults:   cfg.Discovery.MaxResults,
		StaleAfter:   cfg.StaleAfter(),
		RefreshLimit: cfg.Refresh.BatchLimit,
		CooldownTTL:  cfg.CooldownTTL(),
	}, logger.Named("dispatcher"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	built = true
	logger.Info("application built",
		zap.Strings("sources", app.dispatch.Sources()),
		zap.Int("source_warnings", len(warnings)),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("archive", cfg.Storage.Archive.Backend),
		zap.String("discovery", cfg.Discovery.Provider),
	)
	return app, nil
}

// Dispatcher returns the run coordinator.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Store returns the posting store.
func (a *App) Store() crawler.PostingStore {
	return a.store
}

// RunOnce executes a single run and returns its summary.
func (a *App) RunOnce(ctx context.Context, mode crawler.BatchMode) (crawler.RunSummary, error) {
	summary, err := a.dispatch.Run(ctx, mode)
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("run %s: %w", mode, err)
	}
	return summary, nil
}

// Serve starts the admin API and optional schedules and blocks until ctx is
// canceled.
func (a *App) Serve(ctx context.Context) error {
	var sched *scheduler.Scheduler
	if a.cfg.Schedule.Enabled {
		var err error
		sched, err = scheduler.New(a.dispatch, scheduler.Config{
			Discover: a.cfg.Schedule.Discover,
			Refresh:  a.cfg.Schedule.Refresh,
		}, a.logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
		sched.Start()
	}

	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	apiServer := api.NewServer(runCtx, a.dispatch, a.checks, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if sched != nil {
		sched.Stop()
	}
	cancelRuns()
	a.dispatch.Wait()

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// Close releases every client opened by Build, last opened first.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Storage.Backend != "postgres" {
		a.logger.Info("using in-memory posting store")
		a.store = memorystorage.NewPostingStore()
		return nil
	}
	db := a.cfg.Database
	pg, err := pgstore.NewPostingStore(ctx, pgstore.Config{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: time.Duration(db.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("posting store init failed: %w", err)
	}
	a.onClose(func(context.Context) error { pg.Close(); return nil })
	if db.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
		a.logger.Info("schema migrated")
	}
	a.store = pg
	a.checks["postgres"] = pg.Ping
	a.logger.Info("using postgres posting store", zap.Int32("max_conns", db.MaxConns))
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	archive := a.cfg.Storage.Archive
	switch archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: archive.GCSBucket, Prefix: archive.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving versions to GCS", zap.String("bucket", archive.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving versions to local disk", zap.String("path", archive.LocalDir))
		return blobs, nil
	case "memory":
		a.logger.Info("archiving versions in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.PubSub.Backend {
	case "pubsub":
		pub, err := gcppublisher.NewFromProject(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.onClose(func(context.Context) error { return pub.Close() })
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
		return pub, nil
	case "memory":
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupCooldown(ctx context.Context) (cooldown.Tracker, error) {
	if a.cfg.Cooldown.Backend != "redis" {
		return cooldown.NewMemory(), nil
	}
	rc := a.cfg.Cooldown.Redis
	tracker, err := cooldown.NewRedis(ctx, cooldown.RedisConfig{
		Address:   rc.Address,
		Password:  rc.Password,
		DB:        rc.DB,
		KeyPrefix: rc.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("redis cooldown init failed: %w", err)
	}
	a.onClose(func(context.Context) error { return tracker.Close() })
	a.checks["redis"] = tracker.Ping
	a.logger.Info("using redis cooldown tracker", zap.String("address", rc.Address))
	return tracker, nil
}

func (a *App) setupDiscovery() crawler.Discoverer {
	d := a.cfg.Discovery
	if d.Provider == "search" {
		if d.APIKey == "" || d.EngineID == "" {
			a.logger.Warn("search discovery has no credentials; discover runs will find nothing")
		}
		return discovery.NewSearchClient(discovery.SearchConfig{
			Endpoint:   d.Endpoint,
			APIKey:     d.APIKey,
			EngineID:   d.EngineID,
			Timeout:    time.Duration(d.TimeoutSeconds) * time.Second,
			MaxRetries: uint64(max(d.MaxRetries, 0)),
		}, nil, a.logger.Named("discovery"))
	}
	return discovery.NewStatic(a.cfg.FixtureCandidates())
}

func (a *App) setupOrchestrator(snapshots *snapshot.Store, clock crawler.Clock) (*worker.Orchestrator, error) {
	cfg := a.cfg
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodyBytes:  cfg.Crawler.MaxBodyBytes,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))

	deps := worker.Deps{
		Prefetch:  a.store,
		Snapshots: snapshots,
		Dedup:     dedup.New(a.store, clock, cfg.DedupWindow()),
		Families:  classify.New(cfg.Families),
		Fetcher:   static,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:    cfg.RateLimit.RPS,
			DefaultBurst:  cfg.RateLimit.Burst,
			PenaltyFactor: cfg.RateLimit.PenaltyFactor,
			MinRPS:        cfg.RateLimit.MinRPS,
		}),
		Hasher: sha256.New(),
	}

	if cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
			SettleDelay:       time.Duration(cfg.Headless.SettleDelayMillis) * time.Millisecond,
			WaitSelector:      cfg.Headless.WaitSelector,
			ExecPath:          cfg.Headless.ExecPath,
			NoSandbox:         cfg.Headless.NoSandbox,
			MaxBodyBytes:      cfg.Crawler.MaxBodyBytes,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed; sources needing rendering get static fetches", zap.Error(err))
		} else {
			a.onClose(func(context.Context) error { headless.Close(); return nil })
			deps.Headless = headless
			deps.Detector = detector.NewHeuristic(cfg.Headless.MinTextLength)
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	orchestrator, err := worker.New(deps, worker.Config{
		Concurrency:  cfg.Crawler.Concurrency,
		FetchTimeout: cfg.FetchTimeout(),
		PenaltyPause: cfg.PenaltyPause(),
	}, a.logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	return orchestrator, nil
}
