// Package app wires every component package into a runnable service,
// selecting behavior by cfg.Mode the way a twelve-factor service typically
// splits modes: "api" serves the HTTP edge, "worker" runs the long-lived
// background engines.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/riclipi/dmca-deepagent-sub002/internal/audit"
	"github.com/riclipi/dmca-deepagent-sub002/internal/config"
	"github.com/riclipi/dmca-deepagent-sub002/internal/httpserver"
	"github.com/riclipi/dmca-deepagent-sub002/internal/kv"
	"github.com/riclipi/dmca-deepagent-sub002/internal/platform"
	"github.com/riclipi/dmca-deepagent-sub002/internal/store"
	"github.com/riclipi/dmca-deepagent-sub002/internal/telemetry"
	"github.com/riclipi/dmca-deepagent-sub002/internal/tenantctx"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/abuse"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/classifier"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/contentcache"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/notify"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/ownership"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/progress"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/queue"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/ratelimit"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/robots"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/scanagent"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/sitescheduler"
	"github.com/riclipi/dmca-deepagent-sub002/pkg/violationcache"
)

// Run reads config, connects to infrastructure, and starts the mode
// selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting scancore", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	kvSvc, err := buildKV(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to key-value service: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry()
	repo := store.NewPostgresStore(db)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, kvSvc, metricsReg, repo)
	case "worker":
		return runWorker(ctx, cfg, logger, repo)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildKV connects to the configured key-value service. Outside production
// an unset KV_URL falls back to an in-process mock (spec §6) rather than
// failing startup, matching the teacher's "optional infra degrades" posture
// for non-critical environments.
func buildKV(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Service, error) {
	if cfg.KVURL == "" {
		if cfg.IsProduction() {
			return nil, errors.New("KV_URL is required in production")
		}
		logger.Info("KV_URL not set, using in-process mock key-value service")
		return kv.NewMockService(), nil
	}
	client, err := platform.NewRedisClient(ctx, cfg.KVURL)
	if err != nil {
		return nil, err
	}
	return kv.NewRedisService(client), nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, kvSvc kv.Service, metricsReg *prometheus.Registry, repo store.Repositories) error {
	// --- Component H: rate limiting, guarded against a degraded KV backend.
	guarded := ratelimit.NewGuardedKV(kvSvc)
	fixedLimiter := ratelimit.NewFixedWindow(guarded)

	// --- Component F: ownership validation (invoked out-of-band by brand
	// onboarding flows, not part of the scan submission hot path).
	ownershipValidator := ownership.NewValidator(nil, nil, cfg.OwnershipPlatformPrefix)

	// --- Component E: abuse-control engine + operator notifications.
	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN not set)")
	}
	abuseEngine := abuse.NewEngine(repo.Tenants(), notifier, logger, telemetry.AbuseStateTransitionsTotal)
	go func() {
		if err := abuseEngine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("abuse decay sweep stopped", "error", err)
		}
	}()

	// --- Component G: progress pub/sub, auth-free for now (spec §1: full
	// auth is out of scope; RequireAuth is available once a token scheme
	// is wired in).
	hub := progress.New(nil)

	// --- Component B collaborators shared by every session.
	robotsCache := robots.NewCache(nil)
	classifierPipeline := classifierPipelineFor(cfg, logger)
	contentCache := contentcache.New(kvSvc, repo.ContentCache(), logger)
	violationCache := violationcache.New(kvSvc, repo.ViolationCache(), logger)
	fetcher := scanagent.NewHTTPFetcher(nil)
	registry := scanagent.NewRegistry()

	// --- Component A: admission coordinator.
	coord := queue.NewCoordinator(repo, kvSvc, cfg.GlobalScanLimit, logger)
	if err := coord.Restore(ctx); err != nil {
		logger.Error("restoring admission coordinator state", "error", err)
	}
	coord.SetOnAdmit(func(admitCtx context.Context, req store.ScanRequest) {
		startSession(admitCtx, coord, registry, repo, hub, robotsCache, classifierPipeline,
			contentCache, violationCache, fetcher, logger, req)
	})
	coord.SetPublisher(hub)

	// --- HTTP server + route mounting.
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, db, kvSvc, metricsReg, tenantctx.NewHeaderResolver())

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()
	srv.APIRouter.Mount("/audit-log", audit.NewHandler(db, logger).Routes())

	queueHandler := queue.NewHandler(coord, repo, fixedLimiter, logger)
	srv.APIRouter.Mount("/queue", queueHandler.QueueRoutes())

	scanagentHandler := scanagent.NewHandler(registry, repo)

	// Both queueHandler and scanagentHandler expose endpoints under /agents
	// (spec §6), so their routes are composed onto one sub-router rather
	// than mounted independently at the same prefix.
	agentsRouter := chi.NewRouter()
	agentsRouter.Post("/known-sites/scan", queueHandler.HandleSubmit)
	agentsRouter.Get("/discovery/{sessionId}", scanagentHandler.HandleSnapshot)
	agentsRouter.Post("/discovery/{sessionId}", scanagentHandler.HandleAction)
	agentsRouter.Get("/progress", httpserver.ProgressHandler(hub, logger))
	srv.APIRouter.Mount("/agents", agentsRouter)

	ownershipHandler := ownership.NewHandler(ownershipValidator, repo)
	srv.APIRouter.Mount("/brands", ownershipHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, repo store.Repositories) error {
	logger.Info("worker started")

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	engine := abuse.NewEngine(repo.Tenants(), notifier, logger, telemetry.AbuseStateTransitionsTotal)
	return engine.Run(ctx)
}

// startSession builds and runs a Scan Agent Runtime session for an admitted
// request, registering it for discovery and releasing its admission slot on
// completion (spec §2's "A → B" handoff).
func startSession(ctx context.Context, coord *queue.Coordinator, registry *scanagent.Registry, repo store.Repositories,
	hub *progress.Hub, robotsCache *robots.Cache, classifierPipeline *classifier.Pipeline,
	contentCache *contentcache.Cache, violationCache *violationcache.Cache, fetcher scanagent.PageFetcher,
	logger *slog.Logger, req store.ScanRequest) {

	t, err := repo.Tenants().Get(ctx, req.TenantID)
	if err != nil {
		logger.Error("loading tenant for admitted request", "error", err, "tenant_id", req.TenantID)
		return
	}
	brand, err := repo.BrandProfiles().Get(ctx, req.BrandProfileID)
	if err != nil {
		logger.Error("loading brand profile for admitted request", "error", err, "brand_id", req.BrandProfileID)
		return
	}
	sites, err := repo.KnownSites().ListByIDs(ctx, req.SiteIDs)
	if err != nil {
		logger.Error("loading known sites for admitted request", "error", err)
		return
	}

	row := store.ScanSession{
		ID:             req.ID,
		RequestID:      req.ID,
		TenantID:       req.TenantID,
		BrandProfileID: req.BrandProfileID,
		State:          store.SessionIdle,
		TotalSites:     len(sites),
	}
	if err := repo.ScanSessions().Create(ctx, row); err != nil {
		logger.Error("creating scan session row", "error", err)
		return
	}

	scheduler := sitescheduler.New(req.Options.MaxConcurrency, "scancore-bot/1.0", robotsCache, req.Options.RespectRobots)
	for _, site := range sites {
		scheduler.Add(site)
	}

	sess := scanagent.New(scanagent.Deps{
		Repo:           repo,
		Scheduler:      scheduler,
		ContentCache:   contentCache,
		ViolationCache: violationCache,
		Classifier:     classifierPipeline,
		Fetcher:        fetcher,
		Publisher:      hub,
		Logger:         logger,
	}, req, brand, row)

	registry.Register(req.ID, sess)

	go func() {
		started := time.Now()
		defer registry.Unregister(req.ID)

		runErr := sess.Run(ctx)
		if runErr != nil {
			logger.Error("scan session run failed", "error", runErr, "session_id", req.ID)
		}

		outcome := sess.Snapshot().State
		coord.Release(context.Background(), req.TenantID, t.Plan, time.Since(started), outcome)
	}()
}

func classifierPipelineFor(cfg *config.Config, logger *slog.Logger) *classifier.Pipeline {
	if cfg.AnthropicAPIKey == "" {
		logger.Info("AI classification disabled (ANTHROPIC_API_KEY not set)")
		return classifier.New(nil)
	}
	ai := classifier.NewAnthropicClassifier(cfg.AnthropicAPIKey, anthropic.Model(cfg.AnthropicModel), logger)
	return classifier.New(ai)
}
