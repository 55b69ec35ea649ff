package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal_intelligence/internal/adapters"
	"portal_intelligence/internal/events"
	apphttp "portal_intelligence/internal/http"
	"portal_intelligence/internal/http/router"
	"portal_intelligence/internal/intelligence"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/internal/scheduler"
	"portal_intelligence/platform/config"
	"portal_intelligence/platform/db"
	"portal_intelligence/platform/logger"
	"portal_intelligence/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting intelligence scheduler", "env", cfg.Env, "worker", cfg.GetWorkerID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, pool)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	eventBus := events.NewInMemoryBus(log)

	// ========================================================================
	// Collaborators
	// ========================================================================

	var analytics intelligence.Analytics
	if cfg.IsAnalyticsEnabled() {
		analytics = adapters.NewAnalyticsClient(cfg.GetAnalyticsURL(), cfg.GetAnalyticsAPIKey(), log)
	} else {
		log.Warn("ANALYTICS_URL not configured; activities and recomputes are accepted without processing")
		analytics = adapters.NewNoopAnalytics(log)
	}

	hooks := adapters.PostProcessHooks{adapters.NewEventBusHook(eventBus)}
	taskClient, closeTaskClient := initTaskClient(cfg, log)
	defer closeTaskClient()
	if taskClient != nil {
		hooks = append(hooks, taskClient)
	}

	// ========================================================================
	// Domain Modules
	// ========================================================================

	intelligenceModule := intelligence.NewModule(intelligence.Deps{
		Store:     repository.New(pool),
		Lookup:    adapters.NewOpportunityLookup(pool),
		Analytics: analytics,
		Hook:      hooks,
		Bus:       eventBus,
		Validator: validator.New(),
		Config:    cfg,
		Log:       log,
	})

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:  cfg,
		Logger:  log,
		Health:  pool,
		Modules: []apphttp.Module{intelligenceModule},
	}
	server := &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           router.New(app),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ========================================================================
	// Run
	// ========================================================================

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return intelligenceModule.Run(gctx)
	})

	if cfg.GetRedisURL() != "" {
		worker, err := scheduler.NewWorker(cfg, eventBus, log)
		if err != nil {
			log.Error("failed to initialize ingest worker", "error", err)
			panic("failed to initialize ingest worker: " + err.Error())
		}
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("scheduler stopped with error", "error", err)
		panic("scheduler stopped with error: " + err.Error())
	}
	eventBus.Wait()
	log.Info("intelligence scheduler stopped")
}

func initTaskClient(cfg config.SchedulerConfig, log *logger.Logger) (*scheduler.Client, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; asynq ingest and action suggestions disabled")
		return nil, func() {}
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize task client", "error", err)
		return nil, func() {}
	}

	return client, func() {
		_ = client.Close()
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
