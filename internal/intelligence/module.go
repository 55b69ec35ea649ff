// Package intelligence provides the prospect intelligence queue bounded
// context module. This file wires the queue services, worker pools, event
// subscriptions and operator routes.
package intelligence

import (
	"context"

	"portal_intelligence/internal/events"
	apphttp "portal_intelligence/internal/http"
	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/handler"
	"portal_intelligence/internal/intelligence/ports"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/internal/intelligence/service"
	"portal_intelligence/internal/scheduler"
	"portal_intelligence/platform/config"
	"portal_intelligence/platform/logger"
	"portal_intelligence/platform/validator"

	"golang.org/x/sync/errgroup"
)

// Analytics is the collaborator that processes activities and recomputes
// opportunities.
type Analytics interface {
	ports.AnalyticsProcessor
	ports.OpportunityRecomputer
}

// Deps are the collaborators the module is built from.
type Deps struct {
	Store     repository.Store
	Lookup    ports.OpportunityLookup
	Analytics Analytics
	Hook      ports.PostProcessHook
	Bus       events.Bus
	Validator *validator.Validator
	Config    config.IntelligenceQueueConfig
	Log       *logger.Logger
}

// Module is the intelligence queue bounded context module implementing http.Module.
type Module struct {
	store        repository.Store
	enqueuer     *service.Enqueuer
	debouncer    *service.Debouncer
	resolver     *service.Resolver
	activityPool *scheduler.ActivityPool
	batchPool    *scheduler.BatchPool
	reclaimer    *scheduler.Reclaimer
	cleanup      *scheduler.QueueCleanup
	handler      *handler.Handler
	log          *logger.Logger
}

// NewModule creates the module and subscribes it to the ingest events.
func NewModule(deps Deps) *Module {
	cfg := deps.Config
	log := deps.Log

	enqueuer := service.NewEnqueuer(deps.Store, deps.Validator, cfg.GetMaxRetries(), log)
	debouncer := service.NewDebouncer(deps.Store, cfg.GetDebounceWindow(), cfg.GetMaxRetries(), nil, log)
	resolver := service.NewResolver(deps.Lookup, deps.Store, enqueuer, debouncer, cfg.GetGracePeriod(), log)

	poolCfg := func(concurrency int) scheduler.PoolConfig {
		return scheduler.PoolConfig{
			PollInterval: cfg.GetPollInterval(),
			Concurrency:  concurrency,
			Owner:        cfg.GetWorkerID(),
		}
	}
	activityPool := scheduler.NewActivityPool(deps.Store, resolver, deps.Analytics, deps.Hook,
		poolCfg(cfg.GetActivityConcurrency()), log.WithWorker("activity", cfg.GetWorkerID()))
	batchPool := scheduler.NewBatchPool(deps.Store, deps.Analytics, deps.Hook,
		poolCfg(cfg.GetBatchConcurrency()), nil, log.WithWorker("batch", cfg.GetWorkerID()))
	debouncer.SetCanceller(batchPool)

	m := &Module{
		store:        deps.Store,
		enqueuer:     enqueuer,
		debouncer:    debouncer,
		resolver:     resolver,
		activityPool: activityPool,
		batchPool:    batchPool,
		reclaimer:    scheduler.NewReclaimer(deps.Store, cfg.GetStuckTimeout(), cfg.GetReclaimInterval(), nil, log),
		cleanup:      scheduler.NewQueueCleanup(deps.Store, cfg.GetCleanupInterval(), cfg.GetCompletedRetention(), nil, log),
		handler:      handler.New(deps.Store, debouncer, activityPool, batchPool, deps.Validator, log),
		log:          log,
	}
	m.RegisterHandlers(deps.Bus)
	return m
}

// RegisterHandlers subscribes the module to ingest events. Handlers run
// synchronously so transports see validation failures.
func (m *Module) RegisterHandlers(bus events.Bus) {
	if bus == nil {
		return
	}

	bus.Subscribe(events.ActivityRecorded{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.ActivityRecorded)
		if !ok {
			return nil
		}
		_, err := m.resolver.HandleActivity(ctx, domain.ActivityEvent{
			SourceEventID:  e.SourceEventID,
			Kind:           domain.EventKind(e.Kind),
			ProspectID:     e.ProspectID,
			OrganizationID: e.OrganizationID,
			OccurredAt:     e.ActivityAt,
		})
		if err != nil {
			m.log.Error("activity ingest failed", "error", err, "prospectId", e.ProspectID, "sourceEventId", e.SourceEventID)
		}
		return err
	}))

	bus.Subscribe(events.OpportunityStructureChanged{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.OpportunityStructureChanged)
		if !ok {
			return nil
		}
		_, err := m.resolver.OpportunityStructureChanged(ctx, service.ReprocessRequest{
			OpportunityID:  e.OpportunityID,
			OrganizationID: e.OrganizationID,
			ProspectID:     e.ProspectID,
			Reason:         e.Reason,
		})
		if err != nil {
			m.log.Error("opportunity reprocess scheduling failed", "error", err, "opportunityId", e.OpportunityID)
		}
		return err
	}))
}

// Run drives the worker pools, the reclaimer and the retention cleanup until
// ctx is done. In-flight workers finish or release their items before it returns.
func (m *Module) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { m.activityPool.Run(ctx); return nil })
	g.Go(func() error { m.batchPool.Run(ctx); return nil })
	g.Go(func() error { m.reclaimer.Run(ctx); return nil })
	g.Go(func() error { m.cleanup.Run(ctx); return nil })
	m.log.Info("intelligence queue workers started")
	err := g.Wait()
	m.log.Info("intelligence queue workers stopped")
	return err
}

// Name returns the module identifier.
func (m *Module) Name() string { return "intelligence" }

// RegisterRoutes mounts the operator routes under /api/v1/admin/intelligence-queue.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.RegisterRoutes(ctx.Admin.Group("/intelligence-queue"))
}

func (m *Module) Enqueuer() *service.Enqueuer   { return m.enqueuer }
func (m *Module) Debouncer() *service.Debouncer { return m.debouncer }
func (m *Module) Resolver() *service.Resolver   { return m.resolver }

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
