package scheduler

import (
	"context"
	"fmt"
	"time"

	"portal_intelligence/internal/events"
	"portal_intelligence/platform/apperr"
	"portal_intelligence/platform/config"
	"portal_intelligence/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Worker turns ingest tasks from other processes into bus events.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	bus    events.Bus
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, bus events.Bus, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	w := newWorker(bus, log)
	w.server = server
	return w, nil
}

func newWorker(bus events.Bus, log *logger.Logger) *Worker {
	mux := asynq.NewServeMux()
	w := &Worker{mux: mux, bus: bus, log: log}
	mux.HandleFunc(TaskActivityRecorded, w.handleActivityRecorded)
	mux.HandleFunc(TaskOpportunityChanged, w.handleOpportunityChanged)
	return w
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("intelligence ingest worker stopped", "error", err)
	}
}

func (w *Worker) handleActivityRecorded(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseActivityRecordedPayload(task)
	if err != nil {
		return skipRetry("decode activity payload", err)
	}

	prospectID, err := uuid.Parse(payload.ProspectID)
	if err != nil {
		return skipRetry("parse prospect id", err)
	}
	orgID, err := parseOptionalUUID(payload.OrganizationID)
	if err != nil {
		return skipRetry("parse organization id", err)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, payload.OccurredAt)
	if err != nil {
		return skipRetry("parse occurredAt", err)
	}

	err = w.bus.PublishSync(ctx, events.ActivityRecorded{
		BaseEvent:      events.NewBaseEvent(),
		SourceEventID:  payload.SourceEventID,
		Kind:           payload.Kind,
		ProspectID:     prospectID,
		OrganizationID: orgID,
		ActivityAt:     occurredAt,
	})
	if apperr.Is(err, apperr.KindValidation) {
		return skipRetry("activity rejected", err)
	}
	return err
}

func (w *Worker) handleOpportunityChanged(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseOpportunityChangedPayload(task)
	if err != nil {
		return skipRetry("decode opportunity payload", err)
	}

	opportunityID, err := uuid.Parse(payload.OpportunityID)
	if err != nil {
		return skipRetry("parse opportunity id", err)
	}
	orgID, err := parseOptionalUUID(payload.OrganizationID)
	if err != nil {
		return skipRetry("parse organization id", err)
	}

	return w.bus.PublishSync(ctx, events.OpportunityStructureChanged{
		BaseEvent:      events.NewBaseEvent(),
		OpportunityID:  opportunityID,
		OrganizationID: orgID,
		Reason:         payload.Reason,
	})
}

// skipRetry marks malformed or rejected payloads as permanent failures.
func skipRetry(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, err, asynq.SkipRetry)
}

func parseOptionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
