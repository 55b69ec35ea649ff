package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"
	"portal_intelligence/platform/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const actionSuggestRetention = 24 * time.Hour

// Client publishes intelligence tasks to the asynq broker.
type Client struct {
	client *asynq.Client
	queue  string
}

var _ ports.PostProcessHook = (*Client)(nil)

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
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

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueActivityRecorded hands an activity to whichever process runs the
// ingest worker.
func (c *Client) EnqueueActivityRecorded(ctx context.Context, event domain.ActivityEvent) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload := ActivityRecordedPayload{
		SourceEventID: event.SourceEventID,
		Kind:          string(event.Kind),
		ProspectID:    event.ProspectID.String(),
		OccurredAt:    event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if event.OrganizationID != nil {
		payload.OrganizationID = event.OrganizationID.String()
	}
	task, err := NewActivityRecordedTask(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	return err
}

// EnqueueOpportunityChanged requests debounced reprocessing from another process.
func (c *Client) EnqueueOpportunityChanged(ctx context.Context, payload OpportunityChangedPayload) error {
	if c == nil || c.client == nil {
		return nil
	}
	task, err := NewOpportunityChangedTask(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(c.queue))
	return err
}

// ActivityProcessed forwards a processed activity to the action-suggestion pipeline.
func (c *Client) ActivityProcessed(ctx context.Context, item domain.QueueItem) error {
	return c.enqueueActionSuggest(ctx, item)
}

// OpportunityReprocessed forwards a completed batch to the action-suggestion pipeline.
func (c *Client) OpportunityReprocessed(ctx context.Context, item domain.QueueItem) error {
	return c.enqueueActionSuggest(ctx, item)
}

func (c *Client) enqueueActionSuggest(ctx context.Context, item domain.QueueItem) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload := ActionSuggestPayload{ItemID: item.ID.String(), Kind: string(item.Kind)}
	if item.ProspectID != nil {
		payload.ProspectID = item.ProspectID.String()
	}
	if item.OpportunityID != nil {
		payload.OpportunityID = item.OpportunityID.String()
	}
	if item.OrganizationID != nil {
		payload.OrganizationID = item.OrganizationID.String()
	}
	task, err := NewActionSuggestTask(payload)
	if err != nil {
		return err
	}
	// One suggestion task per processed item version; redelivery collapses.
	taskID := fmt.Sprintf("%s:%s:%d", TaskActionSuggest, item.ID, item.Version)
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID(taskID),
		asynq.Retention(actionSuggestRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
